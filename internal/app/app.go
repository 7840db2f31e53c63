// ============================================================================
// Ledger Runtime - Component Wiring
// ============================================================================
//
// Package: internal/app
// File: app.go
// Purpose: Builds every runtime component from a config.Config and registers
//          them as services with the orchestrator.
//
// Service graph:
//
//   tier 0   eventbus (critical)        storage
//   tier 1   datastore (critical) ← eventbus, storage
//   tier 2   quota-monitor ← datastore  integrity ← datastore
//   deferred category-index ← datastore
//
// Lifecycle:
//   1. New(cfg, opts)   - open backend, build components, register services
//   2. Boot(ctx)        - orchestrator boot (critical path + deferred)
//   3. Shutdown(ctx)    - reverse-order teardown, then close the backend
//
// ============================================================================

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ChuLiYu/ledger-runtime/internal/config"
	"github.com/ChuLiYu/ledger-runtime/internal/datastore"
	"github.com/ChuLiYu/ledger-runtime/internal/diagnostics"
	"github.com/ChuLiYu/ledger-runtime/internal/eventbus"
	"github.com/ChuLiYu/ledger-runtime/internal/metrics"
	"github.com/ChuLiYu/ledger-runtime/internal/orchestrator"
	"github.com/ChuLiYu/ledger-runtime/internal/quota"
	"github.com/ChuLiYu/ledger-runtime/internal/storage/kv"
)

var log = slog.Default()

// Service names.
const (
	ServiceEventBus      = "eventbus"
	ServiceStorage       = "storage"
	ServiceDataStore     = "datastore"
	ServiceQuota         = "quota-monitor"
	ServiceIntegrity     = "integrity"
	ServiceCategoryIndex = "category-index"
)

// Options overrides collaborators, mostly for tests. Every field is optional.
type Options struct {
	// Backend replaces the backend selected by cfg.Storage.
	Backend kv.Backend
	// Registry receives the Prometheus collectors; nil → a fresh registry.
	Registry *prometheus.Registry
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
	Jitter   func(limit time.Duration) time.Duration
}

// Runtime holds every wired component.
type Runtime struct {
	Config       config.Config
	Backend      kv.Backend
	Registry     *prometheus.Registry
	Metrics      *metrics.Collector
	Diagnostics  *diagnostics.Logger
	Bus          *eventbus.Bus
	Store        *datastore.Store
	Quota        *quota.Monitor
	Index        *CategoryIndex
	Orchestrator *orchestrator.Orchestrator

	closeOnce sync.Once
	closeErr  error
}

// New builds the runtime. Nothing is started until Boot.
func New(cfg config.Config, opts Options) (*Runtime, error) {
	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = OpenBackend(cfg)
		if err != nil {
			return nil, err
		}
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	collector := metrics.NewCollectorWith(reg)
	diag := diagnostics.NewLogger(nil)
	bus := eventbus.New(diag)

	store := datastore.New(backend, datastore.Options{
		SnapshotCapacity: cfg.Snapshot.Capacity,
		ArchiveAge:       cfg.Snapshot.ArchiveAge,
		Bus:              bus,
		Diagnostics:      diag,
		Metrics:          collector,
		Now:              opts.Now,
	})
	monitor := quota.New(backend, cfg.QuotaConfig(), quota.Options{
		Bus:         bus,
		Diagnostics: diag,
		Metrics:     collector,
		Now:         opts.Now,
	})
	store.SetPressureHandler(monitor)
	store.RegisterCleanup(monitor)

	orch := orchestrator.New(cfg.OrchestratorConfig(), orchestrator.Options{
		Bus:         bus,
		Diagnostics: diag,
		Metrics:     collector,
		Now:         opts.Now,
		Sleep:       opts.Sleep,
		Jitter:      opts.Jitter,
	})

	r := &Runtime{
		Config:       cfg,
		Backend:      backend,
		Registry:     reg,
		Metrics:      collector,
		Diagnostics:  diag,
		Bus:          bus,
		Store:        store,
		Quota:        monitor,
		Index:        NewCategoryIndex(store, backend, bus),
		Orchestrator: orch,
	}
	if err := r.register(); err != nil {
		_ = r.closeBackend()
		return nil, err
	}
	return r, nil
}

// OpenBackend opens the backend named by cfg.Storage.
func OpenBackend(cfg config.Config) (kv.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		b, err := kv.OpenSQLite(cfg.Storage.Path, cfg.Storage.Capacity)
		if err != nil {
			return nil, fmt.Errorf("open sqlite backend: %w", err)
		}
		return b, nil
	case config.BackendMemory, "":
		return kv.NewMemoryBackend(cfg.Storage.Capacity), nil
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", config.ErrInvalidConfig, cfg.Storage.Backend)
	}
}

// Boot starts every service. Deferred services keep starting in the
// background after Boot returns.
func (r *Runtime) Boot(ctx context.Context) error {
	start := time.Now()
	err := r.Orchestrator.Boot(ctx)
	report := r.Orchestrator.Report()
	log.Info("Runtime boot finished",
		"status", report.Status,
		"duration", time.Since(start).Round(time.Millisecond))
	return err
}

// Shutdown disposes every service and closes the backend. It is safe to call
// more than once.
func (r *Runtime) Shutdown(ctx context.Context) error {
	err := r.Orchestrator.Shutdown(ctx)
	if cerr := r.closeBackend(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func (r *Runtime) closeBackend() error {
	r.closeOnce.Do(func() {
		if c, ok := r.Backend.(io.Closer); ok {
			r.closeErr = c.Close()
		}
	})
	return r.closeErr
}
