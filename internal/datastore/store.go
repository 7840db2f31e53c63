// ============================================================================
// Atomic Data Store
// ============================================================================
//
// Package: internal/datastore
// File: store.go
// Purpose: Owns the five persisted collections and gives every mutation
//          all-or-nothing semantics.
//
// Persistence layout (kv backend):
//
//	data:accounts              JSON map id → Account
//	data:transactions          JSON map id → Transaction
//	data:files                 JSON map id → FileRecord
//	data:categories            JSON map id → Category
//	data:category_assignments  JSON map id → CategoryAssignment
//	meta:store                 Metadata {version, last_updated, last_tx}
//	snapshot:<seq>             snapshot ring entries (internal/snapshot)
//	archive:transactions:<ts>  gzip+base64 archived transactions
//
// Every mutation goes through ExecuteTransaction (tx.go). The store lock is
// held for the whole op, so an op must never call back into the Store.
//
// ============================================================================

package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/ledger-runtime/internal/diagnostics"
	"github.com/ChuLiYu/ledger-runtime/internal/eventbus"
	"github.com/ChuLiYu/ledger-runtime/internal/metrics"
	"github.com/ChuLiYu/ledger-runtime/internal/quota"
	"github.com/ChuLiYu/ledger-runtime/internal/snapshot"
	"github.com/ChuLiYu/ledger-runtime/internal/storage/kv"
	"github.com/ChuLiYu/ledger-runtime/pkg/types"
)

var log = slog.Default()

const (
	source = "datastore"

	DataKeyPrefix    = "data:"
	MetadataKey      = "meta:store"
	ArchiveKeyPrefix = "archive:transactions:"

	// SchemaVersion is written into the metadata record.
	SchemaVersion = 1

	DefaultArchiveAge = 365 * 24 * time.Hour
)

func collectionKey(c types.Collection) string {
	return DataKeyPrefix + string(c)
}

// PressureHandler is the quota monitor as seen by the store.
type PressureHandler interface {
	EmergencyCleanup(ctx context.Context) error
	Utilization() float64
	Observe() (quota.Info, error)
}

// Options configures a Store; every field is optional.
type Options struct {
	SnapshotCapacity int
	ArchiveAge       time.Duration
	Bus              *eventbus.Bus
	Diagnostics      diagnostics.Sink
	Metrics          *metrics.Collector
	Now              func() time.Time
}

// Store is the atomic, quota-aware data store.
type Store struct {
	backend    kv.Backend
	ring       *snapshot.Ring
	bus        *eventbus.Bus
	diag       diagnostics.Sink
	metrics    *metrics.Collector
	now        func() time.Time
	archiveAge time.Duration
	tracer     trace.Tracer

	mu       sync.Mutex
	cols     types.Collections
	meta     types.Metadata
	loaded   bool
	pressure PressureHandler
}

// New creates a Store over backend. Call Init before use.
func New(backend kv.Backend, opts Options) *Store {
	if opts.Diagnostics == nil {
		opts.Diagnostics = diagnostics.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ArchiveAge <= 0 {
		opts.ArchiveAge = DefaultArchiveAge
	}
	return &Store{
		backend:    backend,
		ring:       snapshot.NewRing(backend, opts.SnapshotCapacity),
		bus:        opts.Bus,
		diag:       opts.Diagnostics,
		metrics:    opts.Metrics,
		now:        opts.Now,
		archiveAge: opts.ArchiveAge,
		tracer:     otel.Tracer("github.com/ChuLiYu/ledger-runtime/internal/datastore"),
		cols:       types.NewCollections(),
	}
}

// SetPressureHandler wires the quota monitor. Call before the first
// transaction.
func (s *Store) SetPressureHandler(h PressureHandler) {
	s.mu.Lock()
	s.pressure = h
	s.mu.Unlock()
}

func (s *Store) pressureHandler() PressureHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pressure
}

// utilizationLocked is best effort; -1 when unknown.
func (s *Store) utilizationLocked() float64 {
	if s.pressure == nil {
		return -1
	}
	return s.pressure.Utilization()
}

// ============================================================================
// Lifecycle
// ============================================================================

// Init loads persisted collections, metadata and snapshots.
func (s *Store) Init(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "datastore.load")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	cols := types.NewCollections()
	for _, c := range types.AllCollections {
		raw, ok, err := s.backend.Get(collectionKey(c))
		if err != nil {
			return fmt.Errorf("load %s: %w", c, err)
		}
		if !ok {
			continue
		}
		if err := decodeCollection(&cols, c, raw); err != nil {
			return fmt.Errorf("decode %s: %w", c, err)
		}
	}

	var meta types.Metadata
	if raw, ok, err := s.backend.Get(MetadataKey); err != nil {
		return fmt.Errorf("load metadata: %w", err)
	} else if ok {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
		if meta.Version > SchemaVersion {
			log.Warn("stored schema is newer than this binary", "stored", meta.Version, "supported", SchemaVersion)
		}
	}

	if err := s.ring.Load(); err != nil {
		return fmt.Errorf("load snapshots: %w", err)
	}

	s.cols = cols
	s.meta = meta
	s.loaded = true

	counts := cols.Counts()
	log.Info("Data store loaded",
		"accounts", counts[types.CollectionAccounts],
		"transactions", counts[types.CollectionTransactions],
		"files", counts[types.CollectionFiles],
		"snapshots", s.ring.Len())
	return nil
}

// IsHealthy reports whether the store is loaded and its backend readable.
func (s *Store) IsHealthy(context.Context) (bool, error) {
	if _, _, err := s.backend.Get(MetadataKey); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded, nil
}

// ============================================================================
// Encoding
// ============================================================================

func decodeCollection(cols *types.Collections, c types.Collection, raw string) error {
	data := []byte(raw)
	switch c {
	case types.CollectionAccounts:
		return json.Unmarshal(data, &cols.Accounts)
	case types.CollectionTransactions:
		return json.Unmarshal(data, &cols.Transactions)
	case types.CollectionFiles:
		return json.Unmarshal(data, &cols.Files)
	case types.CollectionCategories:
		return json.Unmarshal(data, &cols.Categories)
	case types.CollectionCategoryAssignments:
		return json.Unmarshal(data, &cols.CategoryAssignments)
	}
	return fmt.Errorf("unknown collection %q", c)
}

func encodeCollection(cols types.Collections, c types.Collection) (string, error) {
	var v any
	switch c {
	case types.CollectionAccounts:
		v = cols.Accounts
	case types.CollectionTransactions:
		v = cols.Transactions
	case types.CollectionFiles:
		v = cols.Files
	case types.CollectionCategories:
		v = cols.Categories
	case types.CollectionCategoryAssignments:
		v = cols.CategoryAssignments
	default:
		return "", fmt.Errorf("unknown collection %q", c)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ============================================================================
// Read accessors (copies)
// ============================================================================

// Account returns one account.
func (s *Store) Account(id string) (types.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.cols.Accounts[id]
	return a, ok
}

// Accounts returns all accounts sorted by id.
func (s *Store) Accounts() []types.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Account, 0, len(s.cols.Accounts))
	for _, a := range s.cols.Accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Transactions returns the transactions of accountID (all when empty),
// oldest first by (posted, date).
func (s *Store) Transactions(accountID string) []types.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Transaction
	for _, t := range s.cols.Transactions {
		if accountID == "" || t.AccountID == accountID {
			out = append(out, t)
		}
	}
	SortTransactions(out)
	return out
}

// Files returns all file records sorted by id.
func (s *Store) Files() []types.FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.FileRecord, 0, len(s.cols.Files))
	for _, f := range s.cols.Files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Categories returns all categories sorted by id.
func (s *Store) Categories() []types.Category {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Category, 0, len(s.cols.Categories))
	for _, c := range s.cols.Categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Assignment returns the category assignment for a transaction.
func (s *Store) Assignment(transactionID string) (types.CategoryAssignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.cols.CategoryAssignments {
		if a.TransactionID == transactionID {
			return a, true
		}
	}
	return types.CategoryAssignment{}, false
}

// Counts returns record counts per collection.
func (s *Store) Counts() map[types.Collection]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols.Counts()
}

// Metadata returns the last committed metadata record.
func (s *Store) Metadata() types.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// state returns a deep copy of all collections (tests and export).
func (s *Store) state() types.Collections {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols.Clone()
}
