package app

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/ledger-runtime/internal/datastore"
	"github.com/ChuLiYu/ledger-runtime/internal/diagnostics"
	"github.com/ChuLiYu/ledger-runtime/internal/eventbus"
	"github.com/ChuLiYu/ledger-runtime/internal/orchestrator"
	"github.com/ChuLiYu/ledger-runtime/internal/storage/kv"
)

// register adds every runtime service to the orchestrator.
func (r *Runtime) register() error {
	descs := []orchestrator.Descriptor{
		r.eventBusService(),
		r.storageService(),
		orchestrator.FromService(ServiceDataStore, r.Store, orchestrator.ServiceOptions{
			Dependencies: []string{ServiceEventBus, ServiceStorage},
			RetryBudget:  2,
			Critical:     true,
		}),
		orchestrator.FromService(ServiceQuota, r.Quota, orchestrator.ServiceOptions{
			Dependencies: []string{ServiceDataStore},
			RetryBudget:  2,
		}),
		orchestrator.FromService(ServiceIntegrity, &integrityService{store: r.Store, diag: r.Diagnostics}, orchestrator.ServiceOptions{
			Dependencies: []string{ServiceDataStore},
			RetryBudget:  1,
		}),
		orchestrator.FromService(ServiceCategoryIndex, r.Index, orchestrator.ServiceOptions{
			Dependencies: []string{ServiceDataStore},
			RetryBudget:  1,
			Deferred:     true,
		}),
	}
	for _, d := range descs {
		if err := r.Orchestrator.Register(d); err != nil {
			return fmt.Errorf("register %s: %w", d.Name, err)
		}
	}
	return nil
}

// eventBusService 訂閱系統層事件並寫入日誌
func (r *Runtime) eventBusService() orchestrator.Descriptor {
	var unsubscribe []func()
	return orchestrator.Descriptor{
		Name:     ServiceEventBus,
		Critical: true,
		Init: func(context.Context) error {
			unsubscribe = append(unsubscribe,
				r.Bus.On(eventbus.ServiceFailed, func(ev eventbus.Event) {
					if p, ok := ev.Payload.(eventbus.ServicePayload); ok {
						log.Warn("Service failed", "service", p.Name, "error", p.Error)
					}
				}),
				r.Bus.On(eventbus.QuotaAlert, func(ev eventbus.Event) {
					if p, ok := ev.Payload.(eventbus.QuotaAlertPayload); ok {
						log.Warn("Quota alert", "severity", p.Severity, "message", p.Message)
					}
				}),
				r.Bus.On(eventbus.SystemReady, func(ev eventbus.Event) {
					if p, ok := ev.Payload.(eventbus.SystemPayload); ok {
						log.Info("System ready", "status", p.Status, "failed", p.Failed)
					}
				}),
			)
			return nil
		},
		Teardown: func(context.Context) error {
			for _, fn := range unsubscribe {
				fn()
			}
			unsubscribe = nil
			return nil
		},
	}
}

// storageService probes the backend; the backend itself is closed by
// Runtime.Shutdown after every dependent service is gone.
func (r *Runtime) storageService() orchestrator.Descriptor {
	probe := func(context.Context) error {
		if _, err := kv.Usage(r.Backend); err != nil {
			return fmt.Errorf("storage backend unreachable: %w", err)
		}
		return nil
	}
	return orchestrator.Descriptor{
		Name:        ServiceStorage,
		RetryBudget: 2,
		Init:        probe,
		Health:      orchestrator.ProbeCheck(probe),
	}
}

// integrityService checks referential integrity at startup and reports what
// it finds. Repair only happens on demand (RepairIntegrity, `integrity
// --repair`); findings leave the service ready with failed health.
type integrityService struct {
	store *datastore.Store
	diag  diagnostics.Sink
}

func (s *integrityService) Init(ctx context.Context) error {
	report := s.store.CheckIntegrity()
	if report.OK() {
		return nil
	}
	log.Warn("Integrity problems found at startup",
		"orphaned_transactions", len(report.OrphanedTransactions),
		"orphaned_file_refs", len(report.OrphanedFileRefs),
		"orphaned_assignments", len(report.OrphanedAssignments))
	s.diag.LogError(ServiceIntegrity, "startup_check", datastore.ErrIntegrity, diagnostics.SeverityMedium,
		map[string]any{"findings": report.Total()})
	return nil
}

func (s *integrityService) IsHealthy(context.Context) (bool, error) {
	return s.store.CheckIntegrity().OK(), nil
}
