package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/ledger-runtime/internal/diagnostics"
)

// ============================================================================
// 健康監控
//
// 只檢查 ready 的服務；健康狀態不影響 Status（degraded 的服務仍在服務中）。
// ============================================================================

// CheckHealth runs one health pass over every ready service that has a
// check and returns the resulting health per service.
func (o *Orchestrator) CheckHealth(ctx context.Context) map[string]Health {
	o.mu.RLock()
	var names []string
	for name, st := range o.states {
		if st.Status == StatusReady && o.descs[name].Health.Kind != HealthNone {
			names = append(names, name)
		}
	}
	o.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]Health, len(names))
	for _, name := range names {
		out[name] = o.checkOne(ctx, name)
	}
	return out
}

func (o *Orchestrator) checkOne(ctx context.Context, name string) Health {
	o.mu.RLock()
	check := o.descs[name].Health
	o.mu.RUnlock()

	hctx, cancel := context.WithTimeout(ctx, o.cfg.HealthTimeout)
	defer cancel()

	health, err := evaluate(hctx, check)
	if err != nil {
		health = HealthDegraded
		o.diag.LogError(source, "health:"+name, err, diagnostics.SeverityLow,
			map[string]any{"kind": check.Kind.String()})
	}

	var prev Health
	o.update(name, func(s *State) {
		prev = s.Health
		// 關機期間可能已被 dispose
		if s.Status == StatusReady {
			s.Health = health
			s.CheckedAt = o.now()
		}
	})
	if prev != health {
		log.Info("Service health changed", "service", name, "from", prev, "to", health)
	}
	return health
}

// evaluate runs the check on its own goroutine so a check that ignores its
// context still cannot hold the loop past the timeout.
func evaluate(ctx context.Context, check HealthCheck) (Health, error) {
	type result struct {
		health Health
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{HealthDegraded, fmt.Errorf("health check panicked: %v", r)}
			}
		}()
		h, err := check.Evaluate(ctx)
		done <- result{h, err}
	}()

	select {
	case r := <-done:
		return r.health, r.err
	case <-ctx.Done():
		return HealthDegraded, fmt.Errorf("health check: %w", ctx.Err())
	}
}

// StartHealthMonitor launches the periodic health loop. Calling it twice is
// a no-op.
func (o *Orchestrator) StartHealthMonitor() {
	o.loopMu.Lock()
	defer o.loopMu.Unlock()
	if o.loopStarted {
		return
	}
	o.loopStarted = true
	o.stopCh = make(chan struct{})

	o.loopWG.Add(1)
	go o.healthLoop(o.stopCh, o.cfg.HealthInterval)
}

func (o *Orchestrator) healthLoop(stopCh chan struct{}, interval time.Duration) {
	defer o.loopWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	log.Info("Health monitor started", "interval", interval)
	for {
		select {
		case <-stopCh:
			log.Info("Health monitor stopped")
			return
		case <-ticker.C:
			o.CheckHealth(ctx)
		}
	}
}

// StopHealthMonitor stops the loop and waits for an in-flight pass.
func (o *Orchestrator) StopHealthMonitor() {
	o.loopMu.Lock()
	if !o.loopStarted {
		o.loopMu.Unlock()
		return
	}
	o.loopStarted = false
	close(o.stopCh)
	o.loopMu.Unlock()

	o.loopWG.Wait()
}
