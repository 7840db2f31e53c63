// ============================================================================
// Service Orchestrator
// ============================================================================
//
// Package: internal/orchestrator
// File: orchestrator.go
// Purpose: Boots a graph of named services in dependency order and keeps
//          track of their lifecycle and health.
//
// Boot sequence:
//   1. resolve()       - validate descriptors, DFS topological sort, tiers
//   2. tier 0..n       - each tier fanned out on a worker pool (MaxParallel)
//                        tier k starts only after tier k-1 has settled
//   3. critical failure → BootError, no further tiers
//   4. deferred        - background services, randomized stagger, never fatal
//   5. health loop     - every HealthInterval, per-check HealthTimeout
//
// Per service:
//
//	pending → initializing → ready
//	                       ↘ failed   (after RetryBudget+1 attempts)
//	ready → disposed (Shutdown)
//
// A timed-out init is abandoned: its context is cancelled, the attempt counts
// as failed, and the goroutine running it is not waited for.
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/ledger-runtime/internal/diagnostics"
	"github.com/ChuLiYu/ledger-runtime/internal/eventbus"
	"github.com/ChuLiYu/ledger-runtime/internal/metrics"
	"github.com/ChuLiYu/ledger-runtime/internal/worker"
)

var log = slog.Default()

const source = "orchestrator"

// Defaults.
const (
	DefaultMaxParallel    = 4
	DefaultBackoffBase    = 1000 * time.Millisecond
	DefaultBackoffMax     = 10000 * time.Millisecond
	DefaultInitTimeout    = 10 * time.Second
	DefaultDependencyPoll = 50 * time.Millisecond
	DefaultDependencyWait = 30 * time.Second
	DefaultHealthInterval = 30 * time.Second
	DefaultHealthTimeout  = 5 * time.Second
	DefaultStaggerMax     = 2 * time.Second
)

// Config tunes the orchestrator. Zero values take the defaults above.
type Config struct {
	MaxParallel        int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	DefaultInitTimeout time.Duration
	DependencyPoll     time.Duration
	DependencyWait     time.Duration
	HealthInterval     time.Duration
	HealthTimeout      time.Duration
	StaggerMax         time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.DefaultInitTimeout <= 0 {
		c.DefaultInitTimeout = DefaultInitTimeout
	}
	if c.DependencyPoll <= 0 {
		c.DependencyPoll = DefaultDependencyPoll
	}
	if c.DependencyWait <= 0 {
		c.DependencyWait = DefaultDependencyWait
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = DefaultHealthTimeout
	}
	if c.StaggerMax < 0 {
		c.StaggerMax = 0
	}
	return c
}

// Options carries collaborators; all are optional.
type Options struct {
	Bus         *eventbus.Bus
	Diagnostics diagnostics.Sink
	Metrics     *metrics.Collector
	Now         func() time.Time
	// Sleep waits d or until ctx is done. Tests replace it to observe backoff.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns a stagger in [0, limit).
	Jitter func(limit time.Duration) time.Duration
}

// State is the mutable record of one service.
type State struct {
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	Health     Health    `json:"health"`
	Critical   bool      `json:"critical"`
	Deferred   bool      `json:"deferred,omitempty"`
	Tier       int       `json:"tier"` // -1 for deferred services
	RetryCount int       `json:"retry_count"`
	Attempts   int       `json:"attempts"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	ReadyAt    time.Time `json:"ready_at,omitzero"`
	CheckedAt  time.Time `json:"checked_at,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
}

// Orchestrator owns the service registry.
type Orchestrator struct {
	cfg     Config
	bus     *eventbus.Bus
	diag    diagnostics.Sink
	metrics *metrics.Collector
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func(limit time.Duration) time.Duration
	tracer  trace.Tracer

	mu           sync.RWMutex
	descs        map[string]Descriptor
	states       map[string]*State
	plan         plan
	booted       bool
	bootDuration time.Duration

	bgCtx    context.Context
	bgCancel context.CancelFunc
	deferred sync.WaitGroup

	loopMu      sync.Mutex
	stopCh      chan struct{}
	loopWG      sync.WaitGroup
	loopStarted bool
}

// New creates an empty orchestrator.
func New(cfg Config, opts Options) *Orchestrator {
	if opts.Diagnostics == nil {
		opts.Diagnostics = diagnostics.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Jitter == nil {
		opts.Jitter = randomJitter
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		bus:      opts.Bus,
		diag:     opts.Diagnostics,
		metrics:  opts.Metrics,
		now:      opts.Now,
		sleep:    opts.Sleep,
		jitter:   opts.Jitter,
		tracer:   otel.Tracer("github.com/ChuLiYu/ledger-runtime/internal/orchestrator"),
		descs:    make(map[string]Descriptor),
		states:   make(map[string]*State),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}

// Register adds a service. Duplicate names and invalid descriptors are
// configuration errors; dependencies are checked at Boot.
func (o *Orchestrator) Register(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.booted {
		return &ConfigError{Service: d.Name, Err: ErrAlreadyBooted}
	}
	if _, ok := o.descs[d.Name]; ok {
		return &ConfigError{Service: d.Name, Err: ErrDuplicateService}
	}
	d.Dependencies = append([]string(nil), d.Dependencies...)
	o.descs[d.Name] = d
	o.states[d.Name] = &State{
		Name:     d.Name,
		Status:   StatusPending,
		Health:   HealthUnknown,
		Critical: d.Critical,
		Deferred: d.Deferred,
		Tier:     -1,
	}
	o.metrics.SetServiceStatus(d.Name, string(StatusPending))
	return nil
}

// backoff is the delay after failed attempt n (0-based):
// min(base·2^n, max).
func (o *Orchestrator) backoff(n int) time.Duration {
	d := o.cfg.BackoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= o.cfg.BackoffMax {
			return o.cfg.BackoffMax
		}
	}
	if d > o.cfg.BackoffMax {
		return o.cfg.BackoffMax
	}
	return d
}

// ============================================================================
// Boot
// ============================================================================

// Boot resolves the dependency graph and initializes every service tier by
// tier. It returns a *ConfigError before anything starts when the graph is
// invalid, and a *BootError when a critical service exhausts its retries.
// Non-critical failures only degrade the aggregate status.
func (o *Orchestrator) Boot(ctx context.Context) error {
	o.mu.Lock()
	if o.booted {
		o.mu.Unlock()
		return ErrAlreadyBooted
	}
	p, err := resolve(o.descs)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.plan = p
	o.booted = true
	for name, tier := range p.tierOf {
		o.states[name].Tier = tier
	}
	o.mu.Unlock()

	ctx, span := o.tracer.Start(ctx, "orchestrator.boot",
		trace.WithAttributes(attribute.Int("services", len(p.order)), attribute.Int("tiers", len(p.tiers))))
	defer span.End()

	start := time.Now()
	log.Info("Boot started", "services", len(p.order), "tiers", len(p.tiers), "deferred", len(p.deferred))

	var bootErr error
	for i, tier := range p.tiers {
		log.Info("Booting tier", "tier", i, "services", tier)

		tasks := make([]worker.Task, len(tier))
		for j, name := range tier {
			tasks[j] = worker.Task{
				Name: name,
				Run:  func(ctx context.Context) error { return o.initService(ctx, name) },
			}
		}

		// 關鍵失敗後，同層尚未開始的服務不再派發；已開始的照常跑完
		criticalFailed := func(r worker.Result) bool {
			if r.Success {
				return false
			}
			o.mu.RLock()
			defer o.mu.RUnlock()
			return o.descs[r.Name].Critical
		}
		for _, r := range worker.RunUntil(ctx, o.cfg.MaxParallel, tasks, criticalFailed) {
			if r.Success || errors.Is(r.Error, worker.ErrAborted) {
				continue
			}
			o.mu.RLock()
			d := o.descs[r.Name]
			attempts := o.states[r.Name].Attempts
			o.mu.RUnlock()
			if d.Critical && bootErr == nil {
				bootErr = &BootError{Service: r.Name, Attempts: attempts, Err: r.Error}
			}
		}
		if bootErr != nil {
			break
		}
	}

	elapsed := time.Since(start)
	o.mu.Lock()
	o.bootDuration = elapsed
	o.mu.Unlock()
	o.metrics.SetBootDuration(elapsed)

	status := o.Status()
	if bootErr != nil {
		span.RecordError(bootErr)
		span.SetStatus(codes.Error, bootErr.Error())
		log.Error("Boot failed", "error", bootErr, "duration", elapsed)
		o.emit(eventbus.SystemReady, eventbus.SystemPayload{Status: string(status), Failed: o.failedNames()})
		return bootErr
	}

	log.Info("Critical path settled", "status", status, "duration", elapsed)
	o.emit(eventbus.SystemReady, eventbus.SystemPayload{Status: string(status), Failed: o.failedNames()})

	o.startDeferred()
	o.StartHealthMonitor()
	return nil
}

// initService drives one service to ready or failed. The returned error is
// the last attempt's error.
func (o *Orchestrator) initService(ctx context.Context, name string) error {
	o.mu.RLock()
	d := o.descs[name]
	o.mu.RUnlock()

	o.update(name, func(s *State) {
		s.Status = StatusInitializing
		s.StartedAt = o.now()
	})

	attempts := d.RetryBudget + 1
	var lastErr error
	for n := 0; n < attempts; n++ {
		if n > 0 {
			delay := o.backoff(n - 1)
			log.Debug("Retrying service", "service", name, "attempt", n+1, "delay", delay)
			if err := o.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
			o.update(name, func(s *State) { s.RetryCount = n })
		}

		lastErr = o.attempt(ctx, d, n)
		if lastErr == nil {
			o.update(name, func(s *State) {
				s.Status = StatusReady
				s.Health = HealthHealthy
				s.ReadyAt = o.now()
				s.LastError = ""
			})
			log.Info("Service ready", "service", name, "attempts", n+1)
			o.emit(eventbus.ServiceReady, eventbus.ServicePayload{Name: name})
			return nil
		}

		o.metrics.RecordInitFailure(name)
		log.Warn("Service init attempt failed", "service", name, "attempt", n+1, "of", attempts, "error", lastErr)
		if errors.Is(lastErr, ErrDependencyFailed) {
			break
		}
	}

	o.update(name, func(s *State) {
		s.Status = StatusFailed
		s.LastError = lastErr.Error()
	})
	sev := diagnostics.SeverityMedium
	if d.Critical {
		sev = diagnostics.SeverityCritical
	}
	o.diag.LogError(source, "init:"+name, lastErr, sev, map[string]any{"attempts": attempts, "critical": d.Critical})
	o.emit(eventbus.ServiceFailed, eventbus.ServicePayload{Name: name, Error: lastErr.Error()})
	return lastErr
}

// attempt runs one init attempt: dependency wait, then init raced against
// the timeout.
func (o *Orchestrator) attempt(ctx context.Context, d Descriptor, n int) (err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.init",
		trace.WithAttributes(attribute.String("service", d.Name), attribute.Int("attempt", n+1)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	o.update(d.Name, func(s *State) { s.Attempts++ })
	o.metrics.RecordInitAttempt(d.Name)

	if err := o.waitDependencies(ctx, d); err != nil {
		return err
	}
	if d.Init == nil {
		return nil
	}

	timeout := d.InitTimeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultInitTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runInit(actx, d) }()

	select {
	case err := <-done:
		return err
	case <-actx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrInitTimeout, timeout)
	}
}

func runInit(ctx context.Context, d Descriptor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("init of %s panicked: %v", d.Name, r)
		}
	}()
	return d.Init(ctx)
}

// waitDependencies polls until every dependency is terminal. A failed
// critical dependency fails the attempt; a failed non-critical one does not.
func (o *Orchestrator) waitDependencies(ctx context.Context, d Descriptor) error {
	if len(d.Dependencies) == 0 {
		return nil
	}
	// 等待上限使用真實時間，與注入的時鐘無關
	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.DependencyWait)
	defer cancel()
	for {
		pending := ""
		for _, dep := range d.Dependencies {
			o.mu.RLock()
			st := *o.states[dep]
			o.mu.RUnlock()

			switch {
			case st.Status == StatusFailed && st.Critical:
				return fmt.Errorf("%w: %s", ErrDependencyFailed, dep)
			case st.Status == StatusFailed:
				log.Warn("Proceeding without failed dependency", "service", d.Name, "dependency", dep)
			case !st.Status.Terminal() && pending == "":
				pending = dep
			}
		}
		if pending == "" {
			return nil
		}
		if err := sleepContext(waitCtx, o.cfg.DependencyPoll); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %s", ErrDependencyWait, pending)
		}
	}
}

// ============================================================================
// Deferred services
// ============================================================================

func (o *Orchestrator) startDeferred() {
	o.mu.RLock()
	names := append([]string(nil), o.plan.deferred...)
	o.mu.RUnlock()

	for _, name := range names {
		delay := o.jitter(o.cfg.StaggerMax)
		o.deferred.Add(1)
		go func() {
			defer o.deferred.Done()
			if err := o.sleep(o.bgCtx, delay); err != nil {
				return
			}
			log.Info("Starting deferred service", "service", name, "stagger", delay)
			if err := o.initService(o.bgCtx, name); err != nil {
				// already reported; deferred failures never escalate
				log.Warn("Deferred service unavailable", "service", name, "error", err)
			}
		}()
	}
}

// WaitDeferred blocks until every deferred service has settled or ctx is
// done.
func (o *Orchestrator) WaitDeferred(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.deferred.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// Shutdown
// ============================================================================

// Shutdown stops the health loop, waits for deferred starts (bounded by
// ctx) and tears services down in reverse dependency order. Teardown errors
// are logged and never stop the sequence; every ready service ends disposed.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.StopHealthMonitor()

	waitErr := o.WaitDeferred(ctx)
	if waitErr != nil {
		log.Warn("Deferred services still starting, cancelling", "error", waitErr)
	}
	o.bgCancel()

	o.mu.RLock()
	order := o.plan.reverse()
	if !o.booted {
		order = nil
	}
	o.mu.RUnlock()

	for _, name := range order {
		o.mu.RLock()
		d := o.descs[name]
		ready := o.states[name].Status == StatusReady
		o.mu.RUnlock()
		if !ready {
			continue
		}

		if d.Teardown != nil {
			if err := runTeardown(ctx, d); err != nil {
				log.Error("Teardown failed", "service", name, "error", err)
				o.diag.LogError(source, "teardown:"+name, err, diagnostics.SeverityLow, nil)
			}
		}
		o.update(name, func(s *State) { s.Status = StatusDisposed })
		log.Info("Service disposed", "service", name)
	}
	return waitErr
}

func runTeardown(ctx context.Context, d Descriptor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("teardown of %s panicked: %v", d.Name, r)
		}
	}()
	return d.Teardown(ctx)
}

// ============================================================================
// Helpers
// ============================================================================

func (o *Orchestrator) update(name string, fn func(*State)) {
	o.mu.Lock()
	s := o.states[name]
	fn(s)
	status, health := s.Status, s.Health
	o.mu.Unlock()

	o.metrics.SetServiceStatus(name, string(status))
	o.metrics.SetServiceHealth(name, string(health))
}

func (o *Orchestrator) emit(name string, payload any) {
	if o.bus != nil {
		o.bus.Emit(name, payload, source)
	}
}

func (o *Orchestrator) failedNames() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []string
	for _, name := range o.plan.order {
		if o.states[name].Status == StatusFailed {
			out = append(out, name)
		}
	}
	return out
}
