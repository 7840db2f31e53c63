package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a service. It only moves forward:
// pending → initializing → ready | failed, and ready → disposed.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusFailed       Status = "failed"
	StatusDisposed     Status = "disposed"
)

// Terminal reports whether initialization of the service has settled.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed || s == StatusDisposed
}

// Health is the last observed health of a ready service.
type Health string

const (
	HealthUnknown  Health = "unknown"
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthFailed   Health = "failed"
)

// Qualitative ratings understood by a RatedHealth check.
const (
	RatingExcellent = "excellent"
	RatingGood      = "good"
	RatingWarning   = "warning"
)

// ============================================================================
// Health check (tagged union, resolved at registration)
// ============================================================================

// HealthKind selects how a health check result is interpreted.
type HealthKind int

const (
	HealthNone    HealthKind = iota // no health check
	BooleanHealth                   // true → healthy, false → failed
	RatedHealth                     // excellent/good → healthy, warning → degraded, else failed
	UnknownHealth                   // returns without error → healthy
)

func (k HealthKind) String() string {
	switch k {
	case BooleanHealth:
		return "boolean"
	case RatedHealth:
		return "rated"
	case UnknownHealth:
		return "unknown"
	}
	return "none"
}

// HealthCheck is one of the three check shapes. Build it with
// BoolCheck, RatedCheck or ProbeCheck.
type HealthCheck struct {
	Kind      HealthKind
	isHealthy func(ctx context.Context) (bool, error)
	rating    func(ctx context.Context) (string, error)
	probe     func(ctx context.Context) error
}

// BoolCheck wraps an "is healthy" check.
func BoolCheck(fn func(ctx context.Context) (bool, error)) HealthCheck {
	return HealthCheck{Kind: BooleanHealth, isHealthy: fn}
}

// RatedCheck wraps a check that returns an overall rating.
func RatedCheck(fn func(ctx context.Context) (string, error)) HealthCheck {
	return HealthCheck{Kind: RatedHealth, rating: fn}
}

// ProbeCheck wraps a check that only signals through its error.
func ProbeCheck(fn func(ctx context.Context) error) HealthCheck {
	return HealthCheck{Kind: UnknownHealth, probe: fn}
}

// Evaluate runs the check and maps its result to a Health. A check that
// returns an error yields HealthDegraded together with the error.
func (h HealthCheck) Evaluate(ctx context.Context) (Health, error) {
	switch h.Kind {
	case BooleanHealth:
		ok, err := h.isHealthy(ctx)
		if err != nil {
			return HealthDegraded, err
		}
		if ok {
			return HealthHealthy, nil
		}
		return HealthFailed, nil
	case RatedHealth:
		rating, err := h.rating(ctx)
		if err != nil {
			return HealthDegraded, err
		}
		return healthForRating(rating), nil
	case UnknownHealth:
		if err := h.probe(ctx); err != nil {
			return HealthDegraded, err
		}
		return HealthHealthy, nil
	}
	return HealthUnknown, nil
}

func healthForRating(rating string) Health {
	switch rating {
	case RatingExcellent, RatingGood:
		return HealthHealthy
	case RatingWarning:
		return HealthDegraded
	}
	return HealthFailed
}

// ============================================================================
// Descriptor
// ============================================================================

// Descriptor is the immutable registration record of a service.
type Descriptor struct {
	Name         string
	Dependencies []string
	InitTimeout  time.Duration // zero → Config.DefaultInitTimeout
	RetryBudget  int           // extra attempts after the first
	Critical     bool
	Deferred     bool // started in the background once the critical path settles

	Init     func(ctx context.Context) error
	Health   HealthCheck
	Teardown func(ctx context.Context) error
}

func (d Descriptor) validate() error {
	if d.Name == "" {
		return &ConfigError{Err: fmt.Errorf("%w: empty name", ErrInvalidDescriptor)}
	}
	if d.RetryBudget < 0 {
		return &ConfigError{Service: d.Name, Err: fmt.Errorf("%w: negative retry budget %d", ErrInvalidDescriptor, d.RetryBudget)}
	}
	if d.InitTimeout < 0 {
		return &ConfigError{Service: d.Name, Err: fmt.Errorf("%w: negative init timeout", ErrInvalidDescriptor)}
	}
	if d.Critical && d.Deferred {
		return &ConfigError{Service: d.Name, Err: fmt.Errorf("%w: a deferred service cannot be critical", ErrInvalidDescriptor)}
	}
	seen := make(map[string]bool, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		if dep == d.Name {
			return &ConfigError{Service: d.Name, Err: fmt.Errorf("%w: depends on itself", ErrDependencyCycle)}
		}
		if seen[dep] {
			return &ConfigError{Service: d.Name, Err: fmt.Errorf("%w: dependency %q listed twice", ErrInvalidDescriptor, dep)}
		}
		seen[dep] = true
	}
	return nil
}

// ============================================================================
// Capability probe
// ============================================================================

type (
	// Initializer is a service with an init operation.
	Initializer interface {
		Init(ctx context.Context) error
	}
	// BoolHealthChecker exposes an "is healthy" signal.
	BoolHealthChecker interface {
		IsHealthy(ctx context.Context) (bool, error)
	}
	// RatedHealthChecker exposes an overall qualitative rating.
	RatedHealthChecker interface {
		HealthRating(ctx context.Context) (string, error)
	}
	// Pinger is a health check that only reports through its error.
	Pinger interface {
		Ping(ctx context.Context) error
	}
	// Stopper is a service with a teardown operation.
	Stopper interface {
		Stop(ctx context.Context) error
	}
)

// ServiceOptions are the descriptor fields FromService cannot probe.
type ServiceOptions struct {
	Dependencies []string
	InitTimeout  time.Duration
	RetryBudget  int
	Critical     bool
	Deferred     bool
}

// FromService builds a Descriptor by probing svc for the lifecycle
// interfaces above. A boolean check wins over a rating, a rating over a ping.
func FromService(name string, svc any, opts ServiceOptions) Descriptor {
	d := Descriptor{
		Name:         name,
		Dependencies: append([]string(nil), opts.Dependencies...),
		InitTimeout:  opts.InitTimeout,
		RetryBudget:  opts.RetryBudget,
		Critical:     opts.Critical,
		Deferred:     opts.Deferred,
	}
	if s, ok := svc.(Initializer); ok {
		d.Init = s.Init
	}
	switch s := svc.(type) {
	case BoolHealthChecker:
		d.Health = BoolCheck(s.IsHealthy)
	case RatedHealthChecker:
		d.Health = RatedCheck(s.HealthRating)
	case Pinger:
		d.Health = ProbeCheck(s.Ping)
	}
	if s, ok := svc.(Stopper); ok {
		d.Teardown = s.Stop
	}
	return d
}

// ============================================================================
// Errors
// ============================================================================

var (
	ErrDuplicateService  = errors.New("service already registered")
	ErrInvalidDescriptor = errors.New("invalid service descriptor")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDependencyCycle   = errors.New("dependency cycle")
	ErrDependencyFailed  = errors.New("critical dependency failed")
	ErrDependencyWait    = errors.New("dependency did not settle in time")
	ErrInitTimeout       = errors.New("init timed out")
	ErrAlreadyBooted     = errors.New("orchestrator already booted")
)

// ConfigError is a registration or dependency-graph problem. It is reported
// before any service starts.
type ConfigError struct {
	Service string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Service == "" {
		return "orchestrator config: " + e.Err.Error()
	}
	return fmt.Sprintf("orchestrator config: service %s: %v", e.Service, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// BootError reports a critical service that exhausted its retries.
type BootError struct {
	Service  string
	Attempts int
	Err      error
}

func (e *BootError) Error() string {
	return fmt.Sprintf("critical service %s failed after %d attempt(s): %v", e.Service, e.Attempts, e.Err)
}

func (e *BootError) Unwrap() error { return e.Err }
