package orchestrator

import (
	"fmt"
	"sort"
	"time"
)

// SystemStatus is the aggregate status of all services.
type SystemStatus string

const (
	SystemReady    SystemStatus = "ready"
	SystemDegraded SystemStatus = "degraded"
	SystemFailed   SystemStatus = "failed"
)

// aggregate:
//
//	every service ready                           → ready
//	all critical ready, nothing failed            → ready
//	all critical ready, some non-critical failed  → degraded
//	otherwise                                     → failed
func aggregate(states []State) SystemStatus {
	failed := 0
	for _, s := range states {
		if s.Critical && s.Status != StatusReady {
			return SystemFailed
		}
		if s.Status == StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return SystemDegraded
	}
	return SystemReady
}

// Status returns the aggregate status.
func (o *Orchestrator) Status() SystemStatus {
	return aggregate(o.States())
}

// State returns a copy of one service's state.
func (o *Orchestrator) State(name string) (State, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.states[name]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// States returns copies of every service state in dependency order (by name
// before Boot).
func (o *Orchestrator) States() []State {
	o.mu.RLock()
	defer o.mu.RUnlock()

	names := o.plan.order
	if !o.booted {
		names = make([]string, 0, len(o.states))
		for name := range o.states {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	out := make([]State, 0, len(names))
	for _, name := range names {
		out = append(out, *o.states[name])
	}
	return out
}

// Report is the user-facing summary of the system.
type Report struct {
	Status          SystemStatus  `json:"status"`
	GeneratedAt     time.Time     `json:"generated_at"`
	BootDuration    time.Duration `json:"boot_duration"`
	Services        []State       `json:"services"`
	Recommendations []string      `json:"recommendations"`
}

// Report builds the current report.
func (o *Orchestrator) Report() Report {
	states := o.States()
	o.mu.RLock()
	boot := o.bootDuration
	o.mu.RUnlock()

	return Report{
		Status:          aggregate(states),
		GeneratedAt:     o.now(),
		BootDuration:    boot,
		Services:        states,
		Recommendations: recommendations(states),
	}
}

func recommendations(states []State) []string {
	var out []string
	for _, s := range states {
		switch {
		case s.Status == StatusFailed && s.Critical:
			out = append(out, fmt.Sprintf("Critical service %q failed (%s). The system cannot run until it is fixed; check its configuration and restart.", s.Name, s.LastError))
		case s.Status == StatusFailed:
			out = append(out, fmt.Sprintf("Service %q is unavailable (%s). Features that depend on it are disabled; restart to retry.", s.Name, s.LastError))
		case s.Status == StatusPending && s.Critical:
			out = append(out, fmt.Sprintf("Critical service %q was never started.", s.Name))
		case s.Status == StatusReady && s.Health == HealthDegraded:
			out = append(out, fmt.Sprintf("Service %q reports degraded health. Check the diagnostics log.", s.Name))
		case s.Status == StatusReady && s.Health == HealthFailed:
			out = append(out, fmt.Sprintf("Service %q reports it is unhealthy although it is still serving. Consider restarting.", s.Name))
		}
	}
	if len(out) == 0 {
		out = append(out, "All services are operating normally.")
	}
	return out
}
