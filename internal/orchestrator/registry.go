package orchestrator

import (
	"fmt"
	"sort"
	"strings"
)

// plan is the resolved dependency graph.
type plan struct {
	order    []string   // topological order, dependencies first (deferred included)
	tiers    [][]string // critical path only; each tier sorted by name
	deferred []string   // deferred services in topological order
	tierOf   map[string]int
}

// resolve validates the graph and computes the boot plan. It never starts
// anything; every problem comes back as a *ConfigError.
func resolve(descs map[string]Descriptor) (plan, error) {
	names := make([]string, 0, len(descs))
	for name := range descs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		d := descs[name]
		for _, dep := range d.Dependencies {
			target, ok := descs[dep]
			if !ok {
				return plan{}, &ConfigError{Service: name, Err: fmt.Errorf("%w %q", ErrUnknownDependency, dep)}
			}
			if target.Deferred && !d.Deferred {
				return plan{}, &ConfigError{Service: name,
					Err: fmt.Errorf("%w: depends on deferred service %q", ErrInvalidDescriptor, dep)}
			}
		}
	}

	// DFS：走訪中（gray）的節點再次遇到即為環
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(names))
	order := make([]string, 0, len(names))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), stack[start:]...), name)
			return &ConfigError{Service: name, Err: fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cycle, " -> "))}
		case black:
			return nil
		}
		color[name] = gray
		stack = append(stack, name)

		deps := append([]string(nil), descs[name].Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
		order = append(order, name)
		return nil
	}
	for _, name := range names {
		if err := visit(name); err != nil {
			return plan{}, err
		}
	}

	p := plan{order: order, tierOf: make(map[string]int, len(order))}
	for _, name := range order {
		d := descs[name]
		if d.Deferred {
			p.deferred = append(p.deferred, name)
			continue
		}
		tier := 0
		for _, dep := range d.Dependencies {
			if t := p.tierOf[dep] + 1; t > tier {
				tier = t
			}
		}
		p.tierOf[name] = tier
		for len(p.tiers) <= tier {
			p.tiers = append(p.tiers, nil)
		}
		p.tiers[tier] = append(p.tiers[tier], name)
	}
	for _, tier := range p.tiers {
		sort.Strings(tier)
	}
	return p, nil
}

// reverse returns the shutdown order: dependents before dependencies.
func (p plan) reverse() []string {
	out := make([]string, len(p.order))
	for i, name := range p.order {
		out[len(p.order)-1-i] = name
	}
	return out
}
