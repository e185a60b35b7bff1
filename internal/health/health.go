// Package health aggregates subsystem probes for the health endpoint.
package health

import (
	"context"
	"sync"
)

// Status is the outcome of one subsystem probe.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem; a nil return means healthy.
type Checker func(ctx context.Context) error

// Registry holds named checkers and runs them on demand. Checkers run in
// registration order.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	checks map[string]Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker)}
}

// Register adds a named checker. Registering the same name twice replaces
// the earlier checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.checks[name]; !exists {
		r.names = append(r.names, name)
	}
	r.checks[name] = check
}

// CheckAll runs every checker and reports the aggregate plus per-subsystem
// results.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, len(r.names))
	copy(names, r.names)
	checks := make(map[string]Checker, len(r.checks))
	for name, check := range r.checks {
		checks[name] = check
	}
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		st := Status{Name: name, Healthy: true}
		if err := checks[name](ctx); err != nil {
			st.Healthy = false
			st.Detail = err.Error()
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
