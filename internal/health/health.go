// Package health aggregates dependency checks for the /health endpoints.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the outcome of one check. Name is filled in by the Registry.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	ElapsedMS int64  `json:"elapsedMs"`
}

// Checker probes one dependency.
type Checker func(ctx context.Context) Status

// Registry runs every registered Checker concurrently.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	checks []Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds check under name. Statuses come back in registration order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	r.checks = append(r.checks, check)
}

// CheckAll reports overall health and one Status per check. A registry with
// no checks is healthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checks := append([]Checker(nil), r.checks...)
	r.mu.RUnlock()

	statuses := make([]Status, len(checks))
	var wg sync.WaitGroup
	for i := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			st := checks[i](ctx)
			st.Name = names[i]
			st.ElapsedMS = time.Since(start).Milliseconds()
			statuses[i] = st
		}()
	}
	wg.Wait()

	healthy := true
	for _, st := range statuses {
		healthy = healthy && st.Healthy
	}
	return healthy, statuses
}
