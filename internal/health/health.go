// Package health aggregates readiness checks for the store, cache, and
// money provider circuits.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/harvestmart/internal/circuitbreaker"
)

// Status is the health of one subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Pinger is anything with a connectivity probe (store, redis).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
}

// NewRegistry creates an empty registry. Each check gets timeout to finish.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{checkers: make(map[string]Checker), timeout: timeout}
}

// Register adds or replaces a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers[name] = check
	r.mu.Unlock()
}

// RegisterPinger registers a checker that calls p.Ping.
func (r *Registry) RegisterPinger(name string, p Pinger) {
	r.Register(name, func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	})
}

// RegisterBreaker reports unhealthy while any circuit in b is open.
func (r *Registry) RegisterBreaker(name string, b *circuitbreaker.Breaker) {
	r.Register(name, func(context.Context) Status {
		var open []string
		for key, st := range b.Snapshot() {
			if st == circuitbreaker.StateOpen {
				open = append(open, key)
			}
		}
		if len(open) == 0 {
			return Status{Name: name, Healthy: true}
		}
		sort.Strings(open)
		detail := "open: " + open[0]
		for _, k := range open[1:] {
			detail += "," + k
		}
		return Status{Name: name, Detail: detail}
	})
}

// CheckAll runs every checker concurrently and returns results sorted by name.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	names := make([]string, 0, len(r.checkers))
	checks := make([]Checker, 0, len(r.checkers))
	for name, c := range r.checkers {
		names = append(names, name)
		checks = append(checks, c)
	}
	r.mu.RUnlock()

	statuses = make([]Status, len(checks))
	var wg sync.WaitGroup
	for i := range checks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			st := checks[i](cctx)
			if st.Name == "" {
				st.Name = names[i]
			}
			statuses[i] = st
		}(i)
	}
	wg.Wait()

	sort.Slice(statuses, func(a, b int) bool { return statuses[a].Name < statuses[b].Name })
	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
