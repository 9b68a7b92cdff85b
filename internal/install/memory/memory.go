// Package memory provides an in-process classification engine. It backs
// dry runs and lets tests observe exactly which filters are active.
package memory

import (
	"fmt"
	"sync"

	"grimm.is/leakshield/internal/filter"
	"grimm.is/leakshield/internal/install"
)

// Engine holds active filters in memory. It applies changes one at a time
// and is wrapped by install.Buffered for transactional use.
type Engine struct {
	mu       sync.Mutex
	filters  map[filter.ID]filter.Spec
	capacity int
	failOn   func(filter.Spec) error
	installs int
}

// Option configures an Engine.
type Option func(*Engine)

// WithCapacity limits the number of active filters. Zero means unlimited.
func WithCapacity(n int) Option {
	return func(e *Engine) { e.capacity = n }
}

// New creates an empty engine.
func New(opts ...Option) *Engine {
	e := &Engine{filters: make(map[filter.ID]filter.Spec)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewInstaller returns a transactional installer over a new engine.
func NewInstaller(opts ...Option) (*install.Buffered, *Engine) {
	e := New(opts...)
	return install.NewBuffered(e), e
}

// FailOn makes InstallFilter return fn's error whenever it is non-nil.
// Pass nil to clear.
func (e *Engine) FailOn(fn func(filter.Spec) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failOn = fn
}

// FailAfter lets n more installs succeed and rejects the one after. Only
// that single install fails, so undo steps that follow still work.
func (e *Engine) FailAfter(n int) {
	e.mu.Lock()
	start := e.installs
	e.mu.Unlock()
	fired := false
	e.FailOn(func(spec filter.Spec) error {
		// Called with e.mu held.
		if !fired && e.installs-start >= n {
			fired = true
			return fmt.Errorf("%w: injected failure for %s", install.ErrRejected, spec.Name())
		}
		return nil
	})
}

// InstallFilter activates spec, replacing a filter with the same identity.
func (e *Engine) InstallFilter(spec filter.Spec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failOn != nil {
		if err := e.failOn(spec); err != nil {
			return err
		}
	}
	if _, replace := e.filters[spec.ID()]; !replace && e.capacity > 0 && len(e.filters) >= e.capacity {
		return install.ErrResourceExhausted
	}
	e.filters[spec.ID()] = spec
	e.installs++
	return nil
}

// UninstallFilter deactivates the filter with identity id.
func (e *Engine) UninstallFilter(id filter.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.filters[id]; !ok {
		return fmt.Errorf("filter %s is not active", id)
	}
	delete(e.filters, id)
	return nil
}

// LookupFilter returns the active filter with identity id.
func (e *Engine) LookupFilter(id filter.ID) (filter.Spec, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	spec, ok := e.filters[id]
	return spec, ok
}

// ActiveFilters returns the identities of all active filters, unordered.
func (e *Engine) ActiveFilters() []filter.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]filter.ID, 0, len(e.filters))
	for id := range e.filters {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns a copy of the active filter table.
func (e *Engine) Snapshot() map[filter.ID]filter.Spec {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[filter.ID]filter.Spec, len(e.filters))
	for id, spec := range e.filters {
		out[id] = spec
	}
	return out
}

// Len returns the number of active filters.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.filters)
}
