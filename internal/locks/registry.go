// Package locks implements the process-wide concurrency controller: per-order
// mutex handles, bounded admission counters for remote operations, and named
// try-locks for periodic maintenance jobs. All primitives are process-local;
// the service does not scale horizontally.
package locks

import "sync"

// RegistryConfig controls lock-handle reaping.
type RegistryConfig struct {
	// ReapThreshold is the registry size above which Reap actually removes
	// handles. 0 means reap on every call.
	ReapThreshold int
}

// DefaultRegistryConfig returns the default reap policy.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{ReapThreshold: 1024}
}

type handle struct {
	mu sync.Mutex
	// refs counts goroutines holding or waiting on the mutex. A handle is
	// only reapable at zero.
	refs int
}

// Registry hands out lazily-created per-order mutual exclusion handles. Every
// mutating operation on an order must hold that order's lock for the duration
// of its state transition.
type Registry struct {
	mu      sync.Mutex
	config  RegistryConfig
	handles map[string]*handle
}

// NewRegistry creates an empty lock registry.
func NewRegistry(config RegistryConfig) *Registry {
	return &Registry{
		config:  config,
		handles: make(map[string]*handle),
	}
}

// Lock blocks until the caller holds the order's mutex.
func (r *Registry) Lock(orderID string) {
	r.mu.Lock()
	h, ok := r.handles[orderID]
	if !ok {
		h = &handle{}
		r.handles[orderID] = h
	}
	h.refs++
	r.mu.Unlock()

	h.mu.Lock()
}

// Unlock releases the order's mutex. It must pair with a prior Lock.
func (r *Registry) Unlock(orderID string) {
	r.mu.Lock()
	h, ok := r.handles[orderID]
	if ok {
		h.refs--
	}
	r.mu.Unlock()

	if ok {
		h.mu.Unlock()
	}
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Reap removes handles for orders that are no longer live, once the registry
// exceeds the configured threshold. Handles with holders or waiters are never
// removed. Returns the number of handles reaped.
func (r *Registry) Reap(live func(orderID string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.handles) <= r.config.ReapThreshold {
		return 0
	}

	reaped := 0
	for id, h := range r.handles {
		if h.refs > 0 {
			continue
		}
		if live != nil && live(id) {
			continue
		}
		delete(r.handles, id)
		reaped++
	}
	return reaped
}
