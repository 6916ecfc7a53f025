package locks

import "sync"

// Maintenance hands out named non-blocking try-locks, one per periodic job
// kind. A job invocation that fails TryLock aborts immediately; there is no
// queueing, so two runs of the same kind never overlap while different kinds
// run concurrently.
type Maintenance struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMaintenance creates an empty maintenance lock set.
func NewMaintenance() *Maintenance {
	return &Maintenance{held: make(map[string]bool)}
}

// TryLock attempts to take the named lock. Returns false when already held.
func (m *Maintenance) TryLock(job string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held[job] {
		return false
	}
	m.held[job] = true
	return true
}

// Unlock releases the named lock.
func (m *Maintenance) Unlock(job string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, job)
}
