package locks

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Admission errors.
var (
	ErrAcquireTimeout = errors.New("admission acquire timeout")
	ErrClosed         = errors.New("admission counter is closed")
)

// AdmissionConfig holds configuration for an admission counter.
type AdmissionConfig struct {
	// MaxConcurrent is the maximum number of concurrent operations.
	// 0 means unlimited.
	MaxConcurrent int

	// AcquireTimeout is the maximum time to wait for a slot.
	// 0 means no timeout (wait indefinitely).
	AcquireTimeout time.Duration
}

// Admission is a bounded counter limiting how many remote operations of one
// class run concurrently against the fleet. Two instances exist in practice:
// one for expensive provisioning sessions and one for lighter peer add/remove
// sessions.
type Admission struct {
	config  AdmissionConfig
	permits chan struct{}
	closed  atomic.Bool

	active        int32
	totalAcquired int64
	totalTimeouts int64
}

// NewAdmission creates an admission counter with the given bounds.
func NewAdmission(config AdmissionConfig) *Admission {
	a := &Admission{config: config}
	if config.MaxConcurrent > 0 {
		a.permits = make(chan struct{}, config.MaxConcurrent)
		for i := 0; i < config.MaxConcurrent; i++ {
			a.permits <- struct{}{}
		}
	}
	return a
}

// Acquire blocks until a slot is free, the context is cancelled, or the
// configured acquire timeout elapses.
func (a *Admission) Acquire(ctx context.Context) error {
	if a.closed.Load() {
		return ErrClosed
	}
	if a.config.MaxConcurrent <= 0 {
		atomic.AddInt32(&a.active, 1)
		atomic.AddInt64(&a.totalAcquired, 1)
		return nil
	}

	var timeoutCh <-chan time.Time
	if a.config.AcquireTimeout > 0 {
		timer := time.NewTimer(a.config.AcquireTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case _, ok := <-a.permits:
		if !ok {
			return ErrClosed
		}
		atomic.AddInt32(&a.active, 1)
		atomic.AddInt64(&a.totalAcquired, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeoutCh:
		atomic.AddInt64(&a.totalTimeouts, 1)
		return ErrAcquireTimeout
	}
}

// TryAcquire attempts to acquire a slot without blocking.
func (a *Admission) TryAcquire() bool {
	if a.closed.Load() {
		return false
	}
	if a.config.MaxConcurrent <= 0 {
		atomic.AddInt32(&a.active, 1)
		atomic.AddInt64(&a.totalAcquired, 1)
		return true
	}
	select {
	case _, ok := <-a.permits:
		if !ok {
			return false
		}
		atomic.AddInt32(&a.active, 1)
		atomic.AddInt64(&a.totalAcquired, 1)
		return true
	default:
		return false
	}
}

// Release returns a slot. It is unconditional on completion: callers release
// on success and failure alike.
func (a *Admission) Release() {
	atomic.AddInt32(&a.active, -1)
	if a.config.MaxConcurrent > 0 && !a.closed.Load() {
		select {
		case a.permits <- struct{}{}:
		default:
			// Acquire/release imbalance; drop rather than block.
		}
	}
}

// Active returns the number of slots currently held.
func (a *Admission) Active() int {
	return int(atomic.LoadInt32(&a.active))
}

// Available returns the number of free slots, or -1 when unlimited.
func (a *Admission) Available() int {
	if a.config.MaxConcurrent <= 0 {
		return -1
	}
	return a.config.MaxConcurrent - int(atomic.LoadInt32(&a.active))
}

// Close releases waiters. Further acquires fail with ErrClosed.
func (a *Admission) Close() {
	if a.closed.CompareAndSwap(false, true) && a.permits != nil {
		close(a.permits)
	}
}
