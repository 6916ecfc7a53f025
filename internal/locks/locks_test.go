package locks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistry_MutualExclusion(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig())

	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Lock("order-1")
			defer r.Unlock("order-1")
			if n := atomic.AddInt32(&inside, 1); n != 1 {
				t.Errorf("critical section entered by %d goroutines", n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
}

func TestRegistry_ReapRespectsThresholdAndLiveness(t *testing.T) {
	r := NewRegistry(RegistryConfig{ReapThreshold: 2})

	for _, id := range []string{"a", "b", "c", "d"} {
		r.Lock(id)
		r.Unlock(id)
	}
	if r.Len() != 4 {
		t.Fatalf("expected 4 handles, got %d", r.Len())
	}

	live := map[string]bool{"a": true}
	reaped := r.Reap(func(id string) bool { return live[id] })
	if reaped != 3 {
		t.Fatalf("expected 3 reaped, got %d", reaped)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 handle remaining, got %d", r.Len())
	}

	// Below threshold now: reap is a no-op even for dead handles.
	if reaped := r.Reap(func(string) bool { return false }); reaped != 0 {
		t.Fatalf("expected no reap below threshold, got %d", reaped)
	}
}

func TestRegistry_ReapSkipsHeldHandles(t *testing.T) {
	r := NewRegistry(RegistryConfig{ReapThreshold: 0})

	r.Lock("held")
	for _, id := range []string{"x", "y"} {
		r.Lock(id)
		r.Unlock(id)
	}

	reaped := r.Reap(func(string) bool { return false })
	if reaped != 2 {
		t.Fatalf("expected 2 reaped, got %d", reaped)
	}
	if r.Len() != 1 {
		t.Fatalf("held handle must survive reaping, len=%d", r.Len())
	}
	r.Unlock("held")
}

func TestAdmission_Bounds(t *testing.T) {
	a := NewAdmission(AdmissionConfig{MaxConcurrent: 2})
	defer a.Close()

	ctx := context.Background()
	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if a.TryAcquire() {
		t.Fatalf("third acquire should fail while both slots are held")
	}

	a.Release()
	if !a.TryAcquire() {
		t.Fatalf("acquire should succeed after release")
	}
	if a.Active() != 2 {
		t.Fatalf("expected 2 active, got %d", a.Active())
	}
}

func TestAdmission_AcquireBlocksUntilRelease(t *testing.T) {
	a := NewAdmission(AdmissionConfig{MaxConcurrent: 1})
	defer a.Close()

	if err := a.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- a.Acquire(context.Background())
	}()

	select {
	case <-acquired:
		t.Fatalf("acquire returned before release")
	case <-time.After(20 * time.Millisecond):
	}

	a.Release()
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("blocked acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("acquire did not proceed after release")
	}
}

func TestAdmission_ContextCancel(t *testing.T) {
	a := NewAdmission(AdmissionConfig{MaxConcurrent: 1})
	defer a.Close()

	if err := a.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := a.Acquire(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMaintenance_NoOverlap(t *testing.T) {
	m := NewMaintenance()

	if !m.TryLock("deposit-sweep") {
		t.Fatalf("first TryLock should succeed")
	}
	if m.TryLock("deposit-sweep") {
		t.Fatalf("second TryLock for the same job must fail")
	}
	if !m.TryLock("expiry-sweep") {
		t.Fatalf("a different job kind must not be blocked")
	}

	m.Unlock("deposit-sweep")
	if !m.TryLock("deposit-sweep") {
		t.Fatalf("TryLock should succeed after Unlock")
	}
}
