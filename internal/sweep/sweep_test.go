package sweep

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tunnelbay/tunnelbay/internal/domain/order"
	"github.com/tunnelbay/tunnelbay/internal/locks"
	"github.com/tunnelbay/tunnelbay/internal/storage/memory"
)

type countingSweeper struct {
	calls   int32
	block   chan struct{}
	confirm int
}

func (s *countingSweeper) Sweep(ctx context.Context) (int, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.block != nil {
		<-s.block
	}
	return s.confirm, nil
}

func TestRunDepositSweep_NoOverlap(t *testing.T) {
	sweeper := &countingSweeper{block: make(chan struct{})}
	r := NewRunner(Config{}, locks.NewRegistry(locks.RegistryConfig{}), memory.New(), sweeper, nil, nil)

	done := make(chan struct{})
	go func() {
		r.RunDepositSweep(context.Background())
		close(done)
	}()

	// Wait for the first run to hold the job lock.
	for atomic.LoadInt32(&sweeper.calls) == 0 {
		time.Sleep(time.Millisecond)
	}
	if _, err := r.RunDepositSweep(context.Background()); err == nil {
		t.Fatalf("second run must be rejected while the first holds the lock")
	}

	close(sweeper.block)
	<-done

	if _, err := r.RunDepositSweep(context.Background()); err != nil {
		t.Fatalf("run after release: %v", err)
	}
	if n := atomic.LoadInt32(&sweeper.calls); n != 2 {
		t.Fatalf("sweeps executed = %d", n)
	}
}

func TestReapLocks_TerminalAndUnknownOrdersReaped(t *testing.T) {
	store := memory.New()
	reg := locks.NewRegistry(locks.RegistryConfig{})

	live, _ := store.CreateOrder(context.Background(), order.Order{Status: order.StatusActive})
	dead, _ := store.CreateOrder(context.Background(), order.Order{Status: order.StatusExpired})

	for _, id := range []string{live.ID, dead.ID, "never-stored"} {
		reg.Lock(id)
		reg.Unlock(id)
	}

	r := NewRunner(Config{}, reg, store, nil, nil, nil)
	if err := r.reapLocks(context.Background()); err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n := reg.Len(); n != 1 {
		t.Fatalf("handles after reap = %d, want only the live order's", n)
	}
}
