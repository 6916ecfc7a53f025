package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tunnelbay/tunnelbay/internal/billing"
	"github.com/tunnelbay/tunnelbay/internal/chain"
	"github.com/tunnelbay/tunnelbay/internal/domain/deposit"
	"github.com/tunnelbay/tunnelbay/internal/domain/user"
	"github.com/tunnelbay/tunnelbay/internal/invoice"
	"github.com/tunnelbay/tunnelbay/internal/storage/memory"
)

type fakeFeed struct {
	mu        sync.Mutex
	transfers []chain.Transfer
}

func (f *fakeFeed) RecentIncomingTransfers(ctx context.Context, since time.Time, limit int) ([]chain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chain.Transfer, 0, len(f.transfers))
	for _, tr := range f.transfers {
		if !tr.Timestamp.Before(since) {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (f *fakeFeed) add(rawAmount string, decimals int, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, chain.Transfer{
		AssetHash: "0xasset",
		RawAmount: rawAmount,
		Decimals:  decimals,
		Timestamp: at,
		TxHash:    fmt.Sprintf("0xtx%d", len(f.transfers)),
	})
}

type fakeGateway struct {
	mu   sync.Mutex
	next int
	paid map[string]bool
}

func (g *fakeGateway) Create(ctx context.Context, amount int64, currency, reference string) (invoice.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	id := fmt.Sprintf("inv-%d", g.next)
	if g.paid == nil {
		g.paid = make(map[string]bool)
	}
	g.paid[id] = false
	return invoice.Invoice{ID: id, URL: "https://pay.example/" + id}, nil
}

func (g *fakeGateway) Paid(ctx context.Context, invoiceID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paid[invoiceID], nil
}

func (g *fakeGateway) settle(invoiceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paid[invoiceID] = true
}

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *memory.Store, *fakeFeed, *fakeGateway) {
	t.Helper()
	store := memory.New()
	feed := &fakeFeed{}
	gateway := &fakeGateway{}
	bm := billing.NewManager(store, billing.Config{}, nil)
	cfg := Config{AccountDecimals: 2, ChainLookback: time.Hour}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewEngine(store, feed, gateway, bm, cfg, nil), store, feed, gateway
}

func TestOpenChainIntent_SuffixesUnique(t *testing.T) {
	e, store, _, _ := newTestEngine(t, func(c *Config) { c.SuffixRange = 50 })
	acct, _ := store.CreateAccount(context.Background(), user.Account{})

	seen := make(map[int64]bool)
	for i := 0; i < 40; i++ {
		in, err := e.OpenChainIntent(context.Background(), acct.ID, 10000)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if in.ExpectedAmount <= 10000 || in.ExpectedAmount > 10050 {
			t.Fatalf("expected amount %d outside suffix window", in.ExpectedAmount)
		}
		if seen[in.ExpectedAmount] {
			t.Fatalf("duplicate expected amount %d", in.ExpectedAmount)
		}
		seen[in.ExpectedAmount] = true
	}
}

func TestSweep_ChainExactMatch(t *testing.T) {
	e, store, feed, _ := newTestEngine(t, nil)
	acct, _ := store.CreateAccount(context.Background(), user.Account{})

	in, err := e.OpenChainIntent(context.Background(), acct.ID, 5000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Off-by-one amounts and transfers predating the intent must not match.
	feed.add(fmt.Sprintf("%d000000", in.ExpectedAmount-1), 8, time.Now())
	feed.add(fmt.Sprintf("%d000000", in.ExpectedAmount+1), 8, time.Now())
	feed.add(fmt.Sprintf("%d000000", in.ExpectedAmount), 8, in.CreatedAt.Add(-time.Minute))

	n, err := e.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("near-miss transfers confirmed %d intents", n)
	}

	feed.add(fmt.Sprintf("%d000000", in.ExpectedAmount), 8, time.Now())
	n, err = e.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("confirmed = %d, want 1", n)
	}

	got, _ := store.GetIntent(context.Background(), in.ID)
	if got.Status != deposit.StatusConfirmed {
		t.Fatalf("intent status = %s", got.Status)
	}
	acct, _ = store.GetAccount(context.Background(), acct.ID)
	if acct.Balance != 5000 {
		t.Fatalf("balance = %d, want nominal 5000", acct.Balance)
	}
}

func TestSweep_DistinctIntentsMatchOwnTransfers(t *testing.T) {
	e, store, feed, _ := newTestEngine(t, nil)
	acct, _ := store.CreateAccount(context.Background(), user.Account{})

	// Two pending intents for the same nominal amount must get distinct
	// expected amounts, and one sweep must settle both against their own
	// transfers.
	a, err := e.OpenChainIntent(context.Background(), acct.ID, 4000)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	b, err := e.OpenChainIntent(context.Background(), acct.ID, 4000)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	if a.ExpectedAmount == b.ExpectedAmount {
		t.Fatalf("pending intents share expected amount %d", a.ExpectedAmount)
	}

	feed.add(fmt.Sprintf("%d000000", a.ExpectedAmount), 8, time.Now())
	feed.add(fmt.Sprintf("%d000000", b.ExpectedAmount), 8, time.Now())

	n, err := e.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("confirmed = %d, want 2", n)
	}
	for _, id := range []string{a.ID, b.ID} {
		got, _ := store.GetIntent(context.Background(), id)
		if got.Status != deposit.StatusConfirmed {
			t.Fatalf("intent %s status = %s", id, got.Status)
		}
	}
	acct, _ = store.GetAccount(context.Background(), acct.ID)
	if acct.Balance != 8000 {
		t.Fatalf("balance = %d, want both nominals credited", acct.Balance)
	}
}

func TestSweep_InexactRescaleNeverMatches(t *testing.T) {
	e, store, feed, _ := newTestEngine(t, nil)
	acct, _ := store.CreateAccount(context.Background(), user.Account{})
	in, _ := e.OpenChainIntent(context.Background(), acct.ID, 5000)

	// Same leading digits but nonzero dust below minor-unit precision.
	feed.add(fmt.Sprintf("%d000001", in.ExpectedAmount), 8, time.Now())

	n, err := e.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("dusted transfer must not match, confirmed %d", n)
	}
}

func TestConfirm_ExactlyOnceUnderConcurrency(t *testing.T) {
	e, store, feed, _ := newTestEngine(t, nil)
	acct, _ := store.CreateAccount(context.Background(), user.Account{})
	in, _ := e.OpenChainIntent(context.Background(), acct.ID, 2000)
	feed.add(fmt.Sprintf("%d000000", in.ExpectedAmount), 8, time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Recheck(context.Background(), in.ID)
		}()
	}
	wg.Wait()

	acct, _ = store.GetAccount(context.Background(), acct.ID)
	if acct.Balance != 2000 {
		t.Fatalf("balance = %d, concurrent rechecks must credit once", acct.Balance)
	}
	txs, _ := store.ListTransactions(context.Background(), acct.ID, 0)
	if len(txs) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(txs))
	}
}

func TestSweep_InvoicePolling(t *testing.T) {
	e, store, _, gateway := newTestEngine(t, nil)
	acct, _ := store.CreateAccount(context.Background(), user.Account{})

	in, payURL, err := e.OpenInvoiceIntent(context.Background(), acct.ID, 3000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if payURL == "" {
		t.Fatalf("missing payment URL")
	}

	if n, _ := e.Sweep(context.Background()); n != 0 {
		t.Fatalf("unpaid invoice confirmed")
	}

	gateway.settle(in.ExternalRef)
	n, err := e.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("confirmed = %d", n)
	}
	acct, _ = store.GetAccount(context.Background(), acct.ID)
	if acct.Balance != 3000 {
		t.Fatalf("balance = %d", acct.Balance)
	}
}

func TestSweep_CancelsStaleIntents(t *testing.T) {
	e, store, _, _ := newTestEngine(t, func(c *Config) { c.IntentTTL = time.Minute })
	acct, _ := store.CreateAccount(context.Background(), user.Account{})

	stale, _ := store.CreateIntent(context.Background(), deposit.Intent{
		ID:             "stale-1",
		OwnerID:        acct.ID,
		Channel:        deposit.ChannelChain,
		NominalAmount:  1000,
		ExpectedAmount: 1017,
		Status:         deposit.StatusPending,
		CreatedAt:      time.Now().UTC().Add(-2 * time.Hour),
	})

	if _, err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := store.GetIntent(context.Background(), stale.ID)
	if got.Status != deposit.StatusCanceled {
		t.Fatalf("stale intent status = %s", got.Status)
	}
}
