// Package reconcile turns external payment events into confirmed deposits.
//
// Chain intents are matched by exact amount: each open intent is assigned a
// unique expected amount (nominal plus a small random suffix) so an incoming
// transfer identifies its intent without any memo field. Invoice intents are
// polled against the hosted gateway. Confirmation is exactly-once: the store's
// conditional update is the only gate, so concurrent sweeps of the same
// transfer credit a balance at most once.
package reconcile

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tunnelbay/tunnelbay/internal/chain"
	"github.com/tunnelbay/tunnelbay/internal/domain/deposit"
	"github.com/tunnelbay/tunnelbay/internal/invoice"
	"github.com/tunnelbay/tunnelbay/internal/metrics"
	"github.com/tunnelbay/tunnelbay/internal/storage"
	"github.com/tunnelbay/tunnelbay/pkg/logger"
)

// ChainFeed is the view of the payment chain the engine needs.
type ChainFeed interface {
	RecentIncomingTransfers(ctx context.Context, since time.Time, limit int) ([]chain.Transfer, error)
}

// InvoiceGateway is the hosted invoice provider surface the engine needs.
type InvoiceGateway interface {
	Create(ctx context.Context, amount int64, currency, reference string) (invoice.Invoice, error)
	Paid(ctx context.Context, invoiceID string) (bool, error)
}

// Crediter applies a confirmed deposit to the owner's balance.
type Crediter interface {
	CreditDeposit(ctx context.Context, userID string, amount int64, referenceID string) (int64, error)
}

// Config holds reconciliation policy.
type Config struct {
	// SuffixRange bounds the random suffix added to chain intents, in minor
	// units. Larger ranges admit more concurrent same-nominal intents.
	SuffixRange int64
	// IntentTTL is how long an intent may stay pending before the sweep
	// cancels it.
	IntentTTL time.Duration
	// SweepLimit caps intents examined per sweep.
	SweepLimit int
	// ChainLookback bounds the transfer window when no pending intent
	// anchors it.
	ChainLookback time.Duration
	// AccountDecimals is the minor-unit precision of balances.
	AccountDecimals int
	// InvoiceCurrency is the currency code passed to the gateway.
	InvoiceCurrency string
}

func (c *Config) withDefaults() {
	if c.SuffixRange <= 0 {
		c.SuffixRange = 100
	}
	if c.IntentTTL == 0 {
		c.IntentTTL = 24 * time.Hour
	}
	if c.SweepLimit == 0 {
		c.SweepLimit = 200
	}
	if c.ChainLookback == 0 {
		c.ChainLookback = time.Hour
	}
	if c.AccountDecimals == 0 {
		c.AccountDecimals = 2
	}
	if c.InvoiceCurrency == "" {
		c.InvoiceCurrency = "USD"
	}
}

// Engine drives deposit reconciliation.
type Engine struct {
	db      storage.DepositStore
	feed    ChainFeed
	gateway InvoiceGateway
	billing Crediter
	config  Config
	log     *logger.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEngine creates a reconciliation engine. The chain feed and invoice
// gateway are each optional; intents on a channel without a backend fail at
// open time.
func NewEngine(db storage.DepositStore, feed ChainFeed, gateway InvoiceGateway, billing Crediter, config Config, log *logger.Logger) *Engine {
	config.withDefaults()
	if log == nil {
		log = logger.NewDefault("reconcile")
	}
	return &Engine{
		db:      db,
		feed:    feed,
		gateway: gateway,
		billing: billing,
		config:  config,
		log:     log,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OpenChainIntent opens a deposit intent to be paid by an on-chain transfer.
// The returned intent's ExpectedAmount is the exact amount the owner must
// send.
func (e *Engine) OpenChainIntent(ctx context.Context, ownerID string, nominal int64) (deposit.Intent, error) {
	if e.feed == nil {
		return deposit.Intent{}, fmt.Errorf("reconcile: chain channel not configured")
	}
	if nominal <= 0 {
		return deposit.Intent{}, fmt.Errorf("reconcile: deposit amount must be positive, got %d", nominal)
	}

	expected, err := e.allocateExpectedAmount(ctx, nominal)
	if err != nil {
		return deposit.Intent{}, err
	}
	return e.db.CreateIntent(ctx, deposit.Intent{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Channel:        deposit.ChannelChain,
		NominalAmount:  nominal,
		ExpectedAmount: expected,
		Status:         deposit.StatusPending,
		CreatedAt:      time.Now().UTC(),
	})
}

// OpenInvoiceIntent opens a deposit intent backed by a hosted invoice and
// returns it together with the payment URL.
func (e *Engine) OpenInvoiceIntent(ctx context.Context, ownerID string, nominal int64) (deposit.Intent, string, error) {
	if e.gateway == nil {
		return deposit.Intent{}, "", fmt.Errorf("reconcile: invoice channel not configured")
	}
	if nominal <= 0 {
		return deposit.Intent{}, "", fmt.Errorf("reconcile: deposit amount must be positive, got %d", nominal)
	}

	id := uuid.NewString()
	inv, err := e.gateway.Create(ctx, nominal, e.config.InvoiceCurrency, id)
	if err != nil {
		return deposit.Intent{}, "", fmt.Errorf("reconcile: create invoice: %w", err)
	}

	in, err := e.db.CreateIntent(ctx, deposit.Intent{
		ID:             id,
		OwnerID:        ownerID,
		Channel:        deposit.ChannelInvoice,
		NominalAmount:  nominal,
		ExpectedAmount: nominal,
		Status:         deposit.StatusPending,
		ExternalRef:    inv.ID,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return deposit.Intent{}, "", err
	}
	return in, inv.URL, nil
}

// allocateExpectedAmount picks nominal plus a random suffix, re-rolling until
// it collides with no pending chain intent.
func (e *Engine) allocateExpectedAmount(ctx context.Context, nominal int64) (int64, error) {
	pending, err := e.db.PendingExpectedAmounts(ctx, deposit.ChannelChain)
	if err != nil {
		return 0, err
	}
	taken := make(map[int64]struct{}, len(pending))
	for _, a := range pending {
		taken[a] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for attempt := 0; attempt < 64; attempt++ {
		candidate := nominal + 1 + e.rng.Int63n(e.config.SuffixRange)
		if _, dup := taken[candidate]; !dup {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("reconcile: no free expected amount near %d, too many pending intents", nominal)
}

// Sweep examines pending intents once: confirms chain intents matched by an
// incoming transfer, polls invoice intents against the gateway, and cancels
// intents past their TTL. It returns the number of intents confirmed. A
// transfer that matches nothing is not an error; it simply stays unmatched.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	pending, err := e.db.ListPendingIntents(ctx, e.config.SweepLimit)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	var transfers []chain.Transfer
	if e.feed != nil && hasChannel(pending, deposit.ChannelChain) {
		since := now.Add(-e.config.ChainLookback)
		for _, in := range pending {
			if in.Channel == deposit.ChannelChain && in.CreatedAt.Before(since) {
				since = in.CreatedAt
			}
		}
		transfers, err = e.feed.RecentIncomingTransfers(ctx, since, 0)
		if err != nil {
			return 0, fmt.Errorf("reconcile: fetch transfers: %w", err)
		}
	}

	confirmed := 0
	for _, in := range pending {
		if now.Sub(in.CreatedAt) > e.config.IntentTTL {
			if err := e.db.CancelIntent(ctx, in.ID); err != nil {
				e.log.WithError(err).WithField("intent_id", in.ID).Warn("cancel stale intent")
			}
			continue
		}

		ok, err := e.check(ctx, in, transfers)
		if err != nil {
			e.log.WithError(err).WithField("intent_id", in.ID).Warn("reconcile intent")
			continue
		}
		if ok {
			confirmed++
		}
	}
	return confirmed, nil
}

// Recheck re-examines a single intent on demand.
func (e *Engine) Recheck(ctx context.Context, intentID string) (bool, error) {
	in, err := e.db.GetIntent(ctx, intentID)
	if err != nil {
		return false, err
	}
	if in.Status != deposit.StatusPending {
		return in.Status == deposit.StatusConfirmed, nil
	}

	var transfers []chain.Transfer
	if in.Channel == deposit.ChannelChain {
		if e.feed == nil {
			return false, fmt.Errorf("reconcile: chain channel not configured")
		}
		transfers, err = e.feed.RecentIncomingTransfers(ctx, in.CreatedAt, 0)
		if err != nil {
			return false, fmt.Errorf("reconcile: fetch transfers: %w", err)
		}
	}
	return e.check(ctx, in, transfers)
}

func (e *Engine) check(ctx context.Context, in deposit.Intent, transfers []chain.Transfer) (bool, error) {
	switch in.Channel {
	case deposit.ChannelChain:
		return e.checkChain(ctx, in, transfers)
	case deposit.ChannelInvoice:
		return e.checkInvoice(ctx, in)
	default:
		return false, fmt.Errorf("reconcile: unknown channel %q", in.Channel)
	}
}

func (e *Engine) checkChain(ctx context.Context, in deposit.Intent, transfers []chain.Transfer) (bool, error) {
	for _, tr := range transfers {
		// A transfer predating the intent cannot be its payment.
		if tr.Timestamp.Before(in.CreatedAt) {
			continue
		}
		amount, exact, err := chain.Rescale(tr.RawAmount, tr.Decimals, e.config.AccountDecimals)
		if err != nil {
			e.log.WithError(err).WithField("tx_hash", tr.TxHash).Warn("skip malformed transfer")
			continue
		}
		if !exact || amount != in.ExpectedAmount {
			continue
		}
		return e.confirm(ctx, in, tr.TxHash)
	}
	return false, nil
}

func (e *Engine) checkInvoice(ctx context.Context, in deposit.Intent) (bool, error) {
	if e.gateway == nil {
		return false, fmt.Errorf("reconcile: invoice channel not configured")
	}
	paid, err := e.gateway.Paid(ctx, in.ExternalRef)
	if err != nil {
		return false, fmt.Errorf("reconcile: poll invoice %s: %w", in.ExternalRef, err)
	}
	if !paid {
		return false, nil
	}
	return e.confirm(ctx, in, in.ExternalRef)
}

// confirm flips the intent and credits the balance. The conditional update is
// the exactly-once gate: a loser of the race sees won=false and credits
// nothing.
func (e *Engine) confirm(ctx context.Context, in deposit.Intent, externalRef string) (bool, error) {
	won, err := e.db.ConfirmIntentIfPending(ctx, in.ID, externalRef, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	if _, err := e.billing.CreditDeposit(ctx, in.OwnerID, in.NominalAmount, in.ID); err != nil {
		// The intent is confirmed but the credit failed; this needs an
		// operator, not a retry that could double-credit.
		e.log.WithError(err).
			WithField("intent_id", in.ID).
			WithField("owner_id", in.OwnerID).
			Error("deposit confirmed but credit failed")
		return true, err
	}
	metrics.RecordDepositConfirmed(string(in.Channel))
	e.log.WithField("intent_id", in.ID).
		WithField("owner_id", in.OwnerID).
		WithField("amount", in.NominalAmount).
		Info("deposit confirmed")
	return true, nil
}

func hasChannel(intents []deposit.Intent, ch deposit.Channel) bool {
	for _, in := range intents {
		if in.Channel == ch {
			return true
		}
	}
	return false
}
