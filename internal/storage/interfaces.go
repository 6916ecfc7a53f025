// Package storage defines the persistence interfaces for orders, peers,
// deposit intents and owner accounts. The postgres implementation is the
// source of truth in production; the memory implementation backs tests.
package storage

import (
	"context"
	"time"

	"github.com/tunnelbay/tunnelbay/internal/domain/deposit"
	"github.com/tunnelbay/tunnelbay/internal/domain/order"
	"github.com/tunnelbay/tunnelbay/internal/domain/user"
)

// OrderStore persists purchase records.
type OrderStore interface {
	CreateOrder(ctx context.Context, o order.Order) (order.Order, error)
	UpdateOrder(ctx context.Context, o order.Order) (order.Order, error)
	GetOrder(ctx context.Context, id string) (order.Order, error)
	ListOrders(ctx context.Context, ownerID string) ([]order.Order, error)
	// ListExpiredOrders returns at most limit live orders whose expiry is at
	// or before asOf, for the expiry sweep.
	ListExpiredOrders(ctx context.Context, asOf time.Time, limit int) ([]order.Order, error)
	SoftDeleteOrder(ctx context.Context, id string, at time.Time) error
}

// PeerStore persists issued peers. CreatePeer enforces the capacity
// invariant: callers must hold the parent order's lock, and the insert fails
// with ErrCapacityExceeded when the order is full.
type PeerStore interface {
	CreatePeer(ctx context.Context, p order.Peer) (order.Peer, error)
	GetPeer(ctx context.Context, id string) (order.Peer, error)
	ListPeers(ctx context.Context, orderID string) ([]order.Peer, error)
	CountPeers(ctx context.Context, orderID string) (int, error)
	DeletePeer(ctx context.Context, id string) error
}

// DepositStore persists top-up intents.
type DepositStore interface {
	CreateIntent(ctx context.Context, in deposit.Intent) (deposit.Intent, error)
	GetIntent(ctx context.Context, id string) (deposit.Intent, error)
	// ListPendingIntents returns at most limit pending intents, oldest
	// first, for the reconciliation sweep.
	ListPendingIntents(ctx context.Context, limit int) ([]deposit.Intent, error)
	// PendingExpectedAmounts returns the expected amounts of all currently
	// pending intents on a channel, used to keep fractional suffixes
	// collision-free.
	PendingExpectedAmounts(ctx context.Context, ch deposit.Channel) ([]int64, error)
	// ConfirmIntentIfPending flips a pending intent to confirmed. It
	// returns false, without error, when the intent was no longer pending —
	// a concurrent checker already confirmed or canceled it.
	ConfirmIntentIfPending(ctx context.Context, id, externalRef string, at time.Time) (bool, error)
	CancelIntent(ctx context.Context, id string) error
}

// UserStore persists owner accounts and their balance audit trail.
type UserStore interface {
	CreateAccount(ctx context.Context, acct user.Account) (user.Account, error)
	GetAccount(ctx context.Context, id string) (user.Account, error)
	UpdateAccountBalance(ctx context.Context, id string, balance int64) error
	CreateTransaction(ctx context.Context, tx user.Transaction) (user.Transaction, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]user.Transaction, error)
}

// Store aggregates every persistence concern the core needs.
type Store interface {
	OrderStore
	PeerStore
	DepositStore
	UserStore
}
