package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tunnelbay/tunnelbay/internal/domain/deposit"
	"github.com/tunnelbay/tunnelbay/internal/domain/order"
	"github.com/tunnelbay/tunnelbay/internal/domain/user"
	"github.com/tunnelbay/tunnelbay/internal/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu           sync.RWMutex
	nextID       int64
	orders       map[string]order.Order
	peers        map[string]order.Peer
	intents      map[string]deposit.Intent
	accounts     map[string]user.Account
	transactions map[string][]user.Transaction
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:       1,
		orders:       make(map[string]order.Order),
		peers:        make(map[string]order.Peer),
		intents:      make(map[string]deposit.Intent),
		accounts:     make(map[string]user.Account),
		transactions: make(map[string][]user.Transaction),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// OrderStore implementation ---------------------------------------------------

func (s *Store) CreateOrder(_ context.Context, o order.Order) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ID == "" {
		o.ID = s.nextIDLocked()
	} else if _, exists := s.orders[o.ID]; exists {
		return order.Order{}, fmt.Errorf("order %s already exists", o.ID)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	s.orders[o.ID] = o
	return o, nil
}

func (s *Store) UpdateOrder(_ context.Context, o order.Order) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.orders[o.ID]
	if !ok {
		return order.Order{}, storage.ErrNotFound
	}
	o.CreatedAt = original.CreatedAt
	s.orders[o.ID] = o
	return o, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, storage.ErrNotFound
	}
	return o, nil
}

func (s *Store) ListOrders(_ context.Context, ownerID string) ([]order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []order.Order
	for _, o := range s.orders {
		if o.OwnerID == ownerID && o.DeletedAt == nil {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) ListExpiredOrders(_ context.Context, asOf time.Time, limit int) ([]order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []order.Order
	for _, o := range s.orders {
		if o.Status.Live() && !o.ExpiresAt.IsZero() && !o.ExpiresAt.After(asOf) {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) SoftDeleteOrder(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return storage.ErrNotFound
	}
	at = at.UTC()
	o.DeletedAt = &at
	s.orders[id] = o
	return nil
}

// PeerStore implementation ----------------------------------------------------

func (s *Store) CreatePeer(_ context.Context, p order.Peer) (order.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.orders[p.OrderID]
	if !ok {
		return order.Peer{}, storage.ErrNotFound
	}

	issued := 0
	for _, existing := range s.peers {
		if existing.OrderID == p.OrderID {
			issued++
		}
	}
	if issued >= parent.Capacity {
		return order.Peer{}, storage.ErrCapacityExceeded
	}

	if p.ID == "" {
		p.ID = s.nextIDLocked()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.peers[p.ID] = p
	return p, nil
}

func (s *Store) GetPeer(_ context.Context, id string) (order.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.peers[id]
	if !ok {
		return order.Peer{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListPeers(_ context.Context, orderID string) ([]order.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []order.Peer
	for _, p := range s.peers {
		if p.OrderID == orderID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) CountPeers(_ context.Context, orderID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, p := range s.peers {
		if p.OrderID == orderID {
			count++
		}
	}
	return count, nil
}

func (s *Store) DeletePeer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.peers[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.peers, id)
	return nil
}

// DepositStore implementation -------------------------------------------------

func (s *Store) CreateIntent(_ context.Context, in deposit.Intent) (deposit.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ID == "" {
		in.ID = s.nextIDLocked()
	} else if _, exists := s.intents[in.ID]; exists {
		return deposit.Intent{}, fmt.Errorf("intent %s already exists", in.ID)
	}
	if in.Status == "" {
		in.Status = deposit.StatusPending
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	s.intents[in.ID] = in
	return in, nil
}

func (s *Store) GetIntent(_ context.Context, id string) (deposit.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.intents[id]
	if !ok {
		return deposit.Intent{}, storage.ErrNotFound
	}
	return in, nil
}

func (s *Store) ListPendingIntents(_ context.Context, limit int) ([]deposit.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []deposit.Intent
	for _, in := range s.intents {
		if in.Status == deposit.StatusPending {
			result = append(result, in)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) PendingExpectedAmounts(_ context.Context, ch deposit.Channel) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var amounts []int64
	for _, in := range s.intents {
		if in.Status == deposit.StatusPending && in.Channel == ch {
			amounts = append(amounts, in.ExpectedAmount)
		}
	}
	return amounts, nil
}

func (s *Store) ConfirmIntentIfPending(_ context.Context, id, externalRef string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if in.Status != deposit.StatusPending {
		return false, nil
	}
	at = at.UTC()
	in.Status = deposit.StatusConfirmed
	in.ExternalRef = externalRef
	in.ConfirmedAt = &at
	s.intents[id] = in
	return true, nil
}

func (s *Store) CancelIntent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok {
		return storage.ErrNotFound
	}
	if in.Status == deposit.StatusConfirmed {
		return fmt.Errorf("intent %s already confirmed", id)
	}
	in.Status = deposit.StatusCanceled
	s.intents[id] = in
	return nil
}

// UserStore implementation ----------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct user.Account) (user.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.ID == "" {
		acct.ID = s.nextIDLocked()
	} else if _, exists := s.accounts[acct.ID]; exists {
		return user.Account{}, fmt.Errorf("account %s already exists", acct.ID)
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	s.accounts[acct.ID] = acct
	return acct, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (user.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return user.Account{}, storage.ErrNotFound
	}
	return acct, nil
}

func (s *Store) UpdateAccountBalance(_ context.Context, id string, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	acct.Balance = balance
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[id] = acct
	return nil
}

func (s *Store) CreateTransaction(_ context.Context, tx user.Transaction) (user.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = s.nextIDLocked()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	s.transactions[tx.AccountID] = append(s.transactions[tx.AccountID], tx)
	return tx, nil
}

func (s *Store) ListTransactions(_ context.Context, accountID string, limit int) ([]user.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs := s.transactions[accountID]
	result := make([]user.Transaction, len(txs))
	copy(result, txs)
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}
