// Package postgres implements the storage interfaces on PostgreSQL. The
// capacity invariant and the exactly-once deposit confirmation are both
// enforced in SQL so they hold across processes, not just within one.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/tunnelbay/tunnelbay/internal/domain/deposit"
	"github.com/tunnelbay/tunnelbay/internal/domain/order"
	"github.com/tunnelbay/tunnelbay/internal/domain/user"
	"github.com/tunnelbay/tunnelbay/internal/storage"
)

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// Config holds connection settings.
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// Connect opens a connection pool and verifies it.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection pool.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

type orderRow struct {
	ID            string       `db:"id"`
	OwnerID       string       `db:"owner_id"`
	Protocol      string       `db:"protocol"`
	Capacity      int          `db:"capacity"`
	Status        string       `db:"status"`
	Host          string       `db:"host"`
	Port          int          `db:"port"`
	Login         string       `db:"login"`
	Secret        string       `db:"secret"`
	ExternalID    string       `db:"external_id"`
	PriceSnapshot int64        `db:"price_snapshot"`
	CreatedAt     time.Time    `db:"created_at"`
	ExpiresAt     sql.NullTime `db:"expires_at"`
	DeletedAt     sql.NullTime `db:"deleted_at"`
}

func (r orderRow) toDomain() order.Order {
	o := order.Order{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		Protocol:      r.Protocol,
		Capacity:      r.Capacity,
		Status:        order.Status(r.Status),
		Host:          r.Host,
		Port:          r.Port,
		Login:         r.Login,
		Secret:        r.Secret,
		ExternalID:    r.ExternalID,
		PriceSnapshot: r.PriceSnapshot,
		CreatedAt:     r.CreatedAt,
	}
	if r.ExpiresAt.Valid {
		o.ExpiresAt = r.ExpiresAt.Time
	}
	if r.DeletedAt.Valid {
		t := r.DeletedAt.Time
		o.DeletedAt = &t
	}
	return o
}

func fromDomainOrder(o order.Order) orderRow {
	r := orderRow{
		ID:            o.ID,
		OwnerID:       o.OwnerID,
		Protocol:      o.Protocol,
		Capacity:      o.Capacity,
		Status:        string(o.Status),
		Host:          o.Host,
		Port:          o.Port,
		Login:         o.Login,
		Secret:        o.Secret,
		ExternalID:    o.ExternalID,
		PriceSnapshot: o.PriceSnapshot,
		CreatedAt:     o.CreatedAt,
	}
	if !o.ExpiresAt.IsZero() {
		r.ExpiresAt = sql.NullTime{Time: o.ExpiresAt, Valid: true}
	}
	if o.DeletedAt != nil {
		r.DeletedAt = sql.NullTime{Time: *o.DeletedAt, Valid: true}
	}
	return r
}

func (s *Store) CreateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	row := fromDomainOrder(o)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO orders (id, owner_id, protocol, capacity, status, host, port, login, secret, external_id, price_snapshot, created_at, expires_at, deleted_at)
		VALUES (:id, :owner_id, :protocol, :capacity, :status, :host, :port, :login, :secret, :external_id, :price_snapshot, :created_at, :expires_at, :deleted_at)`, row)
	if err != nil {
		return order.Order{}, fmt.Errorf("create order: %w", err)
	}
	return o, nil
}

func (s *Store) UpdateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	row := fromDomainOrder(o)
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE orders
		SET status = :status, host = :host, port = :port, login = :login, secret = :secret,
		    external_id = :external_id, expires_at = :expires_at, deleted_at = :deleted_at
		WHERE id = :id`, row)
	if err != nil {
		return order.Order{}, fmt.Errorf("update order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return order.Order{}, storage.ErrNotFound
	}
	return s.GetOrder(ctx, o.ID)
}

func (s *Store) GetOrder(ctx context.Context, id string) (order.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Order{}, storage.ErrNotFound
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("get order: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListOrders(ctx context.Context, ownerID string) ([]order.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM orders WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	out := make([]order.Order, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) ListExpiredOrders(ctx context.Context, asOf time.Time, limit int) ([]order.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM orders
		WHERE status IN ('requested', 'procuring', 'configuring', 'active')
		  AND deleted_at IS NULL
		  AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired orders: %w", err)
	}
	out := make([]order.Order, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) SoftDeleteOrder(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET deleted_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("soft delete order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Peers
// ---------------------------------------------------------------------------

type peerRow struct {
	ID           string    `db:"id"`
	OrderID      string    `db:"order_id"`
	Name         string    `db:"name"`
	PublicRef    string    `db:"public_ref"`
	SecretRef    string    `db:"secret_ref"`
	ArtifactPath string    `db:"artifact_path"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r peerRow) toDomain() order.Peer {
	return order.Peer(r)
}

// CreatePeer inserts a peer only while the order has spare capacity. The
// guard lives in the INSERT itself, so the invariant holds even without the
// caller's order lock.
func (s *Store) CreatePeer(ctx context.Context, p order.Peer) (order.Peer, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (id, order_id, name, public_ref, secret_ref, artifact_path, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE (SELECT count(*) FROM peers WHERE order_id = $2) <
		      (SELECT capacity FROM orders WHERE id = $2)`,
		p.ID, p.OrderID, p.Name, p.PublicRef, p.SecretRef, p.ArtifactPath, p.CreatedAt)
	if err != nil {
		return order.Peer{}, fmt.Errorf("create peer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return order.Peer{}, storage.ErrCapacityExceeded
	}
	return p, nil
}

func (s *Store) GetPeer(ctx context.Context, id string) (order.Peer, error) {
	var row peerRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM peers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Peer{}, storage.ErrNotFound
	}
	if err != nil {
		return order.Peer{}, fmt.Errorf("get peer: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListPeers(ctx context.Context, orderID string) ([]order.Peer, error) {
	var rows []peerRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM peers WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	out := make([]order.Peer, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) CountPeers(ctx context.Context, orderID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM peers WHERE order_id = $1`, orderID); err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return n, nil
}

func (s *Store) DeletePeer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM peers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete peer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Deposit intents
// ---------------------------------------------------------------------------

type intentRow struct {
	ID             string       `db:"id"`
	OwnerID        string       `db:"owner_id"`
	Channel        string       `db:"channel"`
	NominalAmount  int64        `db:"nominal_amount"`
	ExpectedAmount int64        `db:"expected_amount"`
	Status         string       `db:"status"`
	ExternalRef    string       `db:"external_ref"`
	CreatedAt      time.Time    `db:"created_at"`
	ConfirmedAt    sql.NullTime `db:"confirmed_at"`
}

func (r intentRow) toDomain() deposit.Intent {
	in := deposit.Intent{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		Channel:        deposit.Channel(r.Channel),
		NominalAmount:  r.NominalAmount,
		ExpectedAmount: r.ExpectedAmount,
		Status:         deposit.Status(r.Status),
		ExternalRef:    r.ExternalRef,
		CreatedAt:      r.CreatedAt,
	}
	if r.ConfirmedAt.Valid {
		t := r.ConfirmedAt.Time
		in.ConfirmedAt = &t
	}
	return in
}

func (s *Store) CreateIntent(ctx context.Context, in deposit.Intent) (deposit.Intent, error) {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deposit_intents (id, owner_id, channel, nominal_amount, expected_amount, status, external_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.ID, in.OwnerID, string(in.Channel), in.NominalAmount, in.ExpectedAmount, string(in.Status), in.ExternalRef, in.CreatedAt)
	if err != nil {
		return deposit.Intent{}, fmt.Errorf("create intent: %w", err)
	}
	return in, nil
}

func (s *Store) GetIntent(ctx context.Context, id string) (deposit.Intent, error) {
	var row intentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM deposit_intents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return deposit.Intent{}, storage.ErrNotFound
	}
	if err != nil {
		return deposit.Intent{}, fmt.Errorf("get intent: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListPendingIntents(ctx context.Context, limit int) ([]deposit.Intent, error) {
	var rows []intentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM deposit_intents WHERE status = 'pending' ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending intents: %w", err)
	}
	out := make([]deposit.Intent, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) PendingExpectedAmounts(ctx context.Context, ch deposit.Channel) ([]int64, error) {
	var amounts []int64
	err := s.db.SelectContext(ctx, &amounts, `
		SELECT expected_amount FROM deposit_intents WHERE status = 'pending' AND channel = $1`, string(ch))
	if err != nil {
		return nil, fmt.Errorf("pending expected amounts: %w", err)
	}
	return amounts, nil
}

// ConfirmIntentIfPending is the exactly-once gate: the status predicate in
// the UPDATE makes concurrent confirmations of one intent race safely, with
// exactly one winner.
func (s *Store) ConfirmIntentIfPending(ctx context.Context, id, externalRef string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deposit_intents
		SET status = 'confirmed', external_ref = $2, confirmed_at = $3
		WHERE id = $1 AND status = 'pending'`, id, externalRef, at)
	if err != nil {
		return false, fmt.Errorf("confirm intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("confirm intent: %w", err)
	}
	return n == 1, nil
}

func (s *Store) CancelIntent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deposit_intents SET status = 'canceled' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("cancel intent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

type accountRow struct {
	ID                   string    `db:"id"`
	Balance              int64     `db:"balance"`
	ReferrerID           string    `db:"referrer_id"`
	ReferralRateOverride float64   `db:"referral_rate_override"`
	CreatedAt            time.Time `db:"created_at"`
	UpdatedAt            time.Time `db:"updated_at"`
}

func (r accountRow) toDomain() user.Account {
	return user.Account(r)
}

func (s *Store) CreateAccount(ctx context.Context, acct user.Account) (user.Account, error) {
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, referrer_id, referral_rate_override, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		acct.ID, acct.Balance, acct.ReferrerID, acct.ReferralRateOverride, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return user.Account{}, fmt.Errorf("create account: %w", err)
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (user.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM accounts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return user.Account{}, storage.ErrNotFound
	}
	if err != nil {
		return user.Account{}, fmt.Errorf("get account: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) UpdateAccountBalance(ctx context.Context, id string, balance int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET balance = $2, updated_at = $3 WHERE id = $1`, id, balance, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) CreateTransaction(ctx context.Context, tx user.Transaction) (user.Transaction, error) {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balance_transactions (id, account_id, tx_type, amount, balance_after, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tx.ID, tx.AccountID, tx.TxType, tx.Amount, tx.BalanceAfter, tx.ReferenceID, tx.CreatedAt)
	if err != nil {
		return user.Transaction{}, fmt.Errorf("create transaction: %w", err)
	}
	return tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID string, limit int) ([]user.Transaction, error) {
	query := `SELECT * FROM balance_transactions WHERE account_id = $1 ORDER BY created_at DESC`
	args := []interface{}{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	var rows []txRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	out := make([]user.Transaction, len(rows))
	for i, r := range rows {
		out[i] = user.Transaction(r)
	}
	return out, nil
}

type txRow struct {
	ID           string    `db:"id"`
	AccountID    string    `db:"account_id"`
	TxType       string    `db:"tx_type"`
	Amount       int64     `db:"amount"`
	BalanceAfter int64     `db:"balance_after"`
	ReferenceID  string    `db:"reference_id"`
	CreatedAt    time.Time `db:"created_at"`
}
