// Package billing provides core balance management for the order lifecycle.
//
// This is not a service but shared infrastructure: the orchestrator debits a
// balance when an order is placed and refunds it when provisioning fails; the
// reconciliation engine credits confirmed deposits, deposit bonuses, and
// referral commissions through it. Every mutation writes an audit transaction.
package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/tunnelbay/tunnelbay/internal/domain/user"
	"github.com/tunnelbay/tunnelbay/internal/storage"
	"github.com/tunnelbay/tunnelbay/pkg/logger"
)

// ErrInsufficientBalance is returned when a debit exceeds the available
// balance.
var ErrInsufficientBalance = errors.New("insufficient balance")

// BonusTier grants a deposit bonus once the credited amount reaches
// Threshold. Either FixedBonus (minor units) or Multiplier (fraction of the
// deposit) applies; FixedBonus wins when both are set.
type BonusTier struct {
	Threshold  int64
	FixedBonus int64
	Multiplier float64
}

// Config holds bonus and referral policy.
type Config struct {
	// BonusTiers must be sorted by ascending Threshold; the highest tier
	// the deposit reaches applies.
	BonusTiers []BonusTier
	// ReferralRate is the global default commission fraction credited to a
	// referrer on deposits. Per-user overrides take precedence.
	ReferralRate float64
}

// Manager handles all balance operations.
type Manager struct {
	db     storage.UserStore
	config Config
	log    *logger.Logger
	mu     sync.Mutex
}

// NewManager creates a balance manager.
func NewManager(db storage.UserStore, config Config, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("billing")
	}
	return &Manager{db: db, config: config, log: log}
}

// Balance returns the user's current balance in minor units.
func (m *Manager) Balance(ctx context.Context, userID string) (int64, error) {
	acct, err := m.db.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Debit removes funds for a purchase.
func (m *Manager) Debit(ctx context.Context, userID string, amount int64, referenceID string) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.db.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	if amount > acct.Balance {
		return fmt.Errorf("%w: available %d, requested %d", ErrInsufficientBalance, acct.Balance, amount)
	}

	newBalance := acct.Balance - amount
	if err := m.db.UpdateAccountBalance(ctx, userID, newBalance); err != nil {
		return err
	}
	_, err = m.db.CreateTransaction(ctx, user.Transaction{
		ID:           uuid.NewString(),
		AccountID:    userID,
		TxType:       user.TxTypePurchase,
		Amount:       -amount,
		BalanceAfter: newBalance,
		ReferenceID:  referenceID,
	})
	return err
}

// Refund returns funds after a failed or cancelled purchase.
func (m *Manager) Refund(ctx context.Context, userID string, amount int64, referenceID string) error {
	if amount <= 0 {
		return fmt.Errorf("refund amount must be positive, got %d", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.credit(ctx, userID, amount, user.TxTypeRefund, referenceID)
}

// CreditDeposit credits a confirmed deposit, applies the bonus policy, and
// pays any referral commission. It returns the total credited to the owner.
func (m *Manager) CreditDeposit(ctx context.Context, userID string, amount int64, referenceID string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("deposit amount must be positive, got %d", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.credit(ctx, userID, amount, user.TxTypeDeposit, referenceID); err != nil {
		return 0, err
	}
	total := amount

	if bonus := m.bonusFor(amount); bonus > 0 {
		if err := m.credit(ctx, userID, bonus, user.TxTypeBonus, referenceID); err != nil {
			return total, err
		}
		total += bonus
	}

	if err := m.payReferral(ctx, userID, amount, referenceID); err != nil {
		// Referral bookkeeping must not undo an already-credited
		// deposit; surface it to the operator log instead.
		m.log.WithError(err).
			WithField("user_id", userID).
			Warn("referral commission failed")
	}
	return total, nil
}

// credit applies a positive balance mutation with an audit row. Callers hold
// m.mu.
func (m *Manager) credit(ctx context.Context, userID string, amount int64, txType, referenceID string) error {
	acct, err := m.db.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	newBalance := acct.Balance + amount
	if err := m.db.UpdateAccountBalance(ctx, userID, newBalance); err != nil {
		return err
	}
	_, err = m.db.CreateTransaction(ctx, user.Transaction{
		ID:           uuid.NewString(),
		AccountID:    userID,
		TxType:       txType,
		Amount:       amount,
		BalanceAfter: newBalance,
		ReferenceID:  referenceID,
	})
	return err
}

// bonusFor returns the bonus granted for a deposit of the given size.
func (m *Manager) bonusFor(amount int64) int64 {
	var bonus int64
	for _, tier := range m.config.BonusTiers {
		if amount < tier.Threshold {
			break
		}
		if tier.FixedBonus > 0 {
			bonus = tier.FixedBonus
		} else if tier.Multiplier > 0 {
			bonus = int64(math.Round(float64(amount) * tier.Multiplier))
		}
	}
	return bonus
}

// payReferral credits the referrer's commission at their override rate,
// falling back to the global default.
func (m *Manager) payReferral(ctx context.Context, userID string, amount int64, referenceID string) error {
	acct, err := m.db.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	if acct.ReferrerID == "" {
		return nil
	}

	referrer, err := m.db.GetAccount(ctx, acct.ReferrerID)
	if err != nil {
		return err
	}
	rate := m.config.ReferralRate
	if referrer.ReferralRateOverride > 0 {
		rate = referrer.ReferralRateOverride
	}
	commission := int64(math.Round(float64(amount) * rate))
	if commission <= 0 {
		return nil
	}
	return m.credit(ctx, referrer.ID, commission, user.TxTypeReferral, referenceID)
}
