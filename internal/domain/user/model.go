// Package user defines owner accounts and their balance audit trail.
package user

import "time"

// Account is an owner of orders and deposits.
type Account struct {
	ID string

	// Balance in minor units.
	Balance int64

	// ReferrerID is set when this account was referred by another.
	ReferrerID string
	// ReferralRateOverride, when > 0, replaces the global referral
	// commission rate for deposits credited to accounts this one referred.
	ReferralRateOverride float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction types recorded against an account balance.
const (
	TxTypeDeposit    = "deposit"
	TxTypeBonus      = "bonus"
	TxTypeReferral   = "referral"
	TxTypePurchase   = "purchase"
	TxTypeRefund     = "refund"
	TxTypeAdjustment = "adjustment"
)

// Transaction is one balance mutation. Amount is signed.
type Transaction struct {
	ID           string
	AccountID    string
	TxType       string
	Amount       int64
	BalanceAfter int64
	ReferenceID  string
	CreatedAt    time.Time
}
