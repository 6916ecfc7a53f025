// Package deposit defines pending top-up intents awaiting external payment
// confirmation.
package deposit

import "time"

// Channel is the payment rail an intent is resolved against.
type Channel string

const (
	// ChannelChain matches incoming token transfers to a fixed receiving
	// address by exact minor-unit amount.
	ChannelChain Channel = "chain"
	// ChannelInvoice polls a hosted invoice until the gateway reports paid.
	ChannelInvoice Channel = "invoice"
)

// Status of a deposit intent. Confirmed intents are immutable.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCanceled  Status = "canceled"
)

// Intent is a pending top-up request.
type Intent struct {
	ID      string
	OwnerID string
	Channel Channel

	// NominalAmount is the top-up the owner asked for, in minor units.
	NominalAmount int64
	// ExpectedAmount is what must arrive on the wire. For the chain channel
	// it is NominalAmount plus a small random fractional suffix that
	// disambiguates concurrently pending intents of the same nominal value.
	ExpectedAmount int64

	Status Status

	// ExternalRef is the gateway invoice id for the invoice channel, or the
	// matched transaction hash once a chain intent confirms.
	ExternalRef string

	CreatedAt   time.Time
	ConfirmedAt *time.Time
}
