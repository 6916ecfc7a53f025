// Package order defines the purchase records at the center of the
// provisioning lifecycle and the client credentials issued against them.
package order

import "time"

// Status tracks an order through the provisioning state machine.
type Status string

const (
	StatusRequested   Status = "requested"
	StatusProcuring   Status = "procuring"
	StatusConfiguring Status = "configuring"
	StatusActive      Status = "active"
	StatusExpired     Status = "expired"
	StatusCancelled   Status = "cancelled"
	StatusFailed      Status = "failed"
)

// Live reports whether the order still owns a remote resource and may be
// mutated. Terminal orders are eligible for lock-handle reaping.
func (s Status) Live() bool {
	switch s {
	case StatusRequested, StatusProcuring, StatusConfiguring, StatusActive:
		return true
	}
	return false
}

// Order is a rented tunnel server plus a bundle of issued peers.
type Order struct {
	ID       string
	OwnerID  string
	Protocol string

	// Capacity is the maximum number of peers that may be issued.
	// issued peers <= Capacity holds at all times.
	Capacity int

	Status Status

	// Server endpoint and admin credential, populated during procurement.
	Host   string
	Port   int
	Login  string
	Secret string

	// ExternalID is the procurement provider's server reference. It is
	// persisted as soon as it exists so teardown stays possible even when
	// later provisioning steps fail.
	ExternalID string

	// PriceSnapshot is the amount charged at purchase, in minor units.
	PriceSnapshot int64

	CreatedAt time.Time
	ExpiresAt time.Time
	DeletedAt *time.Time
}

// Peer is one issued client credential belonging to an order.
type Peer struct {
	ID      string
	OrderID string
	Name    string

	// PublicRef identifies the credential on the remote host (public key,
	// client CN, user id) and is what removal revokes.
	PublicRef string
	// SecretRef is the client-side secret handed to the owner.
	SecretRef string

	// ArtifactPath points at the generated client config file, if any.
	ArtifactPath string

	CreatedAt time.Time
}
