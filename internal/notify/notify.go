// Package notify delivers lifecycle messages. Owners get sanitized,
// user-facing text; operators get raw diagnostics. Delivery is best-effort:
// failures are logged and never propagate into the calling flow.
package notify

import (
	"context"

	"github.com/tunnelbay/tunnelbay/pkg/logger"
)

// Sender delivers one message to one destination.
type Sender interface {
	Send(ctx context.Context, recipient, message string) error
}

// Notifier fans lifecycle events out to owners and the operator channel.
type Notifier struct {
	owner    Sender
	operator Sender
	// operatorRecipient is the fixed operator channel id.
	operatorRecipient string
	log               *logger.Logger
}

// New creates a notifier. Either sender may be nil, in which case that
// audience is silently skipped.
func New(owner, operator Sender, operatorRecipient string, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &Notifier{
		owner:             owner,
		operator:          operator,
		operatorRecipient: operatorRecipient,
		log:               log,
	}
}

// Owner sends a sanitized message to the order's owner.
func (n *Notifier) Owner(ctx context.Context, ownerID, message string) {
	if n.owner == nil {
		return
	}
	if err := n.owner.Send(ctx, ownerID, message); err != nil {
		n.log.WithError(err).WithField("owner_id", ownerID).Warn("owner notification failed")
	}
}

// Operator sends raw diagnostics to the operator channel.
func (n *Notifier) Operator(ctx context.Context, message string) {
	if n.operator == nil {
		return
	}
	if err := n.operator.Send(ctx, n.operatorRecipient, message); err != nil {
		n.log.WithError(err).Warn("operator notification failed")
	}
}

// LogSender writes notifications to the structured log; it is the default
// sender when no external messenger is configured.
type LogSender struct {
	Log *logger.Logger
}

func (s *LogSender) Send(ctx context.Context, recipient, message string) error {
	s.Log.WithField("recipient", recipient).Info(message)
	return nil
}
