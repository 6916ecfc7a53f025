package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSender struct {
	mu   sync.Mutex
	sent [][2]string
	err  error
}

func (s *recordingSender) Send(ctx context.Context, recipient, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, [2]string{recipient, message})
	return nil
}

func TestNotifier_RoutesAudiences(t *testing.T) {
	owner := &recordingSender{}
	operator := &recordingSender{}
	n := New(owner, operator, "ops-room", nil)

	n.Owner(context.Background(), "user-1", "Your tunnel is ready.")
	n.Operator(context.Background(), "order ord-1 failed: ssh: handshake error")

	assert.Equal(t, [][2]string{{"user-1", "Your tunnel is ready."}}, owner.sent)
	assert.Equal(t, [][2]string{{"ops-room", "order ord-1 failed: ssh: handshake error"}}, operator.sent)
}

func TestNotifier_DeliveryFailureIsSwallowed(t *testing.T) {
	owner := &recordingSender{err: errors.New("messenger down")}
	n := New(owner, nil, "", nil)

	// Must not panic or propagate; notification is best-effort.
	n.Owner(context.Background(), "user-1", "hello")
	n.Operator(context.Background(), "ignored, no operator sender")

	assert.Empty(t, owner.sent)
}
