// Package system manages component lifecycles: every long-running part of the
// daemon implements Service and is started and stopped deterministically by
// the manager.
package system

import (
	"context"
	"fmt"

	"github.com/tunnelbay/tunnelbay/pkg/logger"
)

// Service represents a lifecycle-managed component.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
	services []Service
	started  []Service
	log      *logger.Logger
}

// NewManager creates an empty manager.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("system")
	}
	return &Manager{log: log}
}

// Register adds a service. Registration order is start order.
func (m *Manager) Register(s Service) {
	m.services = append(m.services, s)
}

// Start brings every registered service up. On failure the services already
// started are stopped in reverse before the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	for _, s := range m.services {
		m.log.WithField("service", s.Name()).Info("starting")
		if err := s.Start(ctx); err != nil {
			m.log.WithError(err).WithField("service", s.Name()).Error("start failed")
			m.Stop(ctx)
			return fmt.Errorf("start %s: %w", s.Name(), err)
		}
		m.started = append(m.started, s)
	}
	return nil
}

// Stop brings started services down in reverse order. Errors are logged, not
// returned: shutdown always runs to completion.
func (m *Manager) Stop(ctx context.Context) {
	for i := len(m.started) - 1; i >= 0; i-- {
		s := m.started[i]
		m.log.WithField("service", s.Name()).Info("stopping")
		if err := s.Stop(ctx); err != nil {
			m.log.WithError(err).WithField("service", s.Name()).Warn("stop failed")
		}
	}
	m.started = nil
}

// Func adapts start/stop closures into a Service.
func Func(name string, start, stop func(ctx context.Context) error) Service {
	return &funcService{name: name, start: start, stop: stop}
}

type funcService struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

func (s *funcService) Name() string { return s.name }

func (s *funcService) Start(ctx context.Context) error {
	if s.start == nil {
		return nil
	}
	return s.start(ctx)
}

func (s *funcService) Stop(ctx context.Context) error {
	if s.stop == nil {
		return nil
	}
	return s.stop(ctx)
}
