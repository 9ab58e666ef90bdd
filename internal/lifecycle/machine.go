package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// StateStore persists state transitions. UpdateState must only apply when the
// stored state still equals from.
type StateStore interface {
	UpdateState(ctx context.Context, sessionID string, from, to State, at time.Time) error
}

type nopStateStore struct{}

func (nopStateStore) UpdateState(context.Context, string, State, State, time.Time) error {
	return nil
}

// Machine applies validated transitions to sessions.
type Machine struct {
	store   StateStore
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

// MachineOption configures Machine.
type MachineOption func(*Machine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) MachineOption {
	return func(m *Machine) {
		if l != nil {
			m.logger = l.Named("lifecycle")
		}
	}
}

// WithMetrics sets custom metrics.
func WithMetrics(metrics *Metrics) MachineOption {
	return func(m *Machine) {
		m.metrics = metrics
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		m.now = now
	}
}

// NewMachine creates a state machine writing through store. A nil store keeps
// state in memory only.
func NewMachine(store StateStore, opts ...MachineOption) *Machine {
	if store == nil {
		store = nopStateStore{}
	}
	metrics, _ := NewMetrics(nil)
	m := &Machine{
		store:   store,
		logger:  zap.NewNop(),
		metrics: metrics,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Transition moves s to target. An illegal pair fails with
// *InvalidTransitionError and leaves the state unchanged, as does a store
// failure.
func (m *Machine) Transition(ctx context.Context, s *Session, target State) (State, error) {
	ctx, span := Tracer().Start(ctx, "lifecycle.transition", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("lifecycle.target", string(target)),
	))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.state
	span.SetAttributes(attribute.String("lifecycle.from", string(from)))

	if !from.CanTransitionTo(target) {
		err := &InvalidTransitionError{SessionID: s.ID, From: from, To: target}
		m.metrics.RecordRejected(ctx, from, target)
		m.logger.Warn("transition rejected",
			zap.String("session_id", s.ID),
			zap.String("from", string(from)),
			zap.String("to", string(target)))
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid transition")
		return from, err
	}

	at := m.now().UTC()
	if err := m.store.UpdateState(ctx, s.ID, from, target, at); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist transition failed")
		return from, fmt.Errorf("persist transition %s -> %s: %w", from, target, err)
	}

	s.state = target
	if target.IsTerminal() {
		s.completedAt = at
	}

	m.metrics.RecordTransition(ctx, from, target)
	m.logger.Info("session transitioned",
		zap.String("session_id", s.ID),
		zap.String("from", string(from)),
		zap.String("to", string(target)))
	return target, nil
}
