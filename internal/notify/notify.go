// Package notify announces finalized consultations to downstream systems.
//
// Notification sits at the outer boundary of finalization: it runs after the
// session is terminal and persisted, and its failures never affect the
// session outcome.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/consultd/internal/lifecycle"
	"github.com/fyrsmithlabs/consultd/internal/record"
)

// DefaultSubjectPrefix is the NATS subject prefix for finalized events.
const DefaultSubjectPrefix = "consultd.sessions"

// DefaultTimeout bounds one notification attempt.
const DefaultTimeout = 5 * time.Second

// Event describes a finalized session.
type Event struct {
	ID          string                       `json:"id"`
	SessionID   string                       `json:"session_id"`
	State       lifecycle.State              `json:"state"`
	Reason      string                       `json:"reason"`
	Degraded    bool                         `json:"degraded,omitempty"`
	Warning     string                       `json:"warning,omitempty"`
	Completion  float64                      `json:"completion"`
	Fields      map[string]record.FieldValue `json:"fields"`
	Version     int64                        `json:"version"`
	FinalizedAt time.Time                    `json:"finalized_at"`
}

// NewEvent creates an event with a fresh id.
func NewEvent(sessionID string, state lifecycle.State, reason string) Event {
	return Event{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		State:       state,
		Reason:      reason,
		FinalizedAt: time.Now().UTC(),
	}
}

// Notifier receives finalized events.
type Notifier interface {
	OnFinalized(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

// OnFinalized calls f.
func (f NotifierFunc) OnFinalized(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Nop discards events.
type Nop struct{}

// OnFinalized does nothing.
func (Nop) OnFinalized(context.Context, Event) error { return nil }

// NATSNotifier publishes events as JSON on <prefix>.<session>.finalized.
type NATSNotifier struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSNotifier wraps an existing connection.
func NewNATSNotifier(nc *nats.Conn, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSNotifier{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

// Connect dials NATS and returns a notifier owning the connection.
func Connect(url, prefix string, logger *zap.Logger) (*NATSNotifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("consultd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return NewNATSNotifier(nc, prefix), nil
}

// Subject returns the subject events for sessionID are published on.
func (n *NATSNotifier) Subject(sessionID string) string {
	return fmt.Sprintf("%s.%s.finalized", n.prefix, sessionID)
}

// OnFinalized publishes ev and flushes within ctx.
func (n *NATSNotifier) OnFinalized(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.nc.Publish(n.Subject(ev.SessionID), data); err != nil {
		return fmt.Errorf("publish finalized event: %w", err)
	}
	if err := n.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush finalized event: %w", err)
	}
	return nil
}

// Close drains the connection.
func (n *NATSNotifier) Close() error {
	if n.nc == nil {
		return nil
	}
	if err := n.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 64)}
}

// OnFinalized records ev.
func (r *Recorder) OnFinalized(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Events returns a copy of recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// WaitFor blocks until at least n events arrived or timeout elapses.
func (r *Recorder) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		got := len(r.events)
		r.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return false
		}
	}
}

// Dispatch sends ev in the background with its own timeout. Failures are
// logged and otherwise ignored.
func Dispatch(n Notifier, ev Event, timeout time.Duration, logger *zap.Logger) {
	if n == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := n.OnFinalized(ctx, ev); err != nil {
			logger.Warn("finalized notification failed",
				zap.String("session_id", ev.SessionID),
				zap.String("event_id", ev.ID),
				zap.Error(err))
			return
		}
		logger.Debug("finalized notification sent",
			zap.String("session_id", ev.SessionID),
			zap.String("event_id", ev.ID))
	}()
}
