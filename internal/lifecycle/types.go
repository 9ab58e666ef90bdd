// Package lifecycle implements the approval state machine of a consultation
// session. Machine.Transition is the only code path that writes a session's
// persisted state.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State is the persisted approval state of a session.
type State string

const (
	StateActive    State = "ACTIVE"
	StatePaused    State = "PAUSED"
	StateReviewing State = "REVIEWING"
	StateConfirmed State = "CONFIRMED"
	StateDeclined  State = "DECLINED"
)

// ValidTransitions defines allowed state transitions.
var ValidTransitions = map[State][]State{
	StateActive:    {StatePaused, StateReviewing, StateDeclined},
	StatePaused:    {StateActive, StateDeclined},
	StateReviewing: {StateConfirmed, StateActive, StateDeclined},
	StateConfirmed: {}, // terminal
	StateDeclined:  {}, // terminal
}

// ParseState converts a persisted value to a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := ValidTransitions[st]; !ok {
		return "", fmt.Errorf("unknown session state %q", s)
	}
	return st, nil
}

// CanTransitionTo checks if a transition from current state to target is valid.
func (s State) CanTransitionTo(target State) bool {
	allowed, ok := ValidTransitions[s]
	if !ok {
		return false
	}
	for _, t := range allowed {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateConfirmed || s == StateDeclined
}

// ErrInvalidTransition matches InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid state transition")

// InvalidTransitionError names the rejected (current, target) pair.
type InvalidTransitionError struct {
	SessionID string
	From      State
	To        State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s for session %s", e.From, e.To, e.SessionID)
}

// Is allows errors.Is(err, ErrInvalidTransition).
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// RuntimeState is the ephemeral processing state of a session. It is never
// persisted.
type RuntimeState string

const (
	RuntimeIdle       RuntimeState = "idle"
	RuntimeProcessing RuntimeState = "processing"
	RuntimeCompleting RuntimeState = "completing"
	RuntimeError      RuntimeState = "error"
)

// Session is one consultation. State is read through State() and written
// only by Machine.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu          sync.Mutex
	state       State
	completedAt time.Time

	runtime atomic.Value
}

// NewSession creates an ACTIVE session.
func NewSession(id string, createdAt time.Time) *Session {
	return Restore(id, StateActive, createdAt, time.Time{})
}

// Restore rebuilds a session from persisted fields.
func Restore(id string, state State, createdAt, completedAt time.Time) *Session {
	s := &Session{
		ID:          id,
		CreatedAt:   createdAt.UTC(),
		state:       state,
		completedAt: completedAt,
	}
	s.runtime.Store(RuntimeIdle)
	return s
}

// State returns the persisted state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CompletedAt returns when the session reached a terminal state, or zero.
func (s *Session) CompletedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedAt
}

// Duration returns the elapsed time until completion, or until now while live.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	end := s.completedAt
	s.mu.Unlock()
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.CreatedAt)
}

// Runtime returns the ephemeral runtime state.
func (s *Session) Runtime() RuntimeState {
	v, _ := s.runtime.Load().(RuntimeState)
	return v
}

// SetRuntime updates the ephemeral runtime state.
func (s *Session) SetRuntime(r RuntimeState) {
	s.runtime.Store(r)
}
