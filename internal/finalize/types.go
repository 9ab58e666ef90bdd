package finalize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/consultd/internal/dialogue"
	"github.com/fyrsmithlabs/consultd/internal/guard"
	"github.com/fyrsmithlabs/consultd/internal/lifecycle"
	"github.com/fyrsmithlabs/consultd/internal/merge"
	"github.com/fyrsmithlabs/consultd/internal/record"
)

// DegradedWarning is the user-facing signal for a degraded finalize.
const DegradedWarning = "data saved, some details may be incomplete"

// Reason names what triggered finalization.
type Reason string

const (
	ReasonConfirm    Reason = "confirm"
	ReasonDecline    Reason = "decline"
	ReasonDisconnect Reason = "disconnect"
)

// ErrInvalidReason is returned for unknown reasons.
var ErrInvalidReason = errors.New("invalid finalize reason")

// ParseReason parses a reason string.
func ParseReason(s string) (Reason, error) {
	switch r := Reason(s); r {
	case ReasonConfirm, ReasonDecline, ReasonDisconnect:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReason, s)
}

// TargetState returns the terminal state reason leads to from current.
// Confirm is only legal from REVIEWING; a disconnect during review counts
// as approval.
func TargetState(sessionID string, reason Reason, current lifecycle.State) (lifecycle.State, error) {
	switch reason {
	case ReasonConfirm:
		if current != lifecycle.StateReviewing {
			return "", &lifecycle.InvalidTransitionError{SessionID: sessionID, From: current, To: lifecycle.StateConfirmed}
		}
		return lifecycle.StateConfirmed, nil
	case ReasonDecline:
		return lifecycle.StateDeclined, nil
	case ReasonDisconnect:
		if current == lifecycle.StateReviewing {
			return lifecycle.StateConfirmed, nil
		}
		return lifecycle.StateDeclined, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReason, reason)
}

// ErrFinalizeTimeout matches FinalizeTimeoutError.
var ErrFinalizeTimeout = errors.New("finalize timeout")

// FinalizeTimeoutError records that the budget elapsed before the final
// extraction completed. The committed snapshot was persisted instead.
type FinalizeTimeoutError struct {
	SessionID string
	Budget    time.Duration
	Err       error
}

func (e *FinalizeTimeoutError) Error() string {
	return fmt.Sprintf("finalize of session %s exceeded %s: %v", e.SessionID, e.Budget, e.Err)
}

func (e *FinalizeTimeoutError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ErrFinalizeTimeout).
func (e *FinalizeTimeoutError) Is(target error) bool {
	return target == ErrFinalizeTimeout
}

// Config bounds the finalize sequence.
type Config struct {
	// Timeout bounds the final extraction. It must be shorter than the
	// periodic extraction timeout.
	Timeout        time.Duration `json:"timeout" koanf:"timeout"`
	PersistRetries int           `json:"persist_retries" koanf:"persist_retries"`
	PersistBackoff time.Duration `json:"persist_backoff" koanf:"persist_backoff"`
	// PersistGrace is the minimum time left for persistence after the
	// budget elapsed.
	PersistGrace  time.Duration `json:"persist_grace" koanf:"persist_grace"`
	NotifyTimeout time.Duration `json:"notify_timeout" koanf:"notify_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        20 * time.Second,
		PersistRetries: 3,
		PersistBackoff: 200 * time.Millisecond,
		PersistGrace:   5 * time.Second,
		NotifyTimeout:  5 * time.Second,
	}
}

// Extractor is the scheduler surface finalization drives.
type Extractor interface {
	Stop()
	FinalExtract(ctx context.Context) (merge.Outcome, error)
}

// Target is the per-session state a finalize run operates on.
type Target struct {
	Session   *lifecycle.Session
	Log       *dialogue.Log
	Guard     *guard.Guard
	Extractor Extractor
	Schema    *record.Schema
}

// Result is the outcome of a finalize sequence.
type Result struct {
	SessionID   string                       `json:"session_id"`
	State       lifecycle.State              `json:"state"`
	Reason      Reason                       `json:"reason"`
	Record      record.Record                `json:"-"`
	Fields      map[string]record.FieldValue `json:"fields"`
	Version     int64                        `json:"version"`
	Completion  float64                      `json:"completion"`
	Messages    int                          `json:"messages"`
	Degraded    bool                         `json:"degraded"`
	Warning     string                       `json:"warning,omitempty"`
	FinalizedAt time.Time                    `json:"finalized_at"`

	// Cause is the error that degraded the run, if any.
	Cause error `json:"-"`
}

func newResult(t Target, reason Reason, rec record.Record) *Result {
	return &Result{
		SessionID:  t.Session.ID,
		State:      t.Session.State(),
		Reason:     reason,
		Record:     rec,
		Fields:     rec.Flatten(t.Schema),
		Version:    rec.Version,
		Completion: rec.Completion(t.Schema),
		Messages:   t.Log.Len(),
	}
}

func (r *Result) degrade(cause error) {
	r.Degraded = true
	r.Warning = DegradedWarning
	if r.Cause == nil {
		r.Cause = cause
	}
}
