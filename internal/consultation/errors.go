package consultation

import (
	"errors"
	"fmt"
)

// Validation errors.
var (
	ErrEmptySessionID   = errors.New("session_id is required")
	ErrSessionIDTooLong = errors.New("session_id exceeds maximum length")
	ErrNoFields         = errors.New("no fields to edit")
)

// Session errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session is closed")
	ErrFinalizing      = errors.New("session is finalizing")
	ErrShutdown        = errors.New("service is shutting down")
)

// ErrBelowReviewThreshold matches BelowReviewThresholdError.
var ErrBelowReviewThreshold = errors.New("record below review threshold")

// BelowReviewThresholdError is returned when review is requested before the
// record is complete enough.
type BelowReviewThresholdError struct {
	SessionID  string
	Completion float64
	Required   float64
}

func (e *BelowReviewThresholdError) Error() string {
	return fmt.Sprintf("session %s: completion %.2f below review threshold %.2f",
		e.SessionID, e.Completion, e.Required)
}

// Is allows errors.Is(err, ErrBelowReviewThreshold).
func (e *BelowReviewThresholdError) Is(target error) bool {
	return target == ErrBelowReviewThreshold
}

// MaxSessionIDLength bounds caller-supplied session ids.
const MaxSessionIDLength = 128

func validateID(id string) error {
	if id == "" {
		return ErrEmptySessionID
	}
	if len(id) > MaxSessionIDLength {
		return ErrSessionIDTooLong
	}
	return nil
}
