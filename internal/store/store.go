// Package store persists consultation sessions: the session row with its
// lifecycle state and canonical record, and the append-only dialogue.
//
// State changes are conditional on the caller's view of the current state.
// There is deliberately no method that overwrites a session row wholesale.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/consultd/internal/dialogue"
	"github.com/fyrsmithlabs/consultd/internal/lifecycle"
	"github.com/fyrsmithlabs/consultd/internal/record"
)

// Sentinel errors.
var (
	ErrPersistence   = errors.New("persistence failure")
	ErrNotFound      = errors.New("session not found")
	ErrExists        = errors.New("session already exists")
	ErrStateConflict = errors.New("session state changed concurrently")
	ErrStaleRecord   = errors.New("record version older than stored")
)

// PersistenceError wraps a storage failure with the operation that failed.
type PersistenceError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ErrPersistence).
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// Session is a persisted session row.
type Session struct {
	ID             string          `json:"id"`
	State          lifecycle.State `json:"state"`
	Record         record.Record   `json:"record"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    time.Time       `json:"completed_at,omitempty"`
	FinalizeReason string          `json:"finalize_reason,omitempty"`
	Degraded       bool            `json:"degraded,omitempty"`
	MessageCount   int             `json:"message_count"`
}

// Meta annotates a Persist call.
type Meta struct {
	FinalizeReason string
	Degraded       bool
}

// Store is the persistence collaborator.
type Store interface {
	// CreateSession inserts an ACTIVE session row.
	CreateSession(ctx context.Context, id string, createdAt time.Time) error

	// UpdateState moves a session from one state to another. It fails with
	// ErrStateConflict if the stored state is not from.
	UpdateState(ctx context.Context, id string, from, to lifecycle.State, at time.Time) error

	// Persist writes the record and any messages not yet stored. A record
	// older than the stored one is rejected with ErrStaleRecord.
	Persist(ctx context.Context, id string, rec record.Record, messages []dialogue.Message, meta Meta) error

	LoadSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]Session, error)
	LoadMessages(ctx context.Context, id string) ([]dialogue.Message, error)

	Close() error
}

// Open returns the SQLite store for path, or an in-memory store when path
// is empty.
func Open(path string) (Store, error) {
	if path == "" {
		return NewMemoryStore(), nil
	}
	return NewSQLiteStore(path)
}

func wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, SessionID: id, Err: err}
}
