package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/consultd/internal/dialogue"
	"github.com/fyrsmithlabs/consultd/internal/lifecycle"
	"github.com/fyrsmithlabs/consultd/internal/record"
)

// MemoryStore is an in-memory Store. It is thread-safe and suitable for
// tests and single-instance deployments without durability.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]dialogue.Message // sessionID -> messages by seq
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]dialogue.Message),
	}
}

// CreateSession inserts an ACTIVE session row.
func (m *MemoryStore) CreateSession(ctx context.Context, id string, createdAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return ErrExists
	}
	m.sessions[id] = &Session{
		ID:        id,
		State:     lifecycle.StateActive,
		Record:    record.New(),
		CreatedAt: createdAt.UTC(),
		UpdatedAt: createdAt.UTC(),
	}
	return nil
}

// UpdateState moves a session from one state to another.
func (m *MemoryStore) UpdateState(ctx context.Context, id string, from, to lifecycle.State, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.State != from {
		return fmt.Errorf("%w: stored %s, expected %s", ErrStateConflict, sess.State, from)
	}
	sess.State = to
	sess.UpdatedAt = at.UTC()
	if to.IsTerminal() {
		sess.CompletedAt = at.UTC()
	}
	return nil
}

// Persist writes the record and appends messages not yet stored.
func (m *MemoryStore) Persist(ctx context.Context, id string, rec record.Record, messages []dialogue.Message, meta Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Version < sess.Record.Version {
		return fmt.Errorf("%w: stored %d, got %d", ErrStaleRecord, sess.Record.Version, rec.Version)
	}

	sess.Record = rec.Clone()
	sess.UpdatedAt = time.Now().UTC()
	if meta.FinalizeReason != "" {
		sess.FinalizeReason = meta.FinalizeReason
	}
	sess.Degraded = meta.Degraded

	stored := m.messages[id]
	var last int64
	if len(stored) > 0 {
		last = stored[len(stored)-1].Seq
	}
	for _, msg := range messages {
		if msg.Seq > last {
			stored = append(stored, msg)
			last = msg.Seq
		}
	}
	m.messages[id] = stored
	return nil
}

// LoadSession returns a copy of one session row.
func (m *MemoryStore) LoadSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := m.copySession(sess)
	return &out, nil
}

// ListSessions returns sessions ordered by most recent update.
func (m *MemoryStore) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, m.copySession(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LoadMessages returns a session's dialogue in sequence order.
func (m *MemoryStore) LoadMessages(ctx context.Context, id string) ([]dialogue.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.messages[id]
	out := make([]dialogue.Message, len(stored))
	copy(out, stored)
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) copySession(sess *Session) Session {
	out := *sess
	out.Record = sess.Record.Clone()
	out.MessageCount = len(m.messages[sess.ID])
	return out
}
