// Package dialogue holds the append-only turn log of a consultation session.
package dialogue

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleSubject   Role = "subject"
	RoleAssistant Role = "assistant"
)

// Valid returns true for a known role.
func (r Role) Valid() bool {
	return r == RoleSubject || r == RoleAssistant
}

// Validation errors.
var (
	ErrEmptyContent   = errors.New("message content is required")
	ErrInvalidRole    = errors.New("invalid message role")
	ErrContentTooLong = errors.New("message content exceeds maximum length")
)

// MaxContentLength bounds a single turn.
const MaxContentLength = 32000

// Message is one conversation turn. Messages are never mutated once appended.
type Message struct {
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Phase     string    `json:"phase,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is the ordered turn sequence of one session.
type Log struct {
	mu       sync.RWMutex
	messages []Message
	next     int64
	now      func() time.Time
}

// NewLog creates an empty log. Sequence numbers start at 1.
func NewLog() *Log {
	return &Log{next: 1, now: time.Now}
}

// Restore rebuilds a log from persisted messages. Messages must be in
// ascending sequence order.
func Restore(messages []Message) (*Log, error) {
	l := NewLog()
	for _, m := range messages {
		if m.Seq < l.next {
			return nil, fmt.Errorf("restore dialogue: sequence %d out of order", m.Seq)
		}
		l.messages = append(l.messages, m)
		l.next = m.Seq + 1
	}
	return l, nil
}

// Append adds a turn and returns its sequence number.
func (l *Log) Append(role Role, content, phase string) (Message, error) {
	if !role.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}
	if len(content) > MaxContentLength {
		return Message{}, ErrContentTooLong
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	msg := Message{
		Seq:       l.next,
		Role:      role,
		Content:   content,
		Phase:     phase,
		Timestamp: l.now().UTC(),
	}
	l.messages = append(l.messages, msg)
	l.next++
	return msg, nil
}

// Window returns the last n turns in order. n <= 0 returns every turn.
func (l *Log) Window(n int) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if n > 0 && len(l.messages) > n {
		start = len(l.messages) - n
	}
	out := make([]Message, len(l.messages)-start)
	copy(out, l.messages[start:])
	return out
}

// All returns every turn in order.
func (l *Log) All() []Message {
	return l.Window(0)
}

// Since returns turns with a sequence number greater than seq.
func (l *Log) Since(seq int64) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Message, 0)
	for _, m := range l.messages {
		if m.Seq > seq {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of turns.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// LastSeq returns the sequence number of the latest turn, or 0.
func (l *Log) LastSeq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next - 1
}
