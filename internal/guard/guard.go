// Package guard serializes writers of a canonical record with optimistic
// versioning.
//
// A writer reads a snapshot, computes its change without holding any lock,
// then commits with the version it read. The commit succeeds only if nobody
// committed in between; otherwise the writer recomputes against fresh state.
// No lock is held while the compute function runs, so slow work (extraction
// calls) never blocks other writers.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/consultd/internal/record"
)

// DefaultMaxRetries bounds how often Update recomputes after a lost race.
const DefaultMaxRetries = 5

var (
	// ErrVersionMismatch is returned by CompareAndSwap when the stored
	// version differs from the expected one.
	ErrVersionMismatch = errors.New("record version mismatch")

	// ErrMergeConflict matches MergeConflictError.
	ErrMergeConflict = errors.New("merge conflict: retries exhausted")
)

// MergeConflictError is returned when Update loses the race MaxRetries+1 times.
type MergeConflictError struct {
	Attempts        int
	ExpectedVersion int64
	StoredVersion   int64
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict after %d attempts (expected version %d, stored %d)",
		e.Attempts, e.ExpectedVersion, e.StoredVersion)
}

// Is allows errors.Is(err, ErrMergeConflict).
func (e *MergeConflictError) Is(target error) bool {
	return target == ErrMergeConflict
}

// ComputeFunc derives the next record from a snapshot. It must not modify
// current. Returning changed=false commits nothing.
type ComputeFunc func(current record.Record) (next record.Record, changed bool, err error)

// CommitHook observes every committed record. Hooks run after the lock is
// released, in commit order per goroutine.
type CommitHook func(committed record.Record)

// Guard owns the canonical record of one session.
type Guard struct {
	mu         sync.Mutex
	rec        record.Record
	maxRetries int
	hooks      []CommitHook
	logger     *zap.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithMaxRetries sets the retry bound for Update.
func WithMaxRetries(n int) Option {
	return func(g *Guard) {
		if n >= 0 {
			g.maxRetries = n
		}
	}
}

// WithCommitHook registers a hook invoked after each successful commit.
func WithCommitHook(h CommitHook) Option {
	return func(g *Guard) {
		g.hooks = append(g.hooks, h)
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// New creates a guard holding initial.
func New(initial record.Record, opts ...Option) *Guard {
	if initial.Fields == nil {
		initial.Fields = make(map[string]record.FieldValue)
	}
	g := &Guard{
		rec:        initial.Clone(),
		maxRetries: DefaultMaxRetries,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Snapshot returns a deep copy of the committed record.
func (g *Guard) Snapshot() record.Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rec.Clone()
}

// Version returns the committed version.
func (g *Guard) Version() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rec.Version
}

// CompareAndSwap stores next with version expected+1 if the stored version
// equals expected.
func (g *Guard) CompareAndSwap(expected int64, next record.Record) (record.Record, error) {
	g.mu.Lock()
	if g.rec.Version != expected {
		stored := g.rec.Version
		g.mu.Unlock()
		return record.Record{}, fmt.Errorf("%w: expected %d, stored %d", ErrVersionMismatch, expected, stored)
	}
	committed := next.Clone()
	committed.Version = expected + 1
	g.rec = committed
	hooks := g.hooks
	out := committed.Clone()
	g.mu.Unlock()

	for _, h := range hooks {
		h(out.Clone())
	}
	return out, nil
}

// Update runs the read-compute-commit loop. It returns the committed record
// and whether a commit happened.
func (g *Guard) Update(ctx context.Context, fn ComputeFunc) (record.Record, bool, error) {
	var lastExpected int64
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return record.Record{}, false, err
		}

		snap := g.Snapshot()
		lastExpected = snap.Version

		next, changed, err := fn(snap.Clone())
		if err != nil {
			return record.Record{}, false, err
		}
		if !changed {
			return snap, false, nil
		}

		committed, err := g.CompareAndSwap(snap.Version, next)
		if err == nil {
			return committed, true, nil
		}
		if !errors.Is(err, ErrVersionMismatch) {
			return record.Record{}, false, err
		}
		g.logger.Debug("commit rejected, recomputing",
			zap.Int("attempt", attempt+1),
			zap.Int64("expected_version", snap.Version))
	}

	return record.Record{}, false, &MergeConflictError{
		Attempts:        g.maxRetries + 1,
		ExpectedVersion: lastExpected,
		StoredVersion:   g.Version(),
	}
}
