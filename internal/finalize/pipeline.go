// Package finalize runs the terminal sequence of a consultation exactly once:
// stop periodic extraction, run the final full-context extraction, persist
// the record and dialogue, move the session to its terminal state, and
// announce it.
//
// A run is owned by the Pipeline, not by the caller. Callers await it, but a
// caller going away (for example a transport tearing down) does not cancel
// it. The final extraction is bounded by Config.Timeout; when the budget
// elapses the committed snapshot is persisted and the result is marked
// degraded.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/consultd/internal/extraction"
	"github.com/fyrsmithlabs/consultd/internal/lifecycle"
	"github.com/fyrsmithlabs/consultd/internal/notify"
	"github.com/fyrsmithlabs/consultd/internal/record"
	"github.com/fyrsmithlabs/consultd/internal/store"
)

// Pipeline finalizes sessions. It is safe for concurrent use.
type Pipeline struct {
	store    store.Store
	machine  *lifecycle.Machine
	notifier notify.Notifier
	cfg      Config
	logger   *Logger
	metrics  *Metrics
	now      func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	done   chan struct{}
	result *Result
	err    error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		p.logger = NewLogger(l)
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithNotifier sets the notification collaborator.
func WithNotifier(n notify.Notifier) Option {
	return func(p *Pipeline) {
		if n != nil {
			p.notifier = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New creates a pipeline.
func New(st store.Store, machine *lifecycle.Machine, cfg Config, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PersistRetries < 0 {
		cfg.PersistRetries = 0
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = def.PersistBackoff
	}
	if cfg.PersistGrace <= 0 {
		cfg.PersistGrace = def.PersistGrace
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}

	metrics, _ := NewMetrics(nil)
	p := &Pipeline{
		store:    st,
		machine:  machine,
		notifier: notify.Nop{},
		cfg:      cfg,
		logger:   NewLogger(nil),
		metrics:  metrics,
		now:      time.Now,
		runs:     make(map[string]*run),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Finalize runs the terminal sequence for t, or joins the run already in
// progress. On a session that is already terminal it returns the existing
// result without side effects.
//
// If ctx ends first Finalize returns ctx.Err() while the run continues;
// a later call returns its result.
func (p *Pipeline) Finalize(ctx context.Context, t Target, reason Reason) (*Result, error) {
	id := t.Session.ID

	p.mu.Lock()
	if r, ok := p.runs[id]; ok {
		p.mu.Unlock()
		return p.await(ctx, r)
	}

	current := t.Session.State()
	if current.IsTerminal() {
		p.mu.Unlock()
		return p.existing(ctx, t, reason)
	}
	if _, err := TargetState(id, reason, current); err != nil {
		p.mu.Unlock()
		return nil, err
	}

	r := &run{done: make(chan struct{})}
	p.runs[id] = r
	p.mu.Unlock()

	shielded := context.WithoutCancel(ctx)
	go func() {
		defer close(r.done)
		r.result, r.err = p.execute(shielded, t, reason)
		if r.err != nil {
			// Leave the session open to another attempt.
			p.mu.Lock()
			delete(p.runs, id)
			p.mu.Unlock()
		}
	}()

	return p.await(ctx, r)
}

// Running reports whether a finalize run for id is in progress.
func (p *Pipeline) Running(id string) bool {
	p.mu.Lock()
	r, ok := p.runs[id]
	p.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Result returns the result of a completed run for id.
func (p *Pipeline) Result(id string) (*Result, bool) {
	p.mu.Lock()
	r, ok := p.runs[id]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-r.done:
		if r.err != nil || r.result == nil {
			return nil, false
		}
		res := *r.result
		return &res, true
	default:
		return nil, false
	}
}

// ErrNoRun is returned by Await when no run is in progress.
var ErrNoRun = errors.New("no finalize run in progress")

// Await joins the run in progress for id without starting one.
func (p *Pipeline) Await(ctx context.Context, id string) (*Result, error) {
	p.mu.Lock()
	r, ok := p.runs[id]
	p.mu.Unlock()
	if !ok {
		return nil, ErrNoRun
	}
	return p.await(ctx, r)
}

// Wait blocks until every run in progress has finished or ctx ends.
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	pending := make([]*run, 0, len(p.runs))
	for _, r := range p.runs {
		pending = append(pending, r)
	}
	p.mu.Unlock()

	for _, r := range pending {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Pipeline) await(ctx context.Context, r *run) (*Result, error) {
	select {
	case <-r.done:
		if r.result == nil {
			return nil, r.err
		}
		res := *r.result
		return &res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// existing returns the persisted result of an already-terminal session,
// falling back to in-memory state when the store has no row.
func (p *Pipeline) existing(ctx context.Context, t Target, reason Reason) (*Result, error) {
	sess, err := p.store.LoadSession(ctx, t.Session.ID)
	if err == nil && sess.State.IsTerminal() {
		res := &Result{
			SessionID:   sess.ID,
			State:       sess.State,
			Reason:      Reason(sess.FinalizeReason),
			Record:      sess.Record,
			Fields:      sess.Record.Flatten(t.Schema),
			Version:     sess.Record.Version,
			Completion:  sess.Record.Completion(t.Schema),
			Messages:    sess.MessageCount,
			FinalizedAt: sess.CompletedAt,
		}
		if sess.Degraded {
			res.Degraded = true
			res.Warning = DegradedWarning
		}
		return res, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	res := newResult(t, reason, t.Guard.Snapshot())
	res.FinalizedAt = t.Session.CompletedAt()
	return res, nil
}

func (p *Pipeline) execute(ctx context.Context, t Target, reason Reason) (*Result, error) {
	id := t.Session.ID
	start := p.now()

	ctx, span := StartSpan(ctx, "finalize.run", id, reason)
	defer span.End()

	p.metrics.RecordStarted(ctx)
	p.logger.Started(ctx, id, reason, string(t.Session.State()))
	t.Session.SetRuntime(lifecycle.RuntimeCompleting)

	// No periodic merge lands after this point.
	t.Extractor.Stop()

	cause := p.finalExtract(ctx, t, reason)

	rec := t.Guard.Snapshot()
	res := newResult(t, reason, rec)
	if cause != nil {
		res.degrade(cause)
		span.RecordError(cause)
	}

	persistCtx, cancel := p.persistContext(ctx, start)
	defer cancel()
	if err := p.persist(persistCtx, t, rec, res); err != nil {
		return p.fail(ctx, t, res, reason, "persist", err, start)
	}

	target, err := TargetState(id, reason, t.Session.State())
	if err == nil {
		tctx, tcancel := context.WithTimeout(ctx, p.cfg.PersistGrace)
		_, err = p.machine.Transition(tctx, t.Session, target)
		tcancel()
	}
	if err != nil {
		return p.fail(ctx, t, res, reason, "transition", err, start)
	}

	res.State = t.Session.State()
	res.FinalizedAt = t.Session.CompletedAt()
	t.Session.SetRuntime(lifecycle.RuntimeIdle)

	p.announce(res)

	elapsed := p.now().Sub(start)
	p.metrics.RecordFinished(ctx, reason, string(res.State), res.Degraded, elapsed)
	p.logger.Completed(ctx, res, elapsed)
	if res.Degraded {
		span.SetStatus(codes.Error, DegradedWarning)
	}
	return res, nil
}

// finalExtract runs the final extraction within the budget. It returns the
// error that degraded the run, or nil.
func (p *Pipeline) finalExtract(ctx context.Context, t Target, reason Reason) error {
	budget, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	_, err := t.Extractor.FinalExtract(budget)
	if err == nil {
		return nil
	}

	var cause error
	if budget.Err() != nil || errors.Is(err, extraction.ErrTimeout) {
		cause = &FinalizeTimeoutError{SessionID: t.Session.ID, Budget: p.cfg.Timeout, Err: err}
	} else {
		cause = fmt.Errorf("final extraction: %w", err)
	}
	p.logger.ExtractionAbandoned(ctx, t.Session.ID, reason, cause)
	return cause
}

// persistContext keeps the run's deadline but guarantees at least
// PersistGrace for persistence.
func (p *Pipeline) persistContext(ctx context.Context, start time.Time) (context.Context, context.CancelFunc) {
	deadline := start.Add(p.cfg.Timeout)
	if grace := p.now().Add(p.cfg.PersistGrace); grace.After(deadline) {
		deadline = grace
	}
	return context.WithDeadline(ctx, deadline)
}

func (p *Pipeline) persist(ctx context.Context, t Target, rec record.Record, res *Result) error {
	id := t.Session.ID
	messages := t.Log.All()
	meta := store.Meta{FinalizeReason: string(res.Reason), Degraded: res.Degraded}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			backoff := p.cfg.PersistBackoff * time.Duration(1<<(attempt-1))
			p.metrics.RecordPersistRetry(ctx)
			p.logger.PersistRetry(ctx, id, attempt, backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return persistenceError(id, lastErr)
			}
		}

		err := p.store.Persist(ctx, id, rec, messages, meta)
		if errors.Is(err, store.ErrNotFound) {
			if cerr := p.store.CreateSession(ctx, id, t.Session.CreatedAt); cerr != nil && !errors.Is(cerr, store.ErrExists) {
				lastErr = cerr
				continue
			}
			err = p.store.Persist(ctx, id, rec, messages, meta)
		}
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrStaleRecord):
			p.logger.Debug(ctx, "stored record is newer, keeping it", zap.String("session_id", id))
			return nil
		}
		lastErr = err
	}
	return persistenceError(id, lastErr)
}

func persistenceError(id string, err error) error {
	var pe *store.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &store.PersistenceError{Op: "finalize persist", SessionID: id, Err: err}
}

func (p *Pipeline) fail(ctx context.Context, t Target, res *Result, reason Reason, stage string, err error, start time.Time) (*Result, error) {
	t.Session.SetRuntime(lifecycle.RuntimeError)
	res.State = t.Session.State()
	res.degrade(err)
	p.metrics.RecordFailed(ctx, reason, stage, p.now().Sub(start))
	p.logger.Failed(ctx, t.Session.ID, reason, stage, err)
	return res, fmt.Errorf("finalize %s: %w", stage, err)
}

func (p *Pipeline) announce(res *Result) {
	ev := notify.NewEvent(res.SessionID, res.State, string(res.Reason))
	ev.Degraded = res.Degraded
	ev.Warning = res.Warning
	ev.Completion = res.Completion
	ev.Fields = res.Fields
	ev.Version = res.Version
	if !res.FinalizedAt.IsZero() {
		ev.FinalizedAt = res.FinalizedAt
	}
	notify.Dispatch(p.notifier, ev, p.cfg.NotifyTimeout, p.logger.Zap())
}
