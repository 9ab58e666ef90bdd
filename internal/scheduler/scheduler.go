// Package scheduler decides when a session's dialogue is sent to the
// extraction adapter and merges what comes back.
//
// Periodic extraction fires on qualifying subject turns, throttled to one run
// per MinInterval with later triggers coalesced into a single follow-up run.
// FinalExtract is a separate path used by finalization: it sends the whole
// dialogue exactly once, ignoring the throttle.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/consultd/internal/dialogue"
	"github.com/fyrsmithlabs/consultd/internal/extraction"
	"github.com/fyrsmithlabs/consultd/internal/guard"
	"github.com/fyrsmithlabs/consultd/internal/lifecycle"
	"github.com/fyrsmithlabs/consultd/internal/merge"
	"github.com/fyrsmithlabs/consultd/internal/record"
)

const (
	kindPeriodic = "periodic"
	kindFinal    = "final"
)

// Config holds scheduling policy.
type Config struct {
	WindowSize      int           `json:"window_size" koanf:"window_size"`
	MinInterval     time.Duration `json:"min_interval" koanf:"min_interval"`
	SignalThreshold float64       `json:"signal_threshold" koanf:"signal_threshold"`
	ExtractTimeout  time.Duration `json:"extract_timeout" koanf:"extract_timeout"`
	MaxRetries      int           `json:"max_retries" koanf:"max_retries"`
	BaseBackoff     time.Duration `json:"base_backoff" koanf:"base_backoff"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:      12,
		MinInterval:     10 * time.Second,
		SignalThreshold: 0.3,
		ExtractTimeout:  30 * time.Second,
		MaxRetries:      2,
		BaseBackoff:     500 * time.Millisecond,
	}
}

// ErrStopped is returned by operations on a stopped scheduler.
var ErrStopped = errors.New("scheduler stopped")

// Deps are the per-session collaborators of a Scheduler.
type Deps struct {
	Session  *lifecycle.Session
	Log      *dialogue.Log
	Adapter  extraction.Adapter
	Engine   *merge.Engine
	Guard    *guard.Guard
	Detector *extraction.SignalDetector
}

// MergeHook observes merge outcomes of committed extractions.
type MergeHook func(kind string, result record.ExtractionResult, outcome merge.Outcome)

// Scheduler runs extractions for one session.
type Scheduler struct {
	cfg  Config
	deps Deps

	limiter *rate.Limiter
	logger  *zap.Logger
	onMerge MergeHook

	// base outlives individual turns; Stop does not cancel it so in-flight
	// calls can finish.
	base context.Context

	mu      sync.Mutex
	running bool
	pending bool

	// commitMu orders periodic commits against Stop.
	commitMu sync.Mutex
	stopped  atomic.Bool
	stopCh   chan struct{}

	wg sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMergeHook registers a hook called after each committed merge.
func WithMergeHook(h MergeHook) Option {
	return func(s *Scheduler) {
		s.onMerge = h
	}
}

// WithContext sets the context background runs derive from.
func WithContext(ctx context.Context) Option {
	return func(s *Scheduler) {
		s.base = ctx
	}
}

// New creates a scheduler.
func New(cfg Config, deps Deps, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = def.ExtractTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if deps.Detector == nil {
		deps.Detector, _ = extraction.NewSignalDetector(nil)
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	s := &Scheduler{
		cfg:     cfg,
		deps:    deps,
		limiter: rate.NewLimiter(limit, 1),
		logger:  zap.NewNop(),
		base:    context.Background(),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler").With(zap.String("session_id", deps.Session.ID))
	return s
}

// Notify considers a newly appended turn. It returns true if the turn
// started or queued an extraction.
func (s *Scheduler) Notify(msg dialogue.Message) bool {
	if s.stopped.Load() {
		TriggersSkippedTotal.WithLabelValues("stopped").Inc()
		return false
	}

	score, pattern := s.deps.Detector.Score(msg)
	if score < s.cfg.SignalThreshold {
		TriggersSkippedTotal.WithLabelValues("low_signal").Inc()
		s.logger.Debug("turn below signal threshold",
			zap.Int64("seq", msg.Seq),
			zap.Float64("score", score))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.pending = true
		TriggersSkippedTotal.WithLabelValues("coalesced").Inc()
		return true
	}

	s.running = true
	s.wg.Add(1)
	go s.loop()

	s.logger.Debug("extraction triggered",
		zap.Int64("seq", msg.Seq),
		zap.String("pattern", pattern),
		zap.Float64("score", score))
	return true
}

// loop runs extractions until no trigger is pending.
func (s *Scheduler) loop() {
	defer s.wg.Done()

	for {
		if !s.waitTurn() {
			s.finishLoop()
			return
		}
		s.runPeriodic()

		s.mu.Lock()
		if !s.pending || s.stopped.Load() {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()
	}
}

func (s *Scheduler) finishLoop() {
	s.mu.Lock()
	s.running = false
	s.pending = false
	s.mu.Unlock()
}

// waitTurn blocks until the throttle allows a run. It returns false if the
// scheduler stopped meanwhile.
func (s *Scheduler) waitTurn() bool {
	r := s.limiter.Reserve()
	delay := r.Delay()
	if delay <= 0 {
		return !s.stopped.Load()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !s.stopped.Load()
	case <-s.stopCh:
		r.Cancel()
		return false
	case <-s.base.Done():
		r.Cancel()
		return false
	}
}

func (s *Scheduler) runPeriodic() {
	window := s.deps.Log.Window(s.cfg.WindowSize)
	if len(window) == 0 {
		return
	}

	s.deps.Session.SetRuntime(lifecycle.RuntimeProcessing)
	start := time.Now()
	fields, err := s.extractWithRetry(s.base, window)
	ExtractionDuration.WithLabelValues(kindPeriodic).Observe(time.Since(start).Seconds())

	if err != nil {
		// Failures are invisible to the subject: skip the cycle.
		ExtractionsTotal.WithLabelValues(kindPeriodic, "failed").Inc()
		s.logger.Warn("extraction cycle skipped", zap.Error(err))
		if !s.stopped.Load() {
			s.deps.Session.SetRuntime(lifecycle.RuntimeError)
		}
		return
	}

	result := newResult(fields, window, false)

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if s.stopped.Load() || s.deps.Session.State().IsTerminal() {
		ExtractionsTotal.WithLabelValues(kindPeriodic, "discarded").Inc()
		s.logger.Debug("discarding extraction for stopped session")
		return
	}

	if _, err := s.apply(s.base, kindPeriodic, result); err != nil {
		ExtractionsTotal.WithLabelValues(kindPeriodic, "failed").Inc()
		s.logger.Warn("merge failed", zap.Error(err))
		s.deps.Session.SetRuntime(lifecycle.RuntimeError)
		return
	}
	s.deps.Session.SetRuntime(lifecycle.RuntimeIdle)
}

// extractWithRetry calls the adapter with a per-call timeout and bounded
// exponential backoff.
func (s *Scheduler) extractWithRetry(ctx context.Context, window []dialogue.Message) (map[string]record.Proposal, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.cfg.BaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-s.stopCh:
				return nil, ErrStopped
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		fields, err := s.call(ctx, window)
		if err == nil {
			return fields, nil
		}
		lastErr = err
		if !extraction.IsRetryable(err) {
			break
		}
		s.logger.Debug("adapter call failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

// call runs one adapter invocation bounded by ExtractTimeout.
func (s *Scheduler) call(ctx context.Context, window []dialogue.Message) (map[string]record.Proposal, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ExtractTimeout)
	defer cancel()

	fields, err := s.deps.Adapter.Extract(callCtx, window, s.deps.Engine.Schema())
	if err == nil {
		AdapterAttemptsTotal.WithLabelValues("success").Inc()
		return fields, nil
	}
	return nil, classify(callCtx, err)
}

// classify maps an adapter failure onto the typed extraction errors and
// counts the attempt. Untyped errors are treated as transient.
func classify(ctx context.Context, err error) error {
	var te *extraction.TimeoutError
	var ae *extraction.AdapterError
	switch {
	case errors.As(err, &te):
	case errors.As(err, &ae):
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = &extraction.TimeoutError{Provider: "adapter", Err: err}
	default:
		err = &extraction.AdapterError{Provider: "adapter", Retryable: true, Err: err}
	}

	if errors.Is(err, extraction.ErrTimeout) {
		AdapterAttemptsTotal.WithLabelValues("timeout").Inc()
	} else {
		AdapterAttemptsTotal.WithLabelValues("error").Inc()
	}
	return err
}

// apply merges result under the guard.
func (s *Scheduler) apply(ctx context.Context, kind string, result record.ExtractionResult) (merge.Outcome, error) {
	var outcome merge.Outcome
	_, committed, err := s.deps.Guard.Update(ctx, func(cur record.Record) (record.Record, bool, error) {
		outcome = s.deps.Engine.Apply(cur, result, merge.ModeExtraction)
		return outcome.Record, outcome.Changed, nil
	})
	if err != nil {
		return merge.Outcome{}, err
	}

	for _, d := range outcome.Decisions {
		MergeDecisionsTotal.WithLabelValues(string(d.Reason)).Inc()
	}

	label := "unchanged"
	if committed {
		label = "merged"
		if s.onMerge != nil {
			s.onMerge(kind, result, outcome)
		}
	}
	ExtractionsTotal.WithLabelValues(kind, label).Inc()

	s.logger.Debug("extraction merged",
		zap.String("kind", kind),
		zap.Int("accepted", len(outcome.Accepted())),
		zap.Int("decisions", len(outcome.Decisions)),
		zap.Bool("committed", committed))
	return outcome, nil
}

// Stop halts periodic scheduling. An in-flight adapter call may finish but
// its result is discarded. After Stop returns no periodic merge commits.
func (s *Scheduler) Stop() {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if s.stopped.CompareAndSwap(false, true) {
		close(s.stopCh)
	}
}

// Stopped reports whether Stop was called.
func (s *Scheduler) Stopped() bool {
	return s.stopped.Load()
}

// Wait blocks until background runs exit.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// FinalExtract issues one full-context extraction regardless of throttle
// state and merges the result. Transient failures are retried with the
// configured backoff for as long as ctx allows. If ctx expires first the
// call is abandoned and the record is left as committed.
func (s *Scheduler) FinalExtract(ctx context.Context) (merge.Outcome, error) {
	window := s.deps.Log.All()
	if len(window) == 0 {
		return merge.Outcome{Record: s.deps.Guard.Snapshot()}, nil
	}

	start := time.Now()
	fields, err := s.finalWithRetry(ctx, window)
	ExtractionDuration.WithLabelValues(kindFinal).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			ExtractionsTotal.WithLabelValues(kindFinal, "abandoned").Inc()
			s.logger.Warn("final extraction abandoned", zap.Error(ctx.Err()))
			return merge.Outcome{}, &extraction.TimeoutError{Provider: "adapter", Err: ctx.Err()}
		}
		ExtractionsTotal.WithLabelValues(kindFinal, "failed").Inc()
		s.logger.Warn("final extraction failed", zap.Error(err))
		return merge.Outcome{}, err
	}

	return s.apply(ctx, kindFinal, newResult(fields, window, true))
}

// finalWithRetry is extractWithRetry for the final call. The scheduler is
// already stopped when finalize runs, so only ctx bounds the attempts.
func (s *Scheduler) finalWithRetry(ctx context.Context, window []dialogue.Message) (map[string]record.Proposal, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.cfg.BaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		fields, err := s.finalCall(ctx, window)
		if err == nil {
			return fields, nil
		}
		lastErr = err
		if ctx.Err() != nil || !extraction.IsRetryable(err) {
			break
		}
		s.logger.Debug("final extraction failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

// finalCall runs one adapter invocation, returning as soon as ctx ends even
// if the adapter does not.
func (s *Scheduler) finalCall(ctx context.Context, window []dialogue.Message) (map[string]record.Proposal, error) {
	type reply struct {
		fields map[string]record.Proposal
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		fields, err := s.deps.Adapter.Extract(ctx, window, s.deps.Engine.Schema())
		done <- reply{fields, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, classify(ctx, r.err)
		}
		AdapterAttemptsTotal.WithLabelValues("success").Inc()
		return r.fields, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newResult(fields map[string]record.Proposal, window []dialogue.Message, final bool) record.ExtractionResult {
	last := window[len(window)-1]
	return record.ExtractionResult{
		Fields:      fields,
		WindowStart: window[0].Seq,
		WindowEnd:   last.Seq,
		Phase:       last.Phase,
		ExtractedAt: time.Now().UTC(),
		Final:       final,
	}
}
