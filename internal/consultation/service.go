package consultation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/consultd/internal/dialogue"
	"github.com/fyrsmithlabs/consultd/internal/extraction"
	"github.com/fyrsmithlabs/consultd/internal/finalize"
	"github.com/fyrsmithlabs/consultd/internal/guard"
	"github.com/fyrsmithlabs/consultd/internal/lifecycle"
	"github.com/fyrsmithlabs/consultd/internal/merge"
	"github.com/fyrsmithlabs/consultd/internal/record"
	"github.com/fyrsmithlabs/consultd/internal/scheduler"
	"github.com/fyrsmithlabs/consultd/internal/store"
)

// Config holds arena policy.
type Config struct {
	Scheduler scheduler.Config `json:"scheduler" koanf:"scheduler"`
	// CorrectionMargin is the evidence margin a competing value needs to
	// replace a correctable field.
	CorrectionMargin int `json:"correction_margin" koanf:"correction_margin"`
	// MinReviewCompletion gates RequestReview. Zero disables the gate.
	MinReviewCompletion float64 `json:"min_review_completion" koanf:"min_review_completion"`
	SubscriberBuffer    int     `json:"subscriber_buffer" koanf:"subscriber_buffer"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Scheduler:           scheduler.DefaultConfig(),
		CorrectionMargin:    merge.DefaultMargin,
		MinReviewCompletion: 0.25,
		SubscriberBuffer:    DefaultSubscriberBuffer,
	}
}

// Service is the session arena. It is safe for concurrent use.
type Service struct {
	store    store.Store
	adapter  extraction.Adapter
	machine  *lifecycle.Machine
	pipeline *finalize.Pipeline
	schema   *record.Schema
	engine   *merge.Engine
	detector *extraction.SignalDetector
	cfg      Config
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time

	// base outlives requests; background extractions derive from it.
	base context.Context

	mu       sync.Mutex
	sessions map[string]*entry
	// loads collapses concurrent store loads of the same id.
	loads singleflight.Group

	shutdownMu sync.RWMutex
	isShutdown bool
}

// entry is one live session.
type entry struct {
	session *lifecycle.Session
	log     *dialogue.Log
	guard   *guard.Guard
	sched   *scheduler.Scheduler
	subs    *subscribers

	// writeMu orders writes against the start of finalization.
	writeMu    sync.RWMutex
	finalizers int

	mu       sync.Mutex
	degraded bool
	warning  string
}

func (e *entry) setOutcome(degraded bool, warning string) {
	e.mu.Lock()
	e.degraded = degraded
	e.warning = warning
	e.mu.Unlock()
}

func (e *entry) outcome() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded, e.warning
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets custom metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithSchema replaces the default field schema.
func WithSchema(schema *record.Schema) Option {
	return func(s *Service) {
		if schema != nil {
			s.schema = schema
		}
	}
}

// WithDetector sets the signal detector used to gate extractions.
func WithDetector(d *extraction.SignalDetector) Option {
	return func(s *Service) {
		s.detector = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithContext sets the context background extractions derive from.
func WithContext(ctx context.Context) Option {
	return func(s *Service) {
		s.base = ctx
	}
}

// NewService creates a session arena.
func NewService(
	st store.Store,
	adapter extraction.Adapter,
	machine *lifecycle.Machine,
	pipeline *finalize.Pipeline,
	cfg Config,
	opts ...Option,
) *Service {
	def := DefaultConfig()
	if cfg.CorrectionMargin <= 0 {
		cfg.CorrectionMargin = def.CorrectionMargin
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if adapter == nil {
		adapter = extraction.NoopAdapter{}
	}

	metrics, _ := NewMetrics(nil)
	s := &Service{
		store:    st,
		adapter:  adapter,
		machine:  machine,
		pipeline: pipeline,
		schema:   record.DefaultSchema(),
		cfg:      cfg,
		logger:   zap.NewNop(),
		metrics:  metrics,
		now:      time.Now,
		base:     context.Background(),
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("consultation")
	s.engine = merge.NewEngine(s.schema, merge.WithMargin(cfg.CorrectionMargin))
	return s
}

// Schema returns the field schema sessions are extracted against.
func (s *Service) Schema() *record.Schema {
	return s.schema
}

// NewSessionID returns a fresh session id.
func NewSessionID() string {
	return "sess_" + uuid.NewString()
}

// Open starts a new session with a generated id.
func (s *Service) Open(ctx context.Context) (Snapshot, error) {
	if err := s.checkShutdown(); err != nil {
		return Snapshot{}, err
	}
	e, err := s.acquire(ctx, NewSessionID(), true)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(e), nil
}

// AppendMessage appends a turn to the session's dialogue, creating the
// session on first contact. Subject turns are offered to the scheduler while
// the session is ACTIVE or REVIEWING.
func (s *Service) AppendMessage(ctx context.Context, id string, role dialogue.Role, content, phase string) (dialogue.Message, error) {
	if err := s.checkShutdown(); err != nil {
		return dialogue.Message{}, err
	}
	ctx, span := StartSpan(ctx, "consultation.append", id)
	defer span.End()

	e, err := s.acquire(ctx, id, true)
	if err != nil {
		span.RecordError(err)
		return dialogue.Message{}, err
	}

	e.writeMu.RLock()
	defer e.writeMu.RUnlock()

	if err := s.checkWritable(ctx, "append", e); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return dialogue.Message{}, err
	}

	msg, err := e.log.Append(role, content, phase)
	if err != nil {
		span.RecordError(err)
		return dialogue.Message{}, err
	}
	s.metrics.RecordMessage(ctx, string(role))

	state := e.session.State()
	if role == dialogue.RoleSubject && (state == lifecycle.StateActive || state == lifecycle.StateReviewing) {
		e.sched.Notify(msg)
	}
	s.publish(e)
	return msg, nil
}

// RequestPause moves an ACTIVE session to PAUSED.
func (s *Service) RequestPause(ctx context.Context, id string) (Snapshot, error) {
	return s.transition(ctx, "pause", id, lifecycle.StatePaused, nil)
}

// RequestResume moves a PAUSED session back to ACTIVE.
func (s *Service) RequestResume(ctx context.Context, id string) (Snapshot, error) {
	return s.transition(ctx, "resume", id, lifecycle.StateActive, func(cur lifecycle.State) error {
		if cur != lifecycle.StatePaused {
			return &lifecycle.InvalidTransitionError{SessionID: id, From: cur, To: lifecycle.StateActive}
		}
		return nil
	})
}

// RequestReview moves an ACTIVE session to REVIEWING once its record is
// complete enough.
func (s *Service) RequestReview(ctx context.Context, id string) (Snapshot, error) {
	return s.transition(ctx, "review", id, lifecycle.StateReviewing, nil)
}

// ReopenReview returns a REVIEWING session to ACTIVE so the conversation can
// continue.
func (s *Service) ReopenReview(ctx context.Context, id string) (Snapshot, error) {
	return s.transition(ctx, "reopen", id, lifecycle.StateActive, func(cur lifecycle.State) error {
		if cur != lifecycle.StateReviewing {
			return &lifecycle.InvalidTransitionError{SessionID: id, From: cur, To: lifecycle.StateActive}
		}
		return nil
	})
}

func (s *Service) transition(ctx context.Context, op, id string, target lifecycle.State, precondition func(lifecycle.State) error) (Snapshot, error) {
	if err := s.checkShutdown(); err != nil {
		return Snapshot{}, err
	}
	ctx, span := StartSpan(ctx, "consultation."+op, id)
	defer span.End()

	e, err := s.lookup(ctx, id)
	if err != nil {
		span.RecordError(err)
		return Snapshot{}, err
	}

	e.writeMu.RLock()
	defer e.writeMu.RUnlock()

	if s.finalizing(e) {
		s.metrics.RecordRejected(ctx, op, "finalizing")
		return Snapshot{}, ErrFinalizing
	}

	cur := e.session.State()
	if precondition != nil {
		if err := precondition(cur); err != nil {
			s.metrics.RecordRejected(ctx, op, "invalid_transition")
			return Snapshot{}, err
		}
	}
	if target == lifecycle.StateReviewing && cur.CanTransitionTo(target) {
		if err := s.checkReviewThreshold(e); err != nil {
			s.metrics.RecordRejected(ctx, op, "below_threshold")
			return Snapshot{}, err
		}
	}

	if _, err := s.machine.Transition(ctx, e.session, target); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			s.metrics.RecordRejected(ctx, op, "invalid_transition")
		}
		return Snapshot{}, err
	}

	s.publish(e)
	return s.snapshot(e), nil
}

func (s *Service) checkReviewThreshold(e *entry) error {
	if s.cfg.MinReviewCompletion <= 0 {
		return nil
	}
	completion := e.guard.Snapshot().Completion(s.schema)
	if completion < s.cfg.MinReviewCompletion {
		return &BelowReviewThresholdError{
			SessionID:  e.session.ID,
			Completion: completion,
			Required:   s.cfg.MinReviewCompletion,
		}
	}
	return nil
}

// EditResult is the outcome of an explicit edit.
type EditResult struct {
	Decisions []merge.Decision `json:"decisions"`
	Snapshot  Snapshot         `json:"snapshot"`
}

// EditFields applies an explicit external edit. Scalars are replaced and
// pinned against later extraction. The committed record is persisted
// best-effort afterwards.
func (s *Service) EditFields(ctx context.Context, id string, fields map[string]record.Proposal) (*EditResult, error) {
	if err := s.checkShutdown(); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNoFields
	}
	ctx, span := StartSpan(ctx, "consultation.edit", id)
	defer span.End()

	e, err := s.lookup(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.writeMu.RLock()
	defer e.writeMu.RUnlock()

	if err := s.checkWritable(ctx, "edit", e); err != nil {
		return nil, err
	}

	result := record.ExtractionResult{
		Fields:      fields,
		Phase:       "edit",
		ExtractedAt: s.now().UTC(),
	}
	var out merge.Outcome
	rec, changed, err := e.guard.Update(ctx, func(cur record.Record) (record.Record, bool, error) {
		out = s.engine.Apply(cur, result, merge.ModeExplicit)
		return out.Record, out.Changed, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("edit fields: %w", err)
	}

	accepted := len(out.Accepted())
	s.metrics.RecordEdit(ctx, accepted)
	s.logger.Info("fields edited",
		zap.String("session_id", id),
		zap.Int("proposed", len(fields)),
		zap.Int("accepted", accepted),
		zap.Int64("version", rec.Version))

	if changed {
		if err := s.store.Persist(ctx, id, rec, e.log.All(), store.Meta{}); err != nil && !errors.Is(err, store.ErrStaleRecord) {
			s.logger.Warn("persist after edit failed",
				zap.String("session_id", id),
				zap.Error(err))
		}
	}

	return &EditResult{Decisions: out.Decisions, Snapshot: s.snapshot(e)}, nil
}

// Snapshot returns the committed view of a session.
func (s *Service) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(e), nil
}

// Messages returns the session's dialogue in order.
func (s *Service) Messages(ctx context.Context, id string) ([]dialogue.Message, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.log.All(), nil
}

// Live returns the ids of sessions held in memory.
func (s *Service) Live() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Confirm finalizes a REVIEWING session as CONFIRMED.
func (s *Service) Confirm(ctx context.Context, id string) (*finalize.Result, error) {
	return s.RequestFinalize(ctx, id, finalize.ReasonConfirm)
}

// Decline finalizes a session as DECLINED.
func (s *Service) Decline(ctx context.Context, id string) (*finalize.Result, error) {
	return s.RequestFinalize(ctx, id, finalize.ReasonDecline)
}

// Disconnect finalizes a session whose transport went away.
func (s *Service) Disconnect(ctx context.Context, id string) (*finalize.Result, error) {
	return s.RequestFinalize(ctx, id, finalize.ReasonDisconnect)
}

// RequestFinalize runs the finalize sequence for the session, or joins the
// run in progress. Calls on a finalized session return its result.
//
// If ctx ends before the run completes, RequestFinalize returns ctx.Err()
// and the run completes in the background.
func (s *Service) RequestFinalize(ctx context.Context, id string, reason finalize.Reason) (*finalize.Result, error) {
	ctx, span := StartSpan(ctx, "consultation.finalize", id)
	defer span.End()

	e, err := s.lookup(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Writes that already passed their checks commit before the run starts.
	e.writeMu.Lock()
	e.finalizers++
	e.writeMu.Unlock()
	defer func() {
		e.writeMu.Lock()
		e.finalizers--
		e.writeMu.Unlock()
	}()

	s.publish(e)
	res, err := s.pipeline.Finalize(ctx, s.target(e), reason)
	switch {
	case err == nil:
		s.release(e, res)
		return res, nil
	case ctx.Err() != nil:
		go s.settle(e)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "finalize failed")
		s.publish(e)
	}
	return res, err
}

// settle releases e once the background run completes.
func (s *Service) settle(e *entry) {
	res, err := s.pipeline.Await(s.base, e.session.ID)
	if err != nil {
		if !errors.Is(err, finalize.ErrNoRun) {
			s.logger.Warn("background finalize failed",
				zap.String("session_id", e.session.ID),
				zap.Error(err))
		}
		s.publish(e)
		return
	}
	s.release(e, res)
}

// release drops a finalized session from memory after pushing its final
// snapshot.
func (s *Service) release(e *entry, res *finalize.Result) {
	if res == nil || !res.State.IsTerminal() {
		return
	}
	e.setOutcome(res.Degraded, res.Warning)

	s.mu.Lock()
	cur, ok := s.sessions[e.session.ID]
	if ok && cur == e {
		delete(s.sessions, e.session.ID)
	}
	s.mu.Unlock()

	if ok && cur == e {
		s.metrics.RecordSessionReleased(context.Background())
		s.logger.Debug("session released",
			zap.String("session_id", e.session.ID),
			zap.String("state", string(res.State)))
	}
	e.subs.close(s.snapshot(e))
}

func (s *Service) target(e *entry) finalize.Target {
	return finalize.Target{
		Session:   e.session,
		Log:       e.log,
		Guard:     e.guard,
		Extractor: e.sched,
		Schema:    s.schema,
	}
}

// Shutdown stops accepting writes, finalizes every live session with reason
// disconnect, and waits for the runs to complete or ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShutdown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShutdown = true
	s.shutdownMu.Unlock()

	s.mu.Lock()
	live := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		live = append(live, e)
	}
	s.mu.Unlock()

	s.logger.Info("shutting down", zap.Int("live_sessions", len(live)))

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, e := range live {
		if e.session.State().IsTerminal() {
			continue
		}
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			if _, err := s.RequestFinalize(ctx, e.session.ID, finalize.ReasonDisconnect); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", e.session.ID, err))
				errMu.Unlock()
			}
		}(e)
	}
	wg.Wait()

	if err := s.pipeline.Wait(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, e := range live {
		e.sched.Stop()
	}
	return errors.Join(errs...)
}

func (s *Service) checkShutdown() error {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.isShutdown {
		return ErrShutdown
	}
	return nil
}

// checkWritable rejects writes to finalizing or finalized sessions. The
// caller holds e.writeMu for reading.
func (s *Service) checkWritable(ctx context.Context, op string, e *entry) error {
	if s.finalizing(e) {
		s.metrics.RecordRejected(ctx, op, "finalizing")
		return ErrFinalizing
	}
	if e.session.State().IsTerminal() {
		s.metrics.RecordRejected(ctx, op, "closed")
		return fmt.Errorf("%w: %s is %s", ErrSessionClosed, e.session.ID, e.session.State())
	}
	return nil
}

func (s *Service) finalizing(e *entry) bool {
	return e.finalizers > 0 || s.pipeline.Running(e.session.ID)
}

func (s *Service) lookup(ctx context.Context, id string) (*entry, error) {
	return s.acquire(ctx, id, false)
}

// acquire returns the live entry for id, restoring it from the store or
// creating it when create is set. Finalized sessions are returned without
// being held in memory. Store round trips run outside s.mu, and concurrent
// loads of one id share a single round trip.
func (s *Service) acquire(ctx context.Context, id string, create bool) (*entry, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if e, ok := s.live(id); ok {
		return e, nil
	}

	var err error
	for attempt := 0; attempt < maxLoadAttempts; attempt++ {
		var v any
		v, err, _ = s.loads.Do(id, func() (any, error) {
			return s.load(ctx, id, create)
		})
		if err == nil {
			return v.(*entry), nil
		}
		// A shared load started by a lookup never creates; try our own.
		if !create || !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	}
	return nil, err
}

// maxLoadAttempts bounds how often a creating caller re-runs a load that it
// shared with a non-creating lookup.
const maxLoadAttempts = 3

func (s *Service) live(id string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	return e, ok
}

// register holds e as the live entry for its id unless another entry got
// there first, in which case that entry is returned.
func (s *Service) register(e *entry) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[e.session.ID]; ok {
		return cur, false
	}
	s.sessions[e.session.ID] = e
	return e, true
}

func (s *Service) load(ctx context.Context, id string, create bool) (*entry, error) {
	if e, ok := s.live(id); ok {
		return e, nil
	}

	stored, err := s.store.LoadSession(ctx, id)
	switch {
	case err == nil:
		e, err := s.restore(ctx, stored)
		if err != nil {
			return nil, err
		}
		if e.session.State().IsTerminal() {
			return e, nil
		}
		e, added := s.register(e)
		if added {
			s.metrics.RecordSessionOpened(ctx, true)
			s.logger.Info("session restored",
				zap.String("session_id", id),
				zap.String("state", string(stored.State)),
				zap.Int("messages", e.log.Len()),
				zap.Int64("version", stored.Record.Version))
		}
		return e, nil

	case errors.Is(err, store.ErrNotFound):
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}

	default:
		return nil, err
	}

	createdAt := s.now().UTC()
	if err := s.store.CreateSession(ctx, id, createdAt); err != nil && !errors.Is(err, store.ErrExists) {
		return nil, err
	}
	e, added := s.register(s.newEntry(lifecycle.NewSession(id, createdAt), dialogue.NewLog(), record.New()))
	if added {
		s.metrics.RecordSessionOpened(ctx, false)
		s.logger.Info("session created", zap.String("session_id", id))
	}
	return e, nil
}

func (s *Service) restore(ctx context.Context, stored *store.Session) (*entry, error) {
	messages, err := s.store.LoadMessages(ctx, stored.ID)
	if err != nil {
		return nil, err
	}
	log, err := dialogue.Restore(messages)
	if err != nil {
		return nil, fmt.Errorf("restore dialogue of %s: %w", stored.ID, err)
	}

	sess := lifecycle.Restore(stored.ID, stored.State, stored.CreatedAt, stored.CompletedAt)
	e := s.newEntry(sess, log, stored.Record)
	if stored.Degraded {
		e.setOutcome(true, finalize.DegradedWarning)
	}
	if sess.State().IsTerminal() {
		e.sched.Stop()
	}
	return e, nil
}

func (s *Service) newEntry(sess *lifecycle.Session, log *dialogue.Log, rec record.Record) *entry {
	e := &entry{
		session: sess,
		log:     log,
		subs:    newSubscribers(),
	}
	e.guard = guard.New(rec,
		guard.WithLogger(s.logger),
		guard.WithCommitHook(func(record.Record) { s.publish(e) }))
	e.sched = scheduler.New(s.cfg.Scheduler, scheduler.Deps{
		Session:  sess,
		Log:      log,
		Adapter:  s.adapter,
		Engine:   s.engine,
		Guard:    e.guard,
		Detector: s.detector,
	},
		scheduler.WithLogger(s.logger),
		scheduler.WithContext(s.base),
		scheduler.WithMergeHook(s.mergeHook(sess.ID)))
	return e
}

func (s *Service) mergeHook(id string) scheduler.MergeHook {
	return func(kind string, result record.ExtractionResult, out merge.Outcome) {
		if ce := s.logger.Check(zap.DebugLevel, "merge decisions"); ce != nil {
			ce.Write(
				zap.String("session_id", id),
				zap.String("kind", kind),
				zap.Int64("window_start", result.WindowStart),
				zap.Int64("window_end", result.WindowEnd),
				zap.Int("accepted", len(out.Accepted())),
				zap.Int("decisions", len(out.Decisions)),
				zap.Int64("version", out.Record.Version))
		}
	}
}
