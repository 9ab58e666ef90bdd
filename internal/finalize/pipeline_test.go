package finalize

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/consultd/internal/dialogue"
	"github.com/fyrsmithlabs/consultd/internal/extraction"
	"github.com/fyrsmithlabs/consultd/internal/guard"
	"github.com/fyrsmithlabs/consultd/internal/lifecycle"
	"github.com/fyrsmithlabs/consultd/internal/logging"
	"github.com/fyrsmithlabs/consultd/internal/merge"
	"github.com/fyrsmithlabs/consultd/internal/notify"
	"github.com/fyrsmithlabs/consultd/internal/record"
	"github.com/fyrsmithlabs/consultd/internal/scheduler"
	"github.com/fyrsmithlabs/consultd/internal/store"
)

// flakyStore fails Persist while failing is set, and for the next failNext
// calls.
type flakyStore struct {
	store.Store
	failing  atomic.Bool
	failNext atomic.Int32
	attempts atomic.Int32
}

func (s *flakyStore) Persist(ctx context.Context, id string, rec record.Record, msgs []dialogue.Message, meta store.Meta) error {
	s.attempts.Add(1)
	if s.failing.Load() || s.failNext.Add(-1) >= 0 {
		return &store.PersistenceError{Op: "persist", SessionID: id, Err: errors.New("database is locked")}
	}
	return s.Store.Persist(ctx, id, rec, msgs, meta)
}

type harness struct {
	schema   *record.Schema
	session  *lifecycle.Session
	log      *dialogue.Log
	guard    *guard.Guard
	sched    *scheduler.Scheduler
	store    *flakyStore
	machine  *lifecycle.Machine
	notifier *notify.Recorder
	pipeline *Pipeline
	calls    atomic.Int32
	logger   *logging.TestLogger
}

func newHarness(t *testing.T, cfg Config, adapter extraction.AdapterFunc) *harness {
	t.Helper()
	h := &harness{
		schema:   record.DefaultSchema(),
		session:  lifecycle.NewSession("sess_fin", time.Now()),
		log:      dialogue.NewLog(),
		guard:    guard.New(record.New()),
		store:    &flakyStore{Store: store.NewMemoryStore()},
		notifier: notify.NewRecorder(),
		logger:   logging.NewTestLogger(),
	}
	require.NoError(t, h.store.CreateSession(context.Background(), h.session.ID, h.session.CreatedAt))

	counted := extraction.AdapterFunc(func(ctx context.Context, w []dialogue.Message, s *record.Schema) (map[string]record.Proposal, error) {
		h.calls.Add(1)
		return adapter(ctx, w, s)
	})
	h.sched = scheduler.New(scheduler.DefaultConfig(), scheduler.Deps{
		Session: h.session,
		Log:     h.log,
		Adapter: counted,
		Engine:  merge.NewEngine(h.schema),
		Guard:   h.guard,
	})
	h.machine = lifecycle.NewMachine(h.store)
	h.pipeline = New(h.store, h.machine, cfg,
		WithNotifier(h.notifier),
		WithLogger(h.logger.Underlying()))

	_, err := h.log.Append(dialogue.RoleAssistant, "Welcome! What's your business called?", "intro")
	require.NoError(t, err)
	_, err = h.log.Append(dialogue.RoleSubject, "It's Acme Plumbing, I'm Jo.", "intro")
	require.NoError(t, err)
	return h
}

func (h *harness) target() Target {
	return Target{Session: h.session, Log: h.log, Guard: h.guard, Extractor: h.sched, Schema: h.schema}
}

func (h *harness) review(t *testing.T) {
	t.Helper()
	_, err := h.machine.Transition(context.Background(), h.session, lifecycle.StateReviewing)
	require.NoError(t, err)
}

func acme(context.Context, []dialogue.Message, *record.Schema) (map[string]record.Proposal, error) {
	return map[string]record.Proposal{
		"company_name": record.Scalar("Acme Plumbing"),
		"contact_name": record.Scalar("Jo"),
	}, nil
}

func testConfig() Config {
	return Config{
		Timeout:        time.Second,
		PersistRetries: 2,
		PersistBackoff: time.Millisecond,
		PersistGrace:   time.Second,
		NotifyTimeout:  time.Second,
	}
}

func TestFinalize_Confirm(t *testing.T) {
	h := newHarness(t, testConfig(), acme)
	h.review(t)

	res, err := h.pipeline.Finalize(context.Background(), h.target(), ReasonConfirm)
	require.NoError(t, err)

	assert.Equal(t, lifecycle.StateConfirmed, res.State)
	assert.False(t, res.Degraded)
	assert.Empty(t, res.Warning)
	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, "Acme Plumbing", res.Fields["company_name"].Text)
	assert.Equal(t, 2, res.Messages)
	assert.False(t, res.FinalizedAt.IsZero())
	assert.True(t, h.sched.Stopped())
	assert.Equal(t, lifecycle.RuntimeIdle, h.session.Runtime())

	stored, err := h.store.LoadSession(context.Background(), h.session.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateConfirmed, stored.State)
	assert.Equal(t, "confirm", stored.FinalizeReason)
	assert.Equal(t, "Acme Plumbing", stored.Record.Fields["company_name"].Text)
	assert.Equal(t, 2, stored.MessageCount)

	require.True(t, h.notifier.WaitFor(1, time.Second))
	ev := h.notifier.Events()[0]
	assert.Equal(t, lifecycle.StateConfirmed, ev.State)
	assert.Equal(t, "confirm", ev.Reason)
	h.logger.AssertLogged(t, zapcore.InfoLevel, "finalize completed")
}

func TestFinalize_Idempotent(t *testing.T) {
	h := newHarness(t, testConfig(), acme)

	var wg sync.WaitGroup
	results := make([]*Result, 6)
	errs := make([]error, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reason := ReasonDecline
			if i%2 == 0 {
				reason = ReasonDisconnect
			}
			results[i], errs[i] = h.pipeline.Finalize(context.Background(), h.target(), reason)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, lifecycle.StateDeclined, results[i].State)
		assert.Equal(t, results[0].Version, results[i].Version)
	}
	assert.Equal(t, int32(1), h.calls.Load(), "exactly one final extraction")

	first, err := h.store.LoadSession(context.Background(), h.session.ID)
	require.NoError(t, err)

	// A later call is a no-op returning the persisted result.
	again, err := h.pipeline.Finalize(context.Background(), h.target(), ReasonConfirm)
	require.NoError(t, err)
	assert.Equal(t, first.Record.Version, again.Version)
	assert.Equal(t, first.State, again.State)

	second, err := h.store.LoadSession(context.Background(), h.session.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Record, second.Record)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)

	require.True(t, h.notifier.WaitFor(1, time.Second))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.notifier.Events(), 1, "exactly one finalized notification")
}

func TestFinalize_ConfirmRequiresReview(t *testing.T) {
	h := newHarness(t, testConfig(), acme)

	_, err := h.pipeline.Finalize(context.Background(), h.target(), ReasonConfirm)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
	assert.Equal(t, lifecycle.StateActive, h.session.State())
	assert.False(t, h.sched.Stopped())
	assert.Zero(t, h.calls.Load())
	assert.False(t, h.pipeline.Running(h.session.ID))
}

func TestFinalize_DisconnectTarget(t *testing.T) {
	tests := []struct {
		name   string
		review bool
		want   lifecycle.State
	}{
		{"during conversation", false, lifecycle.StateDeclined},
		{"during review", true, lifecycle.StateConfirmed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(), acme)
			if tt.review {
				h.review(t)
			}
			res, err := h.pipeline.Finalize(context.Background(), h.target(), ReasonDisconnect)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.State)
		})
	}
}

// Disconnect lands mid-extraction: the caller goes away, the adapter never
// answers within budget, and the committed snapshot is still persisted.
func TestFinalize_DisconnectMidExtraction(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	hang := func(ctx context.Context, _ []dialogue.Message, _ *record.Schema) (map[string]record.Proposal, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		time.Sleep(100 * time.Millisecond)
		return map[string]record.Proposal{"company_name": record.Scalar("Too Late Ltd")}, nil
	}
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	h := newHarness(t, cfg, hang)

	_, _, err := h.guard.Update(context.Background(), func(cur record.Record) (record.Record, bool, error) {
		out := merge.NewEngine(h.schema).Apply(cur, record.ExtractionResult{
			Fields: map[string]record.Proposal{"company_name": record.Scalar("Acme Plumbing")},
		}, merge.ModeExtraction)
		return out.Record, out.Changed, nil
	})
	require.NoError(t, err)

	transport, teardown := context.WithCancel(context.Background())
	go func() {
		<-started
		teardown()
	}()

	_, err = h.pipeline.Finalize(transport, h.target(), ReasonDisconnect)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, h.pipeline.Wait(context.Background()))
	res, err := h.pipeline.Finalize(context.Background(), h.target(), ReasonDisconnect)
	require.NoError(t, err)

	assert.Equal(t, lifecycle.StateDeclined, res.State)
	assert.True(t, res.Degraded)
	assert.Equal(t, DegradedWarning, res.Warning)
	assert.ErrorIs(t, res.Cause, ErrFinalizeTimeout)
	assert.Equal(t, "Acme Plumbing", res.Fields["company_name"].Text)

	stored, err := h.store.LoadSession(context.Background(), h.session.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateDeclined, stored.State)
	assert.True(t, stored.Degraded)
	assert.Equal(t, int64(1), stored.Record.Version)
	assert.Equal(t, "Acme Plumbing", stored.Record.Fields["company_name"].Text)

	// The abandoned call returns later but nothing merges after Stop.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int64(1), h.guard.Version())

	require.True(t, h.notifier.WaitFor(1, time.Second))
	assert.True(t, h.notifier.Events()[0].Degraded)
}

func TestFinalize_AdapterErrorDegrades(t *testing.T) {
	fail := func(context.Context, []dialogue.Message, *record.Schema) (map[string]record.Proposal, error) {
		return nil, &extraction.AdapterError{Provider: "test", Err: errors.New("bad output")}
	}
	h := newHarness(t, testConfig(), fail)

	res, err := h.pipeline.Finalize(context.Background(), h.target(), ReasonDecline)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.ErrorIs(t, res.Cause, extraction.ErrAdapter)
	assert.NotErrorIs(t, res.Cause, ErrFinalizeTimeout)
	assert.Equal(t, lifecycle.StateDeclined, res.State)
}

func TestFinalize_TransientAdapterErrorIsRetried(t *testing.T) {
	var attempts atomic.Int32
	flaky := func(ctx context.Context, w []dialogue.Message, s *record.Schema) (map[string]record.Proposal, error) {
		if attempts.Add(1) == 1 {
			return nil, &extraction.AdapterError{Provider: "test", Retryable: true, Err: errors.New("503")}
		}
		return acme(ctx, w, s)
	}
	cfg := testConfig()
	cfg.Timeout = 3 * time.Second
	h := newHarness(t, cfg, flaky)

	res, err := h.pipeline.Finalize(context.Background(), h.target(), ReasonDecline)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, int32(2), h.calls.Load())
	assert.Equal(t, "Acme Plumbing", res.Record.Fields["company_name"].Text)
}

func TestFinalize_PersistRetries(t *testing.T) {
	h := newHarness(t, testConfig(), acme)
	h.store.failNext.Store(2)

	res, err := h.pipeline.Finalize(context.Background(), h.target(), ReasonDecline)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateDeclined, res.State)
	assert.Equal(t, int32(3), h.store.attempts.Load())
	h.logger.AssertLogged(t, zapcore.WarnLevel, "persist failed, retrying")
}

func TestFinalize_PersistFailureLeavesSessionOpen(t *testing.T) {
	h := newHarness(t, testConfig(), acme)
	h.store.failing.Store(true)

	res, err := h.pipeline.Finalize(context.Background(), h.target(), ReasonDecline)
	require.Error(t, err)
	var pe *store.PersistenceError
	assert.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, store.ErrPersistence)
	assert.Equal(t, int32(3), h.store.attempts.Load())

	require.NotNil(t, res)
	assert.True(t, res.Degraded)
	assert.Equal(t, lifecycle.StateActive, res.State)
	assert.Equal(t, lifecycle.StateActive, h.session.State())
	assert.Equal(t, lifecycle.RuntimeError, h.session.Runtime())
	assert.False(t, h.pipeline.Running(h.session.ID))

	// Storage recovers: a retry finalizes and notifies once.
	h.store.failing.Store(false)
	res, err = h.pipeline.Finalize(context.Background(), h.target(), ReasonDecline)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateDeclined, res.State)

	require.True(t, h.notifier.WaitFor(1, time.Second))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.notifier.Events(), 1)
}

func TestFinalize_MissingRowIsCreated(t *testing.T) {
	h := newHarness(t, testConfig(), acme)
	h.store.Store = store.NewMemoryStore()
	h.machine = lifecycle.NewMachine(h.store)
	h.pipeline = New(h.store, h.machine, testConfig())

	res, err := h.pipeline.Finalize(context.Background(), h.target(), ReasonDecline)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateDeclined, res.State)

	stored, err := h.store.LoadSession(context.Background(), h.session.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateDeclined, stored.State)
}

func TestFinalize_RestoredTerminalSession(t *testing.T) {
	h := newHarness(t, testConfig(), acme)
	ctx := context.Background()

	rec := record.New()
	rec.Version = 4
	rec.Fields["company_name"] = record.FieldValue{Text: "Stored Co", EvidenceCount: 2}
	require.NoError(t, h.store.Persist(ctx, h.session.ID, rec, h.log.All(), store.Meta{FinalizeReason: "decline", Degraded: true}))
	done := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, h.store.UpdateState(ctx, h.session.ID, lifecycle.StateActive, lifecycle.StateDeclined, done))

	restored := h.target()
	restored.Session = lifecycle.Restore(h.session.ID, lifecycle.StateDeclined, h.session.CreatedAt, done)

	res, err := h.pipeline.Finalize(ctx, restored, ReasonDisconnect)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateDeclined, res.State)
	assert.Equal(t, ReasonDecline, res.Reason)
	assert.Equal(t, int64(4), res.Version)
	assert.Equal(t, "Stored Co", res.Fields["company_name"].Text)
	assert.True(t, res.Degraded)
	assert.True(t, done.Equal(res.FinalizedAt))
	assert.Zero(t, h.calls.Load())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.notifier.Events())
}

func TestTargetState(t *testing.T) {
	tests := []struct {
		reason  Reason
		current lifecycle.State
		want    lifecycle.State
		wantErr bool
	}{
		{ReasonConfirm, lifecycle.StateReviewing, lifecycle.StateConfirmed, false},
		{ReasonConfirm, lifecycle.StateActive, "", true},
		{ReasonConfirm, lifecycle.StatePaused, "", true},
		{ReasonDecline, lifecycle.StateActive, lifecycle.StateDeclined, false},
		{ReasonDecline, lifecycle.StatePaused, lifecycle.StateDeclined, false},
		{ReasonDecline, lifecycle.StateReviewing, lifecycle.StateDeclined, false},
		{ReasonDisconnect, lifecycle.StatePaused, lifecycle.StateDeclined, false},
		{ReasonDisconnect, lifecycle.StateReviewing, lifecycle.StateConfirmed, false},
		{Reason("shrug"), lifecycle.StateActive, "", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason)+"/"+string(tt.current), func(t *testing.T) {
			got, err := TargetState("s", tt.reason, tt.current)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseReason(t *testing.T) {
	r, err := ParseReason("disconnect")
	require.NoError(t, err)
	assert.Equal(t, ReasonDisconnect, r)

	_, err = ParseReason("later")
	assert.ErrorIs(t, err, ErrInvalidReason)
}
