package consultation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/consultd/internal/consultation"

// Metrics provides OpenTelemetry metrics for the session arena.
type Metrics struct {
	liveSessions   metric.Int64UpDownCounter
	messagesTotal  metric.Int64Counter
	editsTotal     metric.Int64Counter
	rejectedTotal  metric.Int64Counter
	restoredTotal  metric.Int64Counter
	subscribers    metric.Int64UpDownCounter
	droppedUpdates metric.Int64Counter

	initialized bool
}

// NewMetrics creates metrics with the provided meter.
// If meter is nil, uses the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.liveSessions, err = meter.Int64UpDownCounter(
		"consultation.sessions.live",
		metric.WithDescription("Number of sessions held in memory"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	m.messagesTotal, err = meter.Int64Counter(
		"consultation.messages.total",
		metric.WithDescription("Total number of dialogue turns appended"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	m.editsTotal, err = meter.Int64Counter(
		"consultation.edits.total",
		metric.WithDescription("Total number of explicit field edits applied"),
		metric.WithUnit("{edit}"),
	)
	if err != nil {
		return nil, err
	}

	m.rejectedTotal, err = meter.Int64Counter(
		"consultation.requests.rejected.total",
		metric.WithDescription("Total number of requests rejected by session state"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.restoredTotal, err = meter.Int64Counter(
		"consultation.sessions.restored.total",
		metric.WithDescription("Total number of sessions restored from the store"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	m.subscribers, err = meter.Int64UpDownCounter(
		"consultation.subscribers.count",
		metric.WithDescription("Number of active snapshot subscribers"),
		metric.WithUnit("{subscriber}"),
	)
	if err != nil {
		return nil, err
	}

	m.droppedUpdates, err = meter.Int64Counter(
		"consultation.snapshots.dropped.total",
		metric.WithDescription("Total number of snapshots dropped for slow subscribers"),
		metric.WithUnit("{snapshot}"),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordSessionOpened records a session entering memory.
func (m *Metrics) RecordSessionOpened(ctx context.Context, restored bool) {
	if m == nil || !m.initialized {
		return
	}
	m.liveSessions.Add(ctx, 1)
	if restored {
		m.restoredTotal.Add(ctx, 1)
	}
}

// RecordSessionReleased records a session leaving memory.
func (m *Metrics) RecordSessionReleased(ctx context.Context) {
	if m == nil || !m.initialized {
		return
	}
	m.liveSessions.Add(ctx, -1)
}

// RecordMessage records an appended turn.
func (m *Metrics) RecordMessage(ctx context.Context, role string) {
	if m == nil || !m.initialized {
		return
	}
	m.messagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordEdit records an explicit edit with the number of accepted fields.
func (m *Metrics) RecordEdit(ctx context.Context, accepted int) {
	if m == nil || !m.initialized {
		return
	}
	m.editsTotal.Add(ctx, int64(accepted))
}

// RecordRejected records a request refused because of session state.
func (m *Metrics) RecordRejected(ctx context.Context, op, reason string) {
	if m == nil || !m.initialized {
		return
	}
	m.rejectedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("reason", reason),
	))
}

// RecordSubscriber tracks subscriber count changes.
func (m *Metrics) RecordSubscriber(ctx context.Context, delta int64) {
	if m == nil || !m.initialized {
		return
	}
	m.subscribers.Add(ctx, delta)
}

// RecordDropped counts a snapshot dropped for a slow subscriber.
func (m *Metrics) RecordDropped(ctx context.Context) {
	if m == nil || !m.initialized {
		return
	}
	m.droppedUpdates.Add(ctx, 1)
}

// Tracer returns a tracer for the consultation package.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartSpan starts a span carrying the session id.
func StartSpan(ctx context.Context, name, sessionID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
}
