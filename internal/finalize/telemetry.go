package finalize

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/consultd/internal/finalize"

// Metrics provides OpenTelemetry metrics for finalization.
type Metrics struct {
	finalizedTotal    metric.Int64Counter
	degradedTotal     metric.Int64Counter
	failedTotal       metric.Int64Counter
	persistRetryTotal metric.Int64Counter
	inFlight          metric.Int64UpDownCounter
	duration          metric.Float64Histogram

	initialized bool
}

// NewMetrics creates finalize metrics with the provided meter.
// If meter is nil, uses the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.finalizedTotal, err = meter.Int64Counter(
		"finalize.completed.total",
		metric.WithDescription("Total number of sessions finalized"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	m.degradedTotal, err = meter.Int64Counter(
		"finalize.degraded.total",
		metric.WithDescription("Total number of finalizations that persisted a degraded snapshot"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	m.failedTotal, err = meter.Int64Counter(
		"finalize.failed.total",
		metric.WithDescription("Total number of finalizations that could not persist"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	m.persistRetryTotal, err = meter.Int64Counter(
		"finalize.persist.retries.total",
		metric.WithDescription("Total number of persistence retries during finalization"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	m.inFlight, err = meter.Int64UpDownCounter(
		"finalize.in_flight.count",
		metric.WithDescription("Number of finalize sequences currently running"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	m.duration, err = meter.Float64Histogram(
		"finalize.duration.seconds",
		metric.WithDescription("Duration of finalize sequences in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 30),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordStarted marks a run as in flight.
func (m *Metrics) RecordStarted(ctx context.Context) {
	if m == nil || !m.initialized {
		return
	}
	m.inFlight.Add(ctx, 1)
}

// RecordFinished records a completed run. Session ids are left out of
// metric attributes; correlate through traces and logs.
func (m *Metrics) RecordFinished(ctx context.Context, reason Reason, state string, degraded bool, d time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("reason", string(reason)),
		attribute.String("state", state),
	)
	m.inFlight.Add(ctx, -1)
	m.finalizedTotal.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
	if degraded {
		m.degradedTotal.Add(ctx, 1, attrs)
	}
}

// RecordFailed records a run that left the session non-terminal.
func (m *Metrics) RecordFailed(ctx context.Context, reason Reason, stage string, d time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("reason", string(reason)),
		attribute.String("stage", stage),
	)
	m.inFlight.Add(ctx, -1)
	m.failedTotal.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

// RecordPersistRetry counts one persistence retry.
func (m *Metrics) RecordPersistRetry(ctx context.Context) {
	if m == nil || !m.initialized {
		return
	}
	m.persistRetryTotal.Add(ctx, 1)
}

// Tracer returns a tracer for the finalize package.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartSpan starts a span carrying the session id and reason.
func StartSpan(ctx context.Context, name, sessionID string, reason Reason) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String("finalize.session_id", sessionID),
		attribute.String("finalize.reason", string(reason)),
	))
}
