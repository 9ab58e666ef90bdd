package lifecycle

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/consultd/internal/lifecycle"

// Metrics provides OpenTelemetry metrics for session transitions.
type Metrics struct {
	transitionsTotal metric.Int64Counter
	rejectedTotal    metric.Int64Counter

	initialized bool
}

// NewMetrics creates metrics with the provided meter, or the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.transitionsTotal, err = meter.Int64Counter(
		"lifecycle.transitions.total",
		metric.WithDescription("Total number of applied session state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	m.rejectedTotal, err = meter.Int64Counter(
		"lifecycle.transitions.rejected.total",
		metric.WithDescription("Total number of rejected session state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordTransition records an applied transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to State) {
	if m == nil || !m.initialized {
		return
	}
	m.transitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

// RecordRejected records a rejected transition.
func (m *Metrics) RecordRejected(ctx context.Context, from, to State) {
	if m == nil || !m.initialized {
		return
	}
	m.rejectedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

// Tracer returns a tracer for the lifecycle package.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
