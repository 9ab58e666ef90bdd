package finalize

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Logger wraps zap.Logger with finalize-specific structured logging.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a Logger. If logger is nil, uses a no-op logger.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("finalize")}
}

// Started logs the start of a finalize run.
func (l *Logger) Started(ctx context.Context, sessionID string, reason Reason, from string) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, sessionID, reason)
	fields = append(fields, zap.String("from_state", from))
	l.logger.Info("finalize started", fields...)
}

// Completed logs a run that reached a terminal state.
func (l *Logger) Completed(ctx context.Context, res *Result, d time.Duration) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, res.SessionID, res.Reason)
	fields = append(fields,
		zap.String("state", string(res.State)),
		zap.Int64("version", res.Version),
		zap.Float64("completion", res.Completion),
		zap.Int("messages", res.Messages),
		zap.Bool("degraded", res.Degraded),
		zap.Duration("duration", d),
	)
	if res.Degraded {
		fields = append(fields, zap.NamedError("cause", res.Cause))
		l.logger.Warn("finalize completed degraded", fields...)
		return
	}
	l.logger.Info("finalize completed", fields...)
}

// ExtractionAbandoned logs a final extraction that did not contribute.
func (l *Logger) ExtractionAbandoned(ctx context.Context, sessionID string, reason Reason, err error) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, sessionID, reason)
	fields = append(fields, zap.Error(err))
	l.logger.Warn("final extraction abandoned, persisting committed snapshot", fields...)
}

// PersistRetry logs a failed persistence attempt that will be retried.
func (l *Logger) PersistRetry(ctx context.Context, sessionID string, attempt int, backoff time.Duration, err error) {
	if l == nil || l.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("session_id", sessionID),
		zap.Int("attempt", attempt),
		zap.Duration("backoff", backoff),
		zap.Error(err),
	}
	fields = append(fields, l.traceFields(ctx)...)
	l.logger.Warn("persist failed, retrying", fields...)
}

// Failed logs a run that left the session non-terminal.
func (l *Logger) Failed(ctx context.Context, sessionID string, reason Reason, stage string, err error) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, sessionID, reason)
	fields = append(fields, zap.String("stage", stage), zap.Error(err))
	l.logger.Error("finalize failed", fields...)
}

// Debug logs a debug message with context.
func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	if l == nil || l.logger == nil {
		return
	}
	allFields := l.traceFields(ctx)
	allFields = append(allFields, fields...)
	l.logger.Debug(msg, allFields...)
}

// Zap returns the underlying logger.
func (l *Logger) Zap() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}
	return l.logger
}

func (l *Logger) baseFields(ctx context.Context, sessionID string, reason Reason) []zap.Field {
	fields := []zap.Field{
		zap.String("session_id", sessionID),
		zap.String("reason", string(reason)),
	}
	return append(fields, l.traceFields(ctx)...)
}

// traceFields extracts trace context from the context.
func (l *Logger) traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}
	sc := span.SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}
