// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// Logging wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Dual output (stdout + OpenTelemetry)
//   - Context field injection (trace_id, session.id, request.id)
//   - Secret redaction by field name and value pattern
//   - Level-aware sampling (errors never sampled)
//
// # Usage
//
//	cfg := logging.FromConfig(appCfg.Logging, appCfg.Observability.ServiceName)
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, "sess_123")
//	logger.Info(ctx, "message appended", zap.Int("seq", 4))
//
// Domain packages take a plain *zap.Logger; pass Logger.Underlying() or
// Named(...).Underlying() to them.
//
// # Testing
//
// NewTestLogger records every entry for assertions:
//
//	tl := logging.NewTestLogger()
//	svc := consultation.NewService(..., consultation.WithLogger(tl.Underlying()))
//	tl.AssertLogged(t, zapcore.WarnLevel, "persist failed")
package logging
