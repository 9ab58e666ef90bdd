package logging

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/consultd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
	assert.NotNil(t, logger.Underlying())
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestNewLogger_OTELWithoutProvider(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.OTEL = true

	_, err := NewLogger(cfg, nil)
	assert.Error(t, err, "no output is available without a provider")
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithSessionID(context.Background(), "sess_abc")
	ctx = WithRequestID(ctx, "req-1")
	tl.Info(ctx, "message appended", zap.Int("seq", 3))

	tl.AssertLogged(t, zapcore.InfoLevel, "message appended")
	tl.AssertField(t, "message appended", "session.id", "sess_abc")
	tl.AssertField(t, "message appended", "request.id", "req-1")
	tl.AssertField(t, "message appended", "seq", int64(3))
}

func TestLogger_TraceCorrelation(t *testing.T) {
	tl := NewTestLogger()

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	tl.Warn(ctx, "extraction slow")
	tl.AssertField(t, "extraction slow", "trace_id", "0102030405060708090a0b0c0d0e0f10")
	tl.AssertField(t, "extraction slow", "trace_sampled", true)
}

func TestLogger_Levels(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Trace(ctx, "raw response")
	tl.Debug(ctx, "debug")
	tl.Error(ctx, "boom")

	tl.AssertLogged(t, TraceLevel, "raw response")
	tl.AssertLogged(t, zapcore.DebugLevel, "debug")
	tl.AssertLogged(t, zapcore.ErrorLevel, "boom")
	tl.AssertNotLogged(t, zapcore.WarnLevel, "boom")

	tl.Reset()
	assert.Empty(t, tl.All())
}

func TestLogger_WithAndNamed(t *testing.T) {
	tl := NewTestLogger()

	child := tl.Named("finalize").With(zap.String("component", "pipeline"))
	child.Info(context.Background(), "finalized")

	entries := tl.FilterMessage("finalized").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "finalize", entries[0].LoggerName)
	assert.Equal(t, "pipeline", entries[0].ContextMap()["component"])
}

func TestLogger_FromContext(t *testing.T) {
	nop := FromContext(context.Background())
	require.NotNil(t, nop)
	nop.Info(context.Background(), "dropped")

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(ctx, "kept")
	tl.AssertLogged(t, zapcore.InfoLevel, "kept")
}

func TestWithSessionID_Truncates(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	ctx := WithSessionID(context.Background(), string(long))
	assert.Len(t, SessionIDFromContext(ctx), maxIDLen)
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.LoggingConfig{
		Level:    "debug",
		Format:   "console",
		OTEL:     true,
		Sampling: false,
	}, "consultd-staging")

	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.True(t, cfg.Output.OTEL)
	assert.True(t, cfg.Output.Stdout)
	assert.False(t, cfg.Sampling.Enabled)
	assert.Equal(t, "consultd-staging", cfg.Fields["service"])
	assert.NoError(t, cfg.Validate())

	fallback := FromConfig(config.LoggingConfig{Level: "nope"}, "")
	assert.Equal(t, zapcore.InfoLevel, fallback.Level)
	assert.Equal(t, "json", fallback.Format)
	assert.Equal(t, "consultd", fallback.Fields["service"])
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no outputs", func(c *Config) { c.Output.Stdout = false }},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }},
		{"negative caller skip", func(c *Config) { c.Caller.Skip = -1 }},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }},
		{"empty field key", func(c *Config) { c.Fields[""] = "x" }},
		{"empty field value", func(c *Config) { c.Fields["env"] = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, NewDefaultConfig().Validate())
}
