package logging

import (
	"testing"
	"time"

	"github.com/fyrsmithlabs/consultd/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewSampledCore_Disabled(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	sampled := newSampledCore(core, SamplingConfig{Enabled: false})
	assert.Equal(t, core, sampled)
}

func TestNewSampledCore_ErrorsNeverSampled(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := zap.New(newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.InfoLevel:  {Initial: 1, Thereafter: 0},
			zapcore.ErrorLevel: {Initial: 1, Thereafter: 0},
		},
	}))

	for i := 0; i < 50; i++ {
		logger.Error("persist failed")
	}
	assert.Equal(t, 50, observed.FilterMessage("persist failed").Len())
}

func TestNewSampledCore_PerLevelRates(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	logger := zap.New(newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.InfoLevel:  {Initial: 5, Thereafter: 0},
			zapcore.DebugLevel: {Initial: 2, Thereafter: 0},
		},
	}))

	for i := 0; i < 20; i++ {
		logger.Info("extraction scheduled")
		logger.Debug("merge decisions")
		logger.Warn("retrying")
	}

	assert.Equal(t, 5, observed.FilterMessage("extraction scheduled").Len())
	assert.Equal(t, 2, observed.FilterMessage("merge decisions").Len())
	assert.Equal(t, 20, observed.FilterMessage("retrying").Len(), "unlisted levels pass through")
}

func TestLevelFilterCore_With(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	filtered := newLevelFilterCore(core, func(l zapcore.Level) bool { return l >= zapcore.WarnLevel })
	logger := zap.New(filtered).With(zap.String("session_id", "s1"))

	logger.Info("hidden")
	logger.Warn("shown")

	assert.Equal(t, 0, observed.FilterMessage("hidden").Len())
	entries := observed.FilterMessage("shown").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "s1", entries[0].ContextMap()["session_id"])
	}
}
