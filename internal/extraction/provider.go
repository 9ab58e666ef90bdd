package extraction

import (
	"fmt"

	"go.uber.org/zap"
)

// NewAdapter creates an adapter based on configuration. An empty or
// "disabled" provider yields NoopAdapter.
func NewAdapter(cfg Config, logger *zap.Logger) (Adapter, error) {
	switch cfg.Provider {
	case "", ProviderDisabled:
		return NoopAdapter{}, nil
	case ProviderAnthropic, ProviderOpenAI:
		return NewLLMAdapter(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}
