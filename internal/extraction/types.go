package extraction

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/consultd/internal/dialogue"
	"github.com/fyrsmithlabs/consultd/internal/record"
)

// Adapter extracts field proposals from a dialogue window.
type Adapter interface {
	// Extract returns proposals keyed by declared field name. Fields without
	// evidence are absent from the map.
	Extract(ctx context.Context, window []dialogue.Message, schema *record.Schema) (map[string]record.Proposal, error)
}

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderDisabled  = "disabled"
)

// Config holds adapter configuration.
type Config struct {
	Provider          string  `json:"provider" koanf:"provider"`
	Model             string  `json:"model,omitempty" koanf:"model"`
	APIKey            string  `json:"-" koanf:"api_key"` // Never serialize API keys
	BaseURL           string  `json:"base_url,omitempty" koanf:"base_url"`
	MaxTokens         int     `json:"max_tokens,omitempty" koanf:"max_tokens"`
	RequestsPerMinute float64 `json:"requests_per_minute,omitempty" koanf:"requests_per_minute"`
	Burst             int     `json:"burst,omitempty" koanf:"burst"`
}

// Failure sentinels.
var (
	ErrTimeout = errors.New("extraction timed out")
	ErrAdapter = errors.New("extraction adapter failed")
)

// TimeoutError reports an adapter call that outlived its deadline.
type TimeoutError struct {
	Provider string
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s extraction timed out: %v", e.Provider, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ErrTimeout).
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// AdapterError reports a failed adapter call.
type AdapterError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *AdapterError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s extraction failed (%d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s extraction failed: %v", e.Provider, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ErrAdapter).
func (e *AdapterError) Is(target error) bool {
	return target == ErrAdapter
}

// IsRetryable reports whether err is worth another attempt. Timeouts are
// retryable; adapter errors say so themselves.
func IsRetryable(err error) bool {
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, window []dialogue.Message, schema *record.Schema) (map[string]record.Proposal, error)

// Extract calls f.
func (f AdapterFunc) Extract(ctx context.Context, window []dialogue.Message, schema *record.Schema) (map[string]record.Proposal, error) {
	return f(ctx, window, schema)
}

// NoopAdapter never finds evidence.
type NoopAdapter struct{}

// Extract returns an empty map.
func (NoopAdapter) Extract(context.Context, []dialogue.Message, *record.Schema) (map[string]record.Proposal, error) {
	return map[string]record.Proposal{}, nil
}

// Ensure interfaces are implemented.
var (
	_ Adapter = NoopAdapter{}
	_ Adapter = AdapterFunc(nil)
)
