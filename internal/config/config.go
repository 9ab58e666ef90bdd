// Package config provides configuration loading for consultd.
//
// Configuration is layered: hardcoded defaults, then an optional YAML file,
// then CONSULTD_* environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Extraction providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderDisabled  = "disabled"
)

// Config holds the complete consultd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	Extraction    ExtractionConfig    `koanf:"extraction"`
	Scheduler     SchedulerConfig     `koanf:"scheduler"`
	Merge         MergeConfig         `koanf:"merge"`
	Finalize      FinalizeConfig      `koanf:"finalize"`
	Store         StoreConfig         `koanf:"store"`
	Notify        NotifyConfig        `koanf:"notify"`
	Review        ReviewConfig        `koanf:"review"`
	Schema        SchemaConfig        `koanf:"schema"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	TLSSkipVerify   bool    `koanf:"tls_skip_verify"`
	SampleRate      float64 `koanf:"sample_rate"`
	EnableMetrics   bool    `koanf:"enable_metrics"`
}

// LoggingConfig holds the logging settings exposed to operators.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	OTEL     bool   `koanf:"otel"`
	Sampling bool   `koanf:"sampling"`
}

// ExtractionConfig selects and configures the extraction adapter.
type ExtractionConfig struct {
	Provider          string  `koanf:"provider"`
	Model             string  `koanf:"model"`
	APIKey            Secret  `koanf:"api_key"`
	BaseURL           string  `koanf:"base_url"`
	MaxTokens         int     `koanf:"max_tokens"`
	RequestsPerMinute float64 `koanf:"requests_per_minute"`
	Burst             int     `koanf:"burst"`
}

// SchedulerConfig controls periodic extraction.
type SchedulerConfig struct {
	WindowSize      int      `koanf:"window_size"`
	MinInterval     Duration `koanf:"min_interval"`
	SignalThreshold float64  `koanf:"signal_threshold"`
	ExtractTimeout  Duration `koanf:"extract_timeout"`
	MaxRetries      int      `koanf:"max_retries"`
	BaseBackoff     Duration `koanf:"base_backoff"`
}

// MergeConfig controls the merge policy.
type MergeConfig struct {
	CorrectionMargin int `koanf:"correction_margin"`
}

// FinalizeConfig bounds the finalize sequence.
type FinalizeConfig struct {
	Timeout        Duration `koanf:"timeout"`
	PersistRetries int      `koanf:"persist_retries"`
	PersistBackoff Duration `koanf:"persist_backoff"`
	PersistGrace   Duration `koanf:"persist_grace"`
}

// StoreConfig locates the session database. An empty path keeps sessions
// in memory.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// NotifyConfig configures finalized-session notifications.
type NotifyConfig struct {
	Enabled       bool     `koanf:"enabled"`
	NATSURL       string   `koanf:"nats_url"`
	SubjectPrefix string   `koanf:"subject_prefix"`
	Timeout       Duration `koanf:"timeout"`
}

// ReviewConfig gates the move to review.
type ReviewConfig struct {
	MinCompletion float64 `koanf:"min_completion"`
}

// SchemaConfig optionally replaces the built-in field schema.
type SchemaConfig struct {
	Fields []FieldConfig `koanf:"fields"`
}

// FieldConfig declares one record field.
type FieldConfig struct {
	Name        string   `koanf:"name"`
	Kind        string   `koanf:"kind"`
	Correctable bool     `koanf:"correctable"`
	Aliases     []string `koanf:"aliases"`
	Description string   `koanf:"description"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9090,
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: false,
			ServiceName:     "consultd",
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			Insecure:        true,
			SampleRate:      1.0,
			EnableMetrics:   true,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Sampling: true,
		},
		Extraction: ExtractionConfig{
			Provider:          ProviderDisabled,
			MaxTokens:         1024,
			RequestsPerMinute: 60,
			Burst:             5,
		},
		Scheduler: SchedulerConfig{
			WindowSize:      12,
			MinInterval:     Duration(10 * time.Second),
			SignalThreshold: 0.3,
			ExtractTimeout:  Duration(30 * time.Second),
			MaxRetries:      2,
			BaseBackoff:     Duration(500 * time.Millisecond),
		},
		Merge: MergeConfig{
			CorrectionMargin: 1,
		},
		Finalize: FinalizeConfig{
			Timeout:        Duration(20 * time.Second),
			PersistRetries: 3,
			PersistBackoff: Duration(200 * time.Millisecond),
			PersistGrace:   Duration(5 * time.Second),
		},
		Store: StoreConfig{
			Path: "~/.config/consultd/sessions.db",
		},
		Notify: NotifyConfig{
			Enabled:       false,
			NATSURL:       "nats://localhost:4222",
			SubjectPrefix: "consultd.sessions",
			Timeout:       Duration(5 * time.Second),
		},
		Review: ReviewConfig{
			MinCompletion: 0.25,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	switch c.Extraction.Provider {
	case ProviderAnthropic, ProviderOpenAI:
		if !c.Extraction.APIKey.IsSet() {
			return fmt.Errorf("extraction.api_key is required for provider %q", c.Extraction.Provider)
		}
	case ProviderDisabled:
	default:
		return fmt.Errorf("unknown extraction provider %q (want %s, %s or %s)",
			c.Extraction.Provider, ProviderAnthropic, ProviderOpenAI, ProviderDisabled)
	}

	if c.Scheduler.WindowSize < 1 {
		return fmt.Errorf("scheduler.window_size must be >= 1, got %d", c.Scheduler.WindowSize)
	}
	if c.Scheduler.SignalThreshold < 0 || c.Scheduler.SignalThreshold > 1 {
		return fmt.Errorf("scheduler.signal_threshold must be between 0 and 1, got %f", c.Scheduler.SignalThreshold)
	}
	if c.Scheduler.ExtractTimeout <= 0 {
		return errors.New("scheduler.extract_timeout must be positive")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be >= 0, got %d", c.Scheduler.MaxRetries)
	}

	if c.Merge.CorrectionMargin < 1 {
		return fmt.Errorf("merge.correction_margin must be >= 1, got %d", c.Merge.CorrectionMargin)
	}

	if c.Finalize.Timeout <= 0 {
		return errors.New("finalize.timeout must be positive")
	}
	if c.Finalize.Timeout >= c.Scheduler.ExtractTimeout {
		return fmt.Errorf("finalize.timeout (%s) must be shorter than scheduler.extract_timeout (%s)",
			c.Finalize.Timeout.Duration(), c.Scheduler.ExtractTimeout.Duration())
	}
	if c.Finalize.PersistRetries < 0 {
		return fmt.Errorf("finalize.persist_retries must be >= 0, got %d", c.Finalize.PersistRetries)
	}

	if c.Notify.Enabled && c.Notify.NATSURL == "" {
		return errors.New("notify.nats_url is required when notifications are enabled")
	}

	if c.Review.MinCompletion < 0 || c.Review.MinCompletion > 1 {
		return fmt.Errorf("review.min_completion must be between 0 and 1, got %f", c.Review.MinCompletion)
	}

	return c.Schema.validate()
}

func (s SchemaConfig) validate() error {
	seen := make(map[string]bool)
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema.fields[%d]: name is required", i)
		}
		switch f.Kind {
		case "", "scalar", "set":
		default:
			return fmt.Errorf("schema.fields[%d]: unknown kind %q", i, f.Kind)
		}
		for _, name := range append([]string{f.Name}, f.Aliases...) {
			if seen[name] {
				return fmt.Errorf("schema.fields[%d]: %q declared more than once", i, name)
			}
			seen[name] = true
		}
	}
	return nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
