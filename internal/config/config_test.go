package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v, want nil", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Extraction.Provider != ProviderDisabled {
		t.Errorf("Extraction.Provider = %q, want %q", cfg.Extraction.Provider, ProviderDisabled)
	}
	if cfg.Finalize.Timeout >= cfg.Scheduler.ExtractTimeout {
		t.Errorf("Finalize.Timeout %v must be below Scheduler.ExtractTimeout %v",
			cfg.Finalize.Timeout.Duration(), cfg.Scheduler.ExtractTimeout.Duration())
	}
	if cfg.Merge.CorrectionMargin != 1 {
		t.Errorf("Merge.CorrectionMargin = %d, want 1", cfg.Merge.CorrectionMargin)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:    "invalid port - too low",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "invalid server port",
		},
		{
			name:    "invalid port - too high",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "invalid shutdown timeout",
			mutate:  func(c *Config) { c.Server.ShutdownTimeout = 0 },
			wantErr: "shutdown timeout",
		},
		{
			name: "empty service name with telemetry",
			mutate: func(c *Config) {
				c.Observability.EnableTelemetry = true
				c.Observability.ServiceName = ""
			},
			wantErr: "service name",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Extraction.Provider = "llama" },
			wantErr: "unknown extraction provider",
		},
		{
			name:    "missing api key",
			mutate:  func(c *Config) { c.Extraction.Provider = ProviderOpenAI },
			wantErr: "extraction.api_key",
		},
		{
			name: "provider with api key",
			mutate: func(c *Config) {
				c.Extraction.Provider = ProviderAnthropic
				c.Extraction.APIKey = "sk-test"
			},
		},
		{
			name:    "zero window",
			mutate:  func(c *Config) { c.Scheduler.WindowSize = 0 },
			wantErr: "window_size",
		},
		{
			name:    "threshold out of range",
			mutate:  func(c *Config) { c.Scheduler.SignalThreshold = 1.5 },
			wantErr: "signal_threshold",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Scheduler.MaxRetries = -1 },
			wantErr: "max_retries",
		},
		{
			name:    "zero correction margin",
			mutate:  func(c *Config) { c.Merge.CorrectionMargin = 0 },
			wantErr: "correction_margin",
		},
		{
			name:    "finalize timeout not below extract timeout",
			mutate:  func(c *Config) { c.Finalize.Timeout = c.Scheduler.ExtractTimeout },
			wantErr: "must be shorter than scheduler.extract_timeout",
		},
		{
			name:    "zero finalize timeout",
			mutate:  func(c *Config) { c.Finalize.Timeout = 0 },
			wantErr: "finalize.timeout must be positive",
		},
		{
			name:    "negative persist retries",
			mutate:  func(c *Config) { c.Finalize.PersistRetries = -1 },
			wantErr: "persist_retries",
		},
		{
			name: "notify without url",
			mutate: func(c *Config) {
				c.Notify.Enabled = true
				c.Notify.NATSURL = ""
			},
			wantErr: "nats_url",
		},
		{
			name:    "review completion out of range",
			mutate:  func(c *Config) { c.Review.MinCompletion = -0.1 },
			wantErr: "min_completion",
		},
		{
			name: "schema field without name",
			mutate: func(c *Config) {
				c.Schema.Fields = []FieldConfig{{Kind: "scalar"}}
			},
			wantErr: "name is required",
		},
		{
			name: "schema unknown kind",
			mutate: func(c *Config) {
				c.Schema.Fields = []FieldConfig{{Name: "a", Kind: "list"}}
			},
			wantErr: "unknown kind",
		},
		{
			name: "schema alias collides with name",
			mutate: func(c *Config) {
				c.Schema.Fields = []FieldConfig{
					{Name: "contact_name"},
					{Name: "caller", Aliases: []string{"contact_name"}},
				}
			},
			wantErr: "declared more than once",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/.config/consultd/sessions.db", filepath.Join(home, ".config", "consultd", "sessions.db")},
		{"/var/lib/consultd.db", "/var/lib/consultd.db"},
		{"~other/file", "~other/file"},
		{"", ""},
	}
	for _, tt := range tests {
		got, err := ExpandHome(tt.in)
		if err != nil {
			t.Fatalf("ExpandHome(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if d.Duration() != 90*time.Second {
		t.Errorf("Duration = %v, want 1m30s", d.Duration())
	}
	if err := d.UnmarshalText([]byte("-5s")); err == nil {
		t.Error("UnmarshalText(-5s) error = nil, want error")
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("UnmarshalText(soon) error = nil, want error")
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("sk-live-123")

	if got := fmt.Sprintf("%s %v %#v", s, s, s); strings.Contains(got, "sk-live") {
		t.Errorf("formatted secret leaked value: %q", got)
	}
	b, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{s})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if strings.Contains(string(b), "sk-live") {
		t.Errorf("json leaked secret: %s", b)
	}
	if s.Value() != "sk-live-123" {
		t.Errorf("Value() = %q", s.Value())
	}
	if Secret("").IsSet() {
		t.Error("empty secret reports IsSet")
	}
}

func TestSecret_NotLeakedByDefaultDump(t *testing.T) {
	cfg := Default()
	cfg.Extraction.APIKey = "sk-dump"
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("json.Marshal(cfg) error = %v", err)
	}
	if strings.Contains(string(b), "sk-dump") {
		t.Error("config dump leaked api key")
	}
}
