package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/consultd/internal/dialogue"
	"github.com/fyrsmithlabs/consultd/internal/record"
)

func testWindow() []dialogue.Message {
	return []dialogue.Message{
		{Seq: 1, Role: dialogue.RoleAssistant, Content: "What is your business called?"},
		{Seq: 2, Role: dialogue.RoleSubject, Content: "Acme Plumbing. api_key=abcdef1234567890"},
	}
}

func TestNewLLMAdapter(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"anthropic", Config{Provider: ProviderAnthropic, APIKey: "sk-ant-test123"}, false},
		{"openai", Config{Provider: ProviderOpenAI, APIKey: "sk-test123"}, false},
		{"missing key", Config{Provider: ProviderAnthropic}, true},
		{"unknown provider", Config{Provider: "mystery", APIKey: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewLLMAdapter(tt.cfg, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cfg.Provider, a.Provider())
		})
	}
}

func TestNewAdapter_Disabled(t *testing.T) {
	a, err := NewAdapter(Config{Provider: ProviderDisabled}, nil)
	require.NoError(t, err)

	fields, err := a.Extract(context.Background(), testWindow(), record.DefaultSchema())
	require.NoError(t, err)
	assert.Empty(t, fields)

	_, err = NewAdapter(Config{Provider: "bogus"}, nil)
	assert.Error(t, err)
}

func TestLLMAdapter_AnthropicExtract(t *testing.T) {
	var gotBody anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("X-API-Key"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &gotBody))

		text := "```json\n{\"fields\": {\"company_name\": {\"value\": \"Acme Plumbing\", \"confidence\": 0.9}, \"services\": [\"repairs\", \"\"], \"budget\": \"unknown\"}}\n```"
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": text}},
		})
	}))
	defer server.Close()

	a, err := NewLLMAdapter(Config{Provider: ProviderAnthropic, APIKey: "sk-ant-test", BaseURL: server.URL}, nil)
	require.NoError(t, err)

	fields, err := a.Extract(context.Background(), testWindow(), record.DefaultSchema())
	require.NoError(t, err)

	assert.Equal(t, record.Proposal{Text: "Acme Plumbing", Confidence: 0.9}, fields["company_name"])
	assert.Equal(t, []string{"repairs"}, fields["services"].Items)
	assert.NotContains(t, fields, "budget")

	require.Len(t, gotBody.Messages, 1)
	assert.Contains(t, gotBody.Messages[0].Content, "Client: Acme Plumbing.")
	assert.NotContains(t, gotBody.Messages[0].Content, "abcdef1234567890")
	assert.Contains(t, gotBody.System, "contact_phone: scalar")
	assert.Contains(t, gotBody.System, "services: set")
}

func TestLLMAdapter_OpenAIExtract(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": `{"agent_name": "Alex"}`}}},
		})
	}))
	defer server.Close()

	a, err := NewLLMAdapter(Config{Provider: ProviderOpenAI, APIKey: "sk-test", BaseURL: server.URL}, nil)
	require.NoError(t, err)

	fields, err := a.Extract(context.Background(), testWindow(), record.DefaultSchema())
	require.NoError(t, err)
	assert.Equal(t, "Alex", fields["agent_name"].Text)
}

func TestLLMAdapter_Failures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"server error", http.StatusBadGateway, "upstream down", true},
		{"rate limited", http.StatusTooManyRequests, "", true},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"bad model"}}`, false},
		{"garbage output", http.StatusOK, `{"content":[{"type":"text","text":"I think the company is Acme"}]}`, false},
		{"empty content", http.StatusOK, `{"content":[]}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			a, err := NewLLMAdapter(Config{Provider: ProviderAnthropic, APIKey: "k", BaseURL: server.URL}, nil)
			require.NoError(t, err)

			fields, err := a.Extract(context.Background(), testWindow(), record.DefaultSchema())
			assert.Nil(t, fields)

			var ae *AdapterError
			require.ErrorAs(t, err, &ae)
			assert.ErrorIs(t, err, ErrAdapter)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestLLMAdapter_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	a, err := NewLLMAdapter(Config{Provider: ProviderAnthropic, APIKey: "k", BaseURL: server.URL}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = a.Extract(ctx, testWindow(), record.DefaultSchema())
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsRetryable(err))
}

func TestLLMAdapter_EmptyWindowSkipsCall(t *testing.T) {
	a, err := NewLLMAdapter(Config{Provider: ProviderAnthropic, APIKey: "k", BaseURL: "http://127.0.0.1:1"}, nil)
	require.NoError(t, err)

	fields, err := a.Extract(context.Background(), nil, record.DefaultSchema())
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestParseFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    map[string]record.Proposal
		wantErr bool
	}{
		{
			name:    "bare object",
			content: `{"company_name": "Acme", "goals": ["grow", "hire"]}`,
			want: map[string]record.Proposal{
				"company_name": {Text: "Acme"},
				"goals":        {Items: []string{"grow", "hire"}},
			},
		},
		{
			name:    "wrapped with numbers",
			content: `{"fields": {"budget": 5000, "language": null}}`,
			want:    map[string]record.Proposal{"budget": {Text: "5000"}},
		},
		{
			name:    "placeholders dropped",
			content: `{"company_name": "N/A", "industry": "  ", "goals": ["unknown"]}`,
			want:    map[string]record.Proposal{},
		},
		{
			name:    "confidence out of range ignored",
			content: `{"agent_name": {"value": "Alex", "confidence": 7}}`,
			want:    map[string]record.Proposal{"agent_name": {Text: "Alex"}},
		},
		{
			name:    "not json",
			content: "Sure! The company is Acme.",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFields(tt.content)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScrubSecrets(t *testing.T) {
	in := "key sk-ant-REDACTED and password: hunter22 and call 555-0100"
	out := scrubSecrets(in)
	assert.NotContains(t, out, "abcdefghijklmnopqrstuvwxyz")
	assert.NotContains(t, out, "hunter22")
	assert.Contains(t, out, "555-0100")
	assert.True(t, strings.Contains(out, "[REDACTED:ANTHROPIC_KEY]"))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.True(t, IsRetryable(&AdapterError{Retryable: true}))
	assert.False(t, IsRetryable(&AdapterError{}))
	assert.True(t, IsRetryable(&TimeoutError{}))
}
