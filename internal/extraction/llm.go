package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/consultd/internal/dialogue"
	"github.com/fyrsmithlabs/consultd/internal/record"
)

// Default configuration values.
const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-3-5-sonnet-20241022"
	defaultOpenAIBaseURL    = "https://api.openai.com"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultMaxTokens        = 1024
	maxResponseBytes        = 1 << 20
)

// Rate limiter defaults: 50 requests per minute for both APIs.
const (
	defaultRequestsPerMinute = 50.0
	defaultBurst             = 5
)

// LLMAdapter implements Adapter over a hosted chat model.
type LLMAdapter struct {
	provider   string
	model      string
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewLLMAdapter creates an adapter for the anthropic or openai provider.
// Call deadlines come from the context passed to Extract.
func NewLLMAdapter(cfg Config, logger *zap.Logger) (*LLMAdapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &LLMAdapter{
		provider:   cfg.Provider,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{},
		logger:     logger.Named("extraction"),
	}

	switch cfg.Provider {
	case ProviderAnthropic:
		if a.model == "" {
			a.model = defaultAnthropicModel
		}
		if a.baseURL == "" {
			a.baseURL = defaultAnthropicBaseURL
		}
	case ProviderOpenAI:
		if a.model == "" {
			a.model = defaultOpenAIModel
		}
		if a.baseURL == "" {
			a.baseURL = defaultOpenAIBaseURL
		}
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s API key required", cfg.Provider)
	}
	if a.maxTokens <= 0 {
		a.maxTokens = defaultMaxTokens
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = defaultRequestsPerMinute
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	a.limiter = rate.NewLimiter(rate.Limit(rpm/60.0), burst)

	return a, nil
}

// Provider returns the configured provider name.
func (a *LLMAdapter) Provider() string {
	return a.provider
}

// anthropicRequest represents the request format for Claude API.
type anthropicRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []chatMessage `json:"messages"`
	System      string        `json:"system,omitempty"`
	Temperature float64       `json:"temperature"`
}

// anthropicResponse represents the response from Claude API.
type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// anthropicError represents an error response from Claude API.
type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// openAIRequest represents the request format for OpenAI Chat API.
type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

// openAIResponse represents the response from OpenAI Chat API.
type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// openAIError represents an error response from OpenAI API.
type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// extractPrompt is the system prompt for field extraction.
const extractPrompt = `You extract facts about a business from a consultation transcript.

Fields to fill (name: kind):
%s

Rules:
- Only report a field when the transcript states it. Omit every other field.
- Never guess, never use placeholders such as "unknown" or "n/a".
- "scalar" fields take a string, "set" fields take an array of strings.
- You may wrap a value as {"value": ..., "confidence": 0.0-1.0}.

Respond ONLY with a JSON object of the form {"fields": {...}}.`

// Extract sends the window to the model and parses its field map.
func (a *LLMAdapter) Extract(ctx context.Context, window []dialogue.Message, schema *record.Schema) (map[string]record.Proposal, error) {
	if len(window) == 0 {
		return map[string]record.Proposal{}, nil
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, a.classify(ctx, fmt.Errorf("rate limiter error: %w", err))
	}

	system := fmt.Sprintf(extractPrompt, describeSchema(schema))
	transcript := formatTranscript(window)

	var (
		text string
		err  error
	)
	switch a.provider {
	case ProviderAnthropic:
		text, err = a.doAnthropic(ctx, anthropicRequest{
			Model:       a.model,
			MaxTokens:   a.maxTokens,
			Temperature: 0,
			System:      system,
			Messages:    []chatMessage{{Role: "user", Content: transcript}},
		})
	default:
		text, err = a.doOpenAI(ctx, openAIRequest{
			Model:       a.model,
			MaxTokens:   a.maxTokens,
			Temperature: 0,
			Messages: []chatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: transcript},
			},
		})
	}
	if err != nil {
		return nil, a.classify(ctx, err)
	}

	fields, err := ParseFields(text)
	if err != nil {
		return nil, &AdapterError{Provider: a.provider, Err: err}
	}

	a.logger.Debug("extraction parsed",
		zap.Int("window", len(window)),
		zap.Int("fields", len(fields)))
	return fields, nil
}

// classify converts a transport error into a typed failure.
func (a *LLMAdapter) classify(ctx context.Context, err error) error {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Provider: a.provider, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &AdapterError{Provider: a.provider, Err: err}
	}
	return &AdapterError{Provider: a.provider, Retryable: true, Err: err}
}

func (a *LLMAdapter) doAnthropic(ctx context.Context, req anthropicRequest) (string, error) {
	body, err := a.post(ctx, "/v1/messages", req, func(r *http.Request) {
		r.Header.Set("X-API-Key", a.apiKey)
		r.Header.Set("Anthropic-Version", "2023-06-01")
	}, func(body []byte) string {
		var e anthropicError
		if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
			return e.Error.Message
		}
		return string(body)
	})
	if err != nil {
		return "", err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &AdapterError{Provider: a.provider, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if len(resp.Content) == 0 {
		return "", &AdapterError{Provider: a.provider, Err: errors.New("empty response from API")}
	}
	return resp.Content[0].Text, nil
}

func (a *LLMAdapter) doOpenAI(ctx context.Context, req openAIRequest) (string, error) {
	body, err := a.post(ctx, "/v1/chat/completions", req, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+a.apiKey)
	}, func(body []byte) string {
		var e openAIError
		if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
			return e.Error.Message
		}
		return string(body)
	})
	if err != nil {
		return "", err
	}

	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &AdapterError{Provider: a.provider, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return "", &AdapterError{Provider: a.provider, Err: errors.New("empty response from API")}
	}
	return resp.Choices[0].Message.Content, nil
}

func (a *LLMAdapter) post(ctx context.Context, path string, payload any, auth func(*http.Request), apiMessage func([]byte) string) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, &AdapterError{Provider: a.provider, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, &AdapterError{Provider: a.provider, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	auth(httpReq)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &AdapterError{Provider: a.provider, StatusCode: resp.StatusCode, Retryable: true, Err: errors.New("rate limited")}
	case resp.StatusCode >= 500:
		return nil, &AdapterError{Provider: a.provider, StatusCode: resp.StatusCode, Retryable: true, Err: errors.New(apiMessage(body))}
	case resp.StatusCode != http.StatusOK:
		return nil, &AdapterError{Provider: a.provider, StatusCode: resp.StatusCode, Err: errors.New(apiMessage(body))}
	}
	return body, nil
}

// describeSchema lists declared names with their kinds, one per line.
func describeSchema(schema *record.Schema) string {
	kinds := schema.Kinds()
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s", name, kinds[name])
		if spec, ok := schema.Resolve(name); ok && spec.Description != "" && spec.Name == name {
			fmt.Fprintf(&b, " (%s)", spec.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatTranscript renders the window with secrets scrubbed.
func formatTranscript(window []dialogue.Message) string {
	var b strings.Builder
	for _, m := range window {
		role := "Assistant"
		if m.Role == dialogue.RoleSubject {
			role = "Client"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, scrubSecrets(m.Content))
	}
	return b.String()
}

var codeFence = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")

// placeholders are values models emit instead of omitting a field.
var placeholders = map[string]struct{}{
	"unknown": {}, "n/a": {}, "na": {}, "none": {}, "null": {}, "not provided": {},
	"not specified": {}, "not mentioned": {}, "-": {}, "tbd": {},
}

// ParseFields decodes a model response into proposals. It accepts a bare
// object or one wrapped in {"fields": ...}, optionally inside a code fence.
func ParseFields(content string) (map[string]record.Proposal, error) {
	content = strings.TrimSpace(content)
	if m := codeFence.FindStringSubmatch(content); m != nil {
		content = m[1]
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %w", err)
	}
	if inner, ok := raw["fields"].(map[string]any); ok {
		raw = inner
	}

	out := make(map[string]record.Proposal, len(raw))
	for name, v := range raw {
		p, ok := toProposal(v)
		if !ok || p.IsEmpty() {
			continue
		}
		out[name] = p
	}
	return out, nil
}

func toProposal(v any) (record.Proposal, bool) {
	switch val := v.(type) {
	case map[string]any:
		inner, ok := val["value"]
		if !ok {
			return record.Proposal{}, false
		}
		p, ok := toProposal(inner)
		if !ok {
			return p, false
		}
		if c, ok := val["confidence"].(float64); ok && c > 0 && c <= 1 {
			p.Confidence = c
		}
		return p, true
	case []any:
		items := make([]string, 0, len(val))
		for _, it := range val {
			if s, ok := scalarString(it); ok {
				items = append(items, s)
			}
		}
		if len(items) == 0 {
			return record.Proposal{}, false
		}
		return record.Proposal{Items: items}, true
	default:
		s, ok := scalarString(val)
		if !ok {
			return record.Proposal{}, false
		}
		return record.Proposal{Text: s}, true
	}
}

func scalarString(v any) (string, bool) {
	var s string
	switch val := v.(type) {
	case string:
		s = strings.TrimSpace(val)
	case float64:
		s = strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(val)
	default:
		return "", false
	}
	if s == "" {
		return "", false
	}
	if _, ok := placeholders[strings.ToLower(s)]; ok {
		return "", false
	}
	return s, true
}

// scrubSecrets removes common secret patterns from content before sending to API.
func scrubSecrets(content string) string {
	result := content
	for _, p := range secretPatterns {
		result = p.regex.ReplaceAllString(result, p.replacement)
	}
	return result
}

// secretPatterns are applied in order, more specific first.
var secretPatterns = []struct {
	regex       *regexp.Regexp
	replacement string
}{
	{
		regexp.MustCompile(`(OPENAI_API_KEY|ANTHROPIC_API_KEY|GITHUB_TOKEN|AWS_SECRET_ACCESS_KEY)\s*=\s*([^\s]+)`),
		"$1=[REDACTED:ENV_SECRET]",
	},
	{
		regexp.MustCompile(`sk-ant-[a-zA-Z0-9-]{20,}`),
		"[REDACTED:ANTHROPIC_KEY]",
	},
	{
		regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
		"[REDACTED:OPENAI_KEY]",
	},
	{
		regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*["']?\s*([^"'\s]{8,})["']?`),
		"$1=[REDACTED:API_KEY]",
	},
	{
		regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.=]{20,}`),
		"[REDACTED:BEARER_TOKEN]",
	},
	{
		regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*["']?\s*([^"'\s]{4,})["']?`),
		"$1=[REDACTED:PASSWORD]",
	},
}

// Ensure interfaces are implemented.
var _ Adapter = (*LLMAdapter)(nil)
