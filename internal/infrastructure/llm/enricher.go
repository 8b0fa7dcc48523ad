package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"IntelScanner/internal/governor"
	"IntelScanner/internal/ports"
)

const (
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 400
	defaultTimeout   = 30 * time.Second
	api              = "llm"
)

// ErrMissingAPIKey is returned by NewEnricher when no key is configured.
var ErrMissingAPIKey = errors.New("llm: api key is not configured")

// Config defines how to contact the chat-completions API.
type Config struct {
	APIKey       string
	Model        string
	BaseURL      string
	SystemPrompt string
	MaxTokens    int
	Timeout      time.Duration
}

// Enricher implements ports.Enricher on top of an OpenAI-compatible chat API.
type Enricher struct {
	client       openai.Client
	model        string
	systemPrompt string
	maxTokens    int
	logger       *slog.Logger
}

var _ ports.Enricher = (*Enricher)(nil)

// NewEnricher builds the client. Retries are left to the governor.
func NewEnricher(cfg Config, logger *slog.Logger) (*Enricher, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Enricher{
		client:       openai.NewClient(opts...),
		model:        cfg.Model,
		systemPrompt: safePrompt(cfg.SystemPrompt),
		maxTokens:    cfg.MaxTokens,
		logger:       logger,
	}, nil
}

// Enrich asks the model for a short analyst note. An empty reply means skip.
func (e *Enricher) Enrich(ctx context.Context, text string, hint ports.EnrichmentContext) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	params := openai.ChatCompletionNewParams{
		Model: e.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(e.systemPrompt),
			openai.UserMessage(userPrompt(text, hint)),
		},
		MaxCompletionTokens: openai.Int(int64(e.maxTokens)),
	}

	start := time.Now()
	resp, err := e.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}

	e.logger.Debug("enrichment completed",
		"model", e.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func userPrompt(text string, hint ports.EnrichmentContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Category: %s\n", hint.Category)
	fmt.Fprintf(&b, "Tier: %s\n", hint.Tier)
	fmt.Fprintf(&b, "Consensus: %s\n", hint.Consensus)
	fmt.Fprintf(&b, "Relevance score: %d\n", hint.Score)
	if len(hint.Concepts) > 0 {
		fmt.Fprintf(&b, "Concepts: %s\n", strings.Join(hint.Concepts, ", "))
	}
	b.WriteString("\n")
	b.WriteString(text)
	return b.String()
}

// classify maps API errors onto the governor's retry vocabulary.
func classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("chat completion: %w", err)
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return &governor.RateLimitError{API: api, Err: err}
	case apiErr.StatusCode == http.StatusRequestTimeout || apiErr.StatusCode >= 500:
		return fmt.Errorf("chat completion: %w", err)
	default:
		return governor.Permanent(fmt.Errorf("chat completion: %w", err))
	}
}

func safePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "You are a geopolitical and markets analyst. In at most three sentences, state what " +
			"happened, who is exposed and what to watch next. Reply with an empty message if the text " +
			"carries no actionable signal."
	}
	return prompt
}
