package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/bdobrica/Kioku/common/retry"
	"github.com/bdobrica/Kioku/internal/kioku/apperr"
)

const (
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 30 * time.Second

	summaryMaxTokens = 512
	extractMaxTokens = 400
)

// Config configures the OpenAI-compatible client.
type Config struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// OpenAI implements Client with sashabaranov/go-openai. It is safe for
// concurrent use.
type OpenAI struct {
	client *openai.Client
	model  string
	retry  retry.Config
}

// NewOpenAI returns a client, or an error when no API key is configured.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAI{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.Model,
		retry: retry.Config{
			MaxAttempts:  cfg.MaxAttempts,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			ShouldRetry:  retryable,
		},
	}, nil
}

// Summarize asks the model to summarize transcript following instruction.
func (c *OpenAI) Summarize(ctx context.Context, transcript, instruction string) (string, error) {
	reply, err := c.complete(ctx, "llm.summarize", instruction, transcript, summaryMaxTokens)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// Extract asks the model for memory candidates found in text.
func (c *OpenAI) Extract(ctx context.Context, text string) ([]Candidate, error) {
	reply, err := c.complete(ctx, "llm.extract", ExtractSystemPrompt, text, extractMaxTokens)
	if err != nil {
		return nil, err
	}
	candidates, err := ParseCandidates(reply)
	if err != nil {
		return nil, apperr.Upstream("llm.extract", err)
	}
	return candidates, nil
}

func (c *OpenAI) complete(ctx context.Context, op, system, user string, maxTokens int) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   maxTokens,
		Temperature: 0.2,
	}
	resp, err := retry.Value(ctx, c.retry, func() (openai.ChatCompletionResponse, error) {
		return c.client.CreateChatCompletion(ctx, req)
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return "", apperr.Upstream(op, err)
	}
	if len(resp.Choices) == 0 {
		return "", apperr.Upstream(op, errors.New("no choices returned"))
	}
	return resp.Choices[0].Message.Content, nil
}

// retryable reports rate limiting, server errors, and transport failures.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

var _ Client = (*OpenAI)(nil)
