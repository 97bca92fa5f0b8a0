// Package llm is the completion provider: a thin OpenAI-compatible chat
// client with its own retry and backoff policy.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Role of a chat message sent to the provider.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prompt entry.
type Message struct {
	Role    Role
	Content string
}

// Config holds completion provider configuration.
type Config struct {
	// Provider is a display label used in logs and errors (e.g. "openai").
	Provider string `yaml:"provider"`

	// BaseURL overrides the API endpoint for OpenAI-compatible servers.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates requests. Usually resolved from the keyring or
	// OPENAI_API_KEY rather than written in the file.
	APIKey string `yaml:"api_key"`

	// Model is the chat model name.
	Model string `yaml:"model"`

	// MaxResponseTokens caps every reply.
	MaxResponseTokens int `yaml:"max_response_tokens"`

	// MaxAttempts is the number of tries per completion.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the delay before the second attempt. It doubles on
	// each further attempt.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// RequestTimeout bounds a single HTTP attempt.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:          "openai",
		Model:             "gpt-4o-mini",
		MaxResponseTokens: 400,
		MaxAttempts:       5,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		RequestTimeout:    60 * time.Second,
	}
}

// Client calls the chat completions endpoint.
type Client struct {
	cfg    Config
	api    openai.Client
	logger *slog.Logger
}

// New creates a Client. The SDK's built-in retries are disabled; Complete
// owns the retry policy.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.Provider == "" {
		cfg.Provider = defaults.Provider
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.MaxResponseTokens <= 0 {
		cfg.MaxResponseTokens = defaults.MaxResponseTokens
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.RequestTimeout),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		cfg:    cfg,
		api:    openai.NewClient(opts...),
		logger: logger.With("component", "llm", "provider", cfg.Provider, "model", cfg.Model),
	}
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Complete sends messages and returns the trimmed reply. maxTokens <= 0 uses
// MaxResponseTokens. Transient failures are retried with exponential backoff;
// auth, billing, context and bad-request errors fail at once. After the last
// attempt the error wraps ErrExhausted.
func (c *Client) Complete(ctx context.Context, messages []Message, maxTokens int) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("complete: no messages")
	}
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxResponseTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:     shared.ChatModel(c.cfg.Model),
		Messages:  buildMessages(messages),
		MaxTokens: openai.Int(int64(maxTokens)),
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		reply, err := c.completeOnce(ctx, params)
		if err == nil {
			return reply, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", fmt.Errorf("complete: %w", ctx.Err())
		}

		kind, retryAfter := classify(err)
		if !kind.Retryable() {
			c.logger.Warn("non-retryable completion error, failing immediately",
				"attempt", attempt+1,
				"kind", kind.String(),
				"error", err)
			return "", fmt.Errorf("%s (%s): %w", c.cfg.Provider, kind, err)
		}

		if attempt == c.cfg.MaxAttempts-1 {
			break
		}

		wait := c.backoff(attempt)
		if retryAfter > wait {
			wait = min(retryAfter, c.cfg.MaxBackoff)
		}

		c.logger.Info("retrying after retryable error",
			"attempt", attempt+1,
			"next_attempt", attempt+2,
			"kind", kind.String(),
			"backoff_ms", wait.Milliseconds(),
			"error", err)

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("context cancelled during backoff: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	c.logger.Error("completion failed after all attempts",
		"attempts", c.cfg.MaxAttempts,
		"error", lastErr)
	return "", fmt.Errorf("%w after %d attempts: %w", ErrExhausted, c.cfg.MaxAttempts, lastErr)
}

// completeOnce performs a single request.
func (c *Client) completeOnce(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion: no choices")
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", errors.New("empty completion")
	}
	return reply, nil
}

// backoff returns min(initial * 2^attempt, max).
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.InitialBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.MaxBackoff {
			return c.cfg.MaxBackoff
		}
	}
	return min(d, c.cfg.MaxBackoff)
}

func buildMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
