// Package llm is the completion collaborator of the assistant: role-tagged
// turns in, text out. It talks to any OpenAI-compatible chat endpoint
// (OpenRouter by default) with a per-attempt timeout and bounded retry on
// transient failures.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// Defaults for an OpenRouter-backed client.
const (
	DefaultBaseURL     = "https://openrouter.ai/api/v1"
	DefaultModel       = "openai/gpt-4o-mini"
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
)

// Chat roles.
const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Config holds the connection settings of a Client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration // per attempt
	MaxAttempts int
}

// Client is an OpenAI-compatible chat completion client.
type Client struct {
	api         *openai.Client
	model       string
	timeout     time.Duration
	maxAttempts int
	backoffBase time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithBackoffBase sets the initial wait between attempts.
func WithBackoffBase(d time.Duration) ClientOption {
	return func(client *Client) {
		client.backoffBase = d
	}
}

// NewClient creates a client. Zero values in cfg fall back to the defaults.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	c := &Client{
		model:       cfg.Model,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: 500 * time.Millisecond,
		logger:      slog.Default(),
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}

	for _, opt := range opts {
		opt(c)
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if apiCfg.BaseURL == "" {
		apiCfg.BaseURL = DefaultBaseURL
	}
	if c.httpClient != nil {
		apiCfg.HTTPClient = c.httpClient
	}
	c.api = openai.NewClientWithConfig(apiCfg)

	return c
}

// Model returns the model name sent with every request.
func (c *Client) Model() string { return c.model }

// Complete sends the messages and returns the assistant's text. Transient
// failures are retried with exponential backoff up to the configured number
// of attempts; fatal failures and an empty completion return immediately.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("at least one message is required")
	}

	requestID := uuid.New().String()
	startedAt := time.Now()
	attempts := 0

	var content string
	op := func() error {
		attempts++
		text, err := c.attempt(ctx, messages)
		if err == nil {
			content = text
			return nil
		}
		if Retryable(err) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.backoffBase
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, retry, func(err error, wait time.Duration) {
		c.logger.Debug("Completion failed, retrying",
			"request_id", requestID,
			"attempt", attempts,
			"max_attempts", c.maxAttempts,
			"backoff", wait,
			"error", err)
	})
	if err != nil {
		c.logger.Warn("Completion failed",
			"request_id", requestID,
			"model", c.model,
			"attempts", attempts,
			"duration_ms", time.Since(startedAt).Milliseconds(),
			"error", err)
		return "", fmt.Errorf("complete with %s: %w", c.model, err)
	}

	c.logger.Debug("Completion succeeded",
		"request_id", requestID,
		"model", c.model,
		"attempts", attempts,
		"duration_ms", time.Since(startedAt).Milliseconds())
	return content, nil
}

func (c *Client) attempt(ctx context.Context, messages []Message) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := c.api.CreateChatCompletion(attemptCtx, req)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", &CallError{Status: http.StatusOK, Err: ErrEmptyCompletion}
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", &CallError{Status: http.StatusOK, Err: ErrEmptyCompletion}
	}
	return text, nil
}

// IsEmptyCompletion reports whether err came from a reply with no text.
func IsEmptyCompletion(err error) bool {
	return errors.Is(err, ErrEmptyCompletion)
}
