// Package llm provides generative model clients for the feedback pipeline.
//
// The pipeline issues three kinds of model calls (quality-gate
// classification, signal extraction, suggestion drafting), all through the
// same Client interface: one user prompt in, one text completion out.
// Responses are expected to be strict JSON, possibly wrapped in markdown
// code fences; DecodeJSON handles the stripping.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Default configuration values.
const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-3-5-sonnet-20241022"
	defaultOpenAIBaseURL    = "https://api.openai.com"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultMaxTokens        = 1024
	defaultTimeout          = 60 * time.Second
	defaultMaxRetries       = 3
	defaultBaseBackoff      = 1 * time.Second
)

// Rate limiter defaults: 50 requests per minute for both APIs.
const (
	defaultRateLimit = 50.0 / 60.0
	defaultBurst     = 5
)

// ErrNotConfigured indicates no model provider is configured.
var ErrNotConfigured = errors.New("no model provider configured")

// Config holds configuration for a model provider.
type Config struct {
	// Provider selects the implementation: "anthropic", "openai" or "disabled".
	Provider string

	// Model is the provider-specific model name.
	Model string

	// APIKey authenticates against the provider.
	APIKey string

	// BaseURL overrides the provider endpoint (testing, proxies).
	BaseURL string

	// Timeout is the per-request timeout in seconds.
	Timeout int

	// MaxRetries bounds transport-level retries per call.
	MaxRetries int
}

// Request is a single completion request.
type Request struct {
	// System is the fixed instruction/rubric for the call.
	System string

	// Prompt is the user message carrying the data.
	Prompt string

	// MaxTokens caps the completion length. Zero uses the default.
	MaxTokens int
}

// Usage reports token consumption for one call, recorded on the raw item
// for cost accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is a completed model call.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Client is the generative model boundary.
type Client interface {
	// Complete sends one prompt and returns the completion. Transport
	// failures are retried internally with exponential backoff; permanent
	// API errors are returned as-is.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Available reports whether the client is configured to make calls.
	Available() bool
}

// NewClient creates a model client based on configuration.
func NewClient(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "", "disabled":
		return &NoOpClient{}, nil
	case "anthropic":
		return newAnthropicClient(cfg)
	case "openai":
		return newOpenAIClient(cfg)
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}

// NoOpClient is the client used when no provider is configured. Callers
// check Available() and fall back to deterministic behavior.
type NoOpClient struct{}

// Complete always fails with ErrNotConfigured.
func (n *NoOpClient) Complete(ctx context.Context, req Request) (*Response, error) {
	return nil, ErrNotConfigured
}

// Available returns false for NoOpClient.
func (n *NoOpClient) Available() bool {
	return false
}

// newLimiter builds the shared per-client rate limiter.
func newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst)
}

// backoffFor returns the exponential backoff delay before the given attempt.
func backoffFor(attempt int) time.Duration {
	return defaultBaseBackoff * time.Duration(1<<(attempt-1))
}
