// Package llm abstracts chat-completion providers behind a single
// non-streaming Generate call used by the agent loop.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/argus-ops/argus/internal/config"
	"github.com/argus-ops/argus/internal/observability"
	"github.com/argus-ops/argus/internal/tools"
	"github.com/argus-ops/argus/pkg/models"
)

// ErrNotConfigured is returned when a provider has no API key.
var ErrNotConfigured = errors.New("llm provider not configured")

// Request is one model call. Tools may be empty for plain generations
// such as summarization.
type Request struct {
	System   string
	Messages []models.ChatMessage
	Tools    []tools.Tool
}

// Response is the provider-agnostic result of one model call.
type Response struct {
	Content      string
	ToolCalls    []models.ToolCall
	Usage        *models.TokenUsage
	FinishReason string
}

// Client is the provider contract.
type Client interface {
	// IsAvailable reports whether the provider can accept calls.
	IsAvailable() bool

	// Generate performs one chat completion.
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Option configures a provider.
type Option func(*providerOptions)

type providerOptions struct {
	logger  *slog.Logger
	metrics *observability.Metrics
}

// WithLogger sets the provider logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *providerOptions) { o.logger = logger }
}

// WithMetrics attaches Prometheus metrics for call accounting.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *providerOptions) { o.metrics = m }
}

func applyOptions(opts []Option) providerOptions {
	o := providerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates a client for the configured provider.
func New(cfg config.LLMConfig, opts ...Option) (Client, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg, opts...), nil
	case "anthropic":
		return NewAnthropicClient(cfg, opts...), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// visibleMessages filters out transient messages, which are shown to the
// user but never replayed to the model.
func visibleMessages(messages []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Meta.Transient {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// NormalizeToolCalls repairs tool calls as returned by providers: calls
// with no id get a positional call_N fallback, and arguments that are not
// valid JSON are wrapped as {"raw": <text>} so downstream code can always
// treat Arguments as a JSON object.
func NormalizeToolCalls(calls []models.ToolCall) []models.ToolCall {
	out := make([]models.ToolCall, 0, len(calls))
	for i, call := range calls {
		if strings.TrimSpace(call.ID) == "" {
			call.ID = fmt.Sprintf("call_%d", i)
		}
		if len(call.Arguments) == 0 {
			call.Arguments = json.RawMessage(`{}`)
		} else if !json.Valid(call.Arguments) {
			wrapped, err := json.Marshal(map[string]string{"raw": string(call.Arguments)})
			if err != nil {
				wrapped = []byte(`{}`)
			}
			call.Arguments = wrapped
		}
		out = append(out, call)
	}
	return out
}

// retryable reports whether a provider error is transient: rate limits,
// server errors and timeouts.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"rate limit", "429",
		"500", "502", "503", "504", "529", "overloaded",
		"timeout", "deadline exceeded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
