package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/argus-ops/argus/internal/config"
	"github.com/argus-ops/argus/internal/observability"
	"github.com/argus-ops/argus/internal/tools"
	"github.com/argus-ops/argus/pkg/models"
)

// AnthropicClient talks to the Anthropic Messages API. System prompts go
// in the dedicated system field; system-role transcript messages are
// folded into it because the Messages API only accepts user and
// assistant turns.
type AnthropicClient struct {
	client     anthropic.Client
	configured bool
	cfg        config.LLMConfig
	logger     *slog.Logger
	metrics    *observability.Metrics
	maxRetries int
	retryDelay time.Duration
}

// NewAnthropicClient creates an Anthropic provider. An empty API key
// yields a client that reports unavailable instead of failing
// construction.
func NewAnthropicClient(cfg config.LLMConfig, opts ...Option) *AnthropicClient {
	o := applyOptions(opts)
	c := &AnthropicClient{
		cfg:        cfg,
		logger:     o.logger,
		metrics:    o.metrics,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.retryDelay <= 0 {
		c.retryDelay = time.Second
	}
	if cfg.APIKey == "" {
		return c
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	c.client = anthropic.NewClient(options...)
	c.configured = true
	return c
}

// IsAvailable reports whether an API key was configured.
func (c *AnthropicClient) IsAvailable() bool { return c.configured }

// Generate performs one message completion.
func (c *AnthropicClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	if !c.configured {
		return nil, ErrNotConfigured
	}

	maxTokens := c.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	messages, system, err := c.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}
	if req.System != "" {
		system = append([]string{req.System}, system...)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(c.cfg.Temperature))
	}
	if len(req.Tools) > 0 {
		converted, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = converted
	}

	start := time.Now()
	resp, err := c.complete(ctx, params)
	c.observe(time.Since(start), err)
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	var calls []models.ToolCall
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			calls = append(calls, models.ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: json.RawMessage(variant.JSON.Input.Raw()),
			})
		}
	}

	return &Response{
		Content:   content.String(),
		ToolCalls: NormalizeToolCalls(calls),
		Usage: &models.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
		FinishReason: string(resp.StopReason),
	}, nil
}

// complete runs the request with linear backoff on transient errors.
func (c *AnthropicClient) complete(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	var resp *anthropic.Message
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("anthropic call retrying", "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}
		resp, lastErr = c.client.Messages.New(ctx, params)
		if lastErr == nil {
			return resp, nil
		}
		if !retryable(lastErr) {
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("anthropic: max retries exceeded: %w", lastErr)
}

// convertMessages maps transcript messages to Anthropic message params.
// System-role messages are returned separately for the system field.
func (c *AnthropicClient) convertMessages(messages []models.ChatMessage) ([]anthropic.MessageParam, []string, error) {
	var out []anthropic.MessageParam
	var system []string

	for _, msg := range visibleMessages(messages) {
		if msg.Role == models.RoleSystem {
			if msg.Content != "" {
				system = append(system, msg.Content)
			}
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Role == models.RoleTool {
			isError := msg.Meta.Error != "" || !msg.Meta.Success
			content = append(content, anthropic.NewToolResultBlock(
				msg.Meta.ToolCallID, msg.Content, isError))
			out = append(out, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.Meta.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, system, nil
}

func convertAnthropicTools(toolset []tools.Tool) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, tool := range toolset {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name())
		}
		param.OfTool.Description = anthropic.String(tool.Description())
		out = append(out, param)
	}
	return out, nil
}

func (c *AnthropicClient) observe(elapsed time.Duration, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.LLMRequestDuration.WithLabelValues("anthropic", c.cfg.Model).Observe(elapsed.Seconds())
	c.metrics.LLMRequestCounter.WithLabelValues("anthropic", c.cfg.Model, status).Inc()
}
