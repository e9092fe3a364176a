package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/argus-ops/argus/internal/config"
	"github.com/argus-ops/argus/internal/observability"
	"github.com/argus-ops/argus/internal/tools"
	"github.com/argus-ops/argus/pkg/models"
)

// OpenAIClient talks to OpenAI-compatible chat completion APIs. Transient
// failures (rate limits, 5xx, timeouts) are retried with linear backoff.
type OpenAIClient struct {
	client     *openai.Client
	cfg        config.LLMConfig
	logger     *slog.Logger
	metrics    *observability.Metrics
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIClient creates an OpenAI provider. An empty API key yields a
// client that reports unavailable instead of failing construction.
func NewOpenAIClient(cfg config.LLMConfig, opts ...Option) *OpenAIClient {
	o := applyOptions(opts)
	c := &OpenAIClient{
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
	if cfg.BaseURL != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		clientCfg.BaseURL = cfg.BaseURL
		c.client = openai.NewClientWithConfig(clientCfg)
	} else {
		c.client = openai.NewClient(cfg.APIKey)
	}
	return c
}

// IsAvailable reports whether an API key was configured.
func (c *OpenAIClient) IsAvailable() bool { return c.client != nil }

// Generate performs one chat completion.
func (c *OpenAIClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	if c.client == nil {
		return nil, ErrNotConfigured
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    c.convertMessages(req.System, req.Messages),
		Temperature: c.cfg.Temperature,
	}
	if c.cfg.MaxTokens > 0 {
		chatReq.MaxTokens = c.cfg.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	start := time.Now()
	resp, err := c.complete(ctx, chatReq)
	c.observe(time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty response")
	}

	choice := resp.Choices[0]
	calls := make([]models.ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}

	return &Response{
		Content:   choice.Message.Content,
		ToolCalls: NormalizeToolCalls(calls),
		Usage: &models.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: string(choice.FinishReason),
	}, nil
}

// complete runs the request with linear backoff on transient errors.
func (c *OpenAIClient) complete(ctx context.Context, chatReq openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("openai call retrying", "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return resp, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}
		resp, lastErr = c.client.CreateChatCompletion(ctx, chatReq)
		if lastErr == nil {
			return resp, nil
		}
		if !retryable(lastErr) {
			return resp, lastErr
		}
	}
	return resp, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
}

func (c *OpenAIClient) convertMessages(system string, messages []models.ChatMessage) []openai.ChatCompletionMessage {
	visible := visibleMessages(messages)
	out := make([]openai.ChatCompletionMessage, 0, len(visible)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range visible {
		switch msg.Role {
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				Name:       msg.Meta.ToolName,
				ToolCallID: msg.Meta.ToolCallID,
			})
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.Meta.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, oaiMsg)
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return out
}

func convertOpenAITools(toolset []tools.Tool) []openai.Tool {
	out := make([]openai.Tool, len(toolset))
	for i, tool := range toolset {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			// A bad schema degrades to an empty one rather than breaking
			// every other tool in the request.
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schema,
			},
		}
	}
	return out
}

func (c *OpenAIClient) observe(elapsed time.Duration, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.LLMRequestDuration.WithLabelValues("openai", c.cfg.Model).Observe(elapsed.Seconds())
	c.metrics.LLMRequestCounter.WithLabelValues("openai", c.cfg.Model, status).Inc()
}
