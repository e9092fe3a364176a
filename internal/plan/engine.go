// Package plan executes declarative plan steps through the sandbox.
//
// Plan execution is the approval-gated path: conversational tool calls
// go through the assistant loop, while batches of reviewed steps come
// here. The approval decision is made once per batch, never per step.
package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/argus-ops/argus/internal/events"
	"github.com/argus-ops/argus/internal/observability"
	"github.com/argus-ops/argus/internal/sandbox"
	"github.com/argus-ops/argus/internal/store"
	"github.com/argus-ops/argus/pkg/models"
)

// Approval failures returned by Execute before any tool is invoked.
var (
	ErrApprovalRequired    = errors.New("approval token required for execution")
	ErrApprovalUnavailable = errors.New("approval store unavailable")
	ErrInvalidApproval     = errors.New("invalid approval token")
)

// defaultActionTool maps declarative action types to runtime tools when
// a step carries no explicit tool hint.
var defaultActionTool = map[string]string{
	"run_command": "terminal",
	"open_url":    "browser",
	"edit_file":   "file_edit",
	"graph_query": "graph_query",
}

// Engine executes plan steps against a sandbox runtime.
type Engine struct {
	sandbox   *sandbox.Runtime
	approvals store.ApprovalStore
	logger    *slog.Logger
	metrics   *observability.Metrics
	bus       *events.Bus
}

// Option configures an Engine.
type Option func(*Engine)

// WithApprovalStore enables approval token verification.
func WithApprovalStore(s store.ApprovalStore) Option {
	return func(e *Engine) { e.approvals = s }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics attaches Prometheus metrics for step accounting.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEventBus publishes execution lifecycle events to the bus.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// NewEngine creates an execution engine over the given sandbox.
func NewEngine(sb *sandbox.Runtime, opts ...Option) *Engine {
	e := &Engine{
		sandbox: sb,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ResolveTool returns the runtime tool a step maps to, or "" when the
// action type is unknown and the step carries no hint.
func ResolveTool(step models.PlanStep) string {
	if step.ToolHint != "" {
		return step.ToolHint
	}
	return defaultActionTool[step.ActionType]
}

// Execute runs a batch of steps. When any step requires approval and
// the request is not a dry run, the approval token is verified once up
// front; a failed verification returns an error before any tool runs.
// The response status is "ok" only when no step ended in error.
func (e *Engine) Execute(ctx context.Context, req models.ExecutionRequest) (*models.ExecutionResponse, error) {
	required := req.RequiresApproval
	for _, step := range req.Steps {
		if step.RequiresApproval {
			required = true
		}
	}
	req.RequiresApproval = required

	if required && !req.DryRun {
		if err := e.verifyApproval(ctx, req.ApprovalToken); err != nil {
			e.logger.Warn("plan execution rejected", "error", err)
			return nil, err
		}
	}

	e.publish("plan.execute", "started", map[string]any{
		"steps":   len(req.Steps),
		"dry_run": req.DryRun,
	})

	results := make([]models.ToolExecutionResult, 0, len(req.Steps))
	status := models.BatchOK
	for _, step := range req.Steps {
		result := e.ExecuteStep(ctx, step, req.DryRun)
		if result.Status == models.StepError {
			status = models.BatchPartialFailure
		}
		results = append(results, result)
	}

	e.publish("plan.execute", status, map[string]any{"steps": len(results)})
	e.logger.Info("plan executed",
		"steps", len(results), "dry_run", req.DryRun, "status", status)

	return &models.ExecutionResponse{
		Request: req,
		Results: results,
		Status:  status,
	}, nil
}

// ExecuteStep runs one step. Dry runs resolve the tool but never invoke
// it. Tool-level faults come back as StepError results, not Go errors.
func (e *Engine) ExecuteStep(ctx context.Context, step models.PlanStep, dryRun bool) models.ToolExecutionResult {
	tool := ResolveTool(step)
	if tool == "" {
		return models.ToolExecutionResult{
			StepID: step.StepID,
			Status: models.StepSkipped,
			Error:  "no tool mapped for action_type",
		}
	}

	if dryRun {
		return models.ToolExecutionResult{
			StepID: step.StepID,
			Tool:   tool,
			Status: models.StepDryRun,
		}
	}

	params, err := json.Marshal(step.Parameters)
	if err != nil {
		return models.ToolExecutionResult{
			StepID: step.StepID,
			Tool:   tool,
			Status: models.StepError,
			Error:  fmt.Sprintf("encode parameters: %v", err),
		}
	}

	start := time.Now()
	output, err := e.sandbox.Execute(ctx, tool, params)
	if e.metrics != nil {
		e.metrics.PlanStepDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return models.ToolExecutionResult{
			StepID: step.StepID,
			Tool:   tool,
			Status: models.StepError,
			Error:  err.Error(),
		}
	}

	result := models.ToolExecutionResult{
		StepID: step.StepID,
		Tool:   tool,
		Status: models.StepOK,
		Output: output,
	}
	if errValue, ok := output["error"]; ok && errValue != nil && fmt.Sprint(errValue) != "" {
		result.Status = models.StepError
		result.Error = fmt.Sprint(errValue)
	} else if code, ok := output["returncode"]; ok && !isZero(code) {
		result.Status = models.StepError
		result.Error = stderrOr(output, "command failed")
	}
	return result
}

// verifyApproval checks the token against the approval store. The store
// hides expired records, so presence implies validity.
func (e *Engine) verifyApproval(ctx context.Context, token string) error {
	if token == "" {
		return ErrApprovalRequired
	}
	if e.approvals == nil {
		return ErrApprovalUnavailable
	}
	approval, err := e.approvals.GetByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("approval lookup: %w", err)
	}
	if approval == nil || approval.Action != "execute" {
		return ErrInvalidApproval
	}
	return nil
}

func (e *Engine) publish(eventType, status string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(models.NewTaskEvent(eventType, status, payload, ""))
}

func isZero(v any) bool {
	switch n := v.(type) {
	case int:
		return n == 0
	case int64:
		return n == 0
	case float64:
		return n == 0
	case nil:
		return true
	default:
		return false
	}
}

func stderrOr(output map[string]any, fallback string) string {
	if stderr, ok := output["stderr"].(string); ok && stderr != "" {
		return stderr
	}
	return fallback
}
