// Package sandbox enforces capability gates in front of tool dispatch.
//
// Policy rules are evaluated in a fixed order: allowlist, blocklist,
// unsafe-tool gate, capability flags (shell, network, file write). The
// first failing rule wins and the denial is returned as a *PolicyError;
// dispatch never panics on a policy violation.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/argus-ops/argus/internal/config"
	"github.com/argus-ops/argus/internal/observability"
	"github.com/argus-ops/argus/internal/tools"
	"github.com/argus-ops/argus/pkg/models"
)

// ErrNotRegistered is returned when a dispatch names an unknown tool.
var ErrNotRegistered = errors.New("tool not registered")

// PolicyError is a structured policy denial. It names the tool and the
// first rule that rejected the dispatch.
type PolicyError struct {
	Tool   string
	Reason string
}

func (e *PolicyError) Error() string { return e.Reason }

// AuditFunc receives an audit event for every sandboxed tool dispatch.
type AuditFunc func(ctx context.Context, event models.AuditEvent)

// Runtime gates and dispatches tool executions.
type Runtime struct {
	policy   config.SandboxConfig
	registry *tools.Registry
	logger   *slog.Logger
	metrics  *observability.Metrics
	audit    AuditFunc

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithMetrics attaches Prometheus metrics for dispatch accounting.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithAudit attaches an audit sink for sandboxed tool dispatches.
func WithAudit(fn AuditFunc) Option {
	return func(r *Runtime) { r.audit = fn }
}

// NewRuntime creates a sandbox runtime with the given policy.
func NewRuntime(policy config.SandboxConfig, opts ...Option) *Runtime {
	r := &Runtime{
		policy:   policy,
		registry: tools.NewRegistry(),
		logger:   slog.Default(),
		schemas:  make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool to the runtime.
func (r *Runtime) Register(tool tools.Tool) {
	r.registry.Register(tool)
}

// Tool returns a registered tool by name.
func (r *Runtime) Tool(name string) (tools.Tool, bool) {
	return r.registry.Get(name)
}

// Tools returns the registered tools for passing to LLM providers.
func (r *Runtime) Tools() []tools.Tool {
	return r.registry.All()
}

// ToolNames returns the registered tool names, sorted.
func (r *Runtime) ToolNames() []string {
	return r.registry.Names()
}

// Policy returns the active sandbox policy.
func (r *Runtime) Policy() config.SandboxConfig {
	return r.policy
}

// Check evaluates the policy chain for a dispatch without executing it.
// It returns nil when the dispatch is permitted.
func (r *Runtime) Check(tool tools.Tool, params json.RawMessage) *PolicyError {
	name := tool.Name()

	if r.policy.AllowedTools != nil && !contains(r.policy.AllowedTools, name) {
		return &PolicyError{Tool: name, Reason: fmt.Sprintf("tool %s is not in allowlist", name)}
	}
	if contains(r.policy.BlockedTools, name) {
		return &PolicyError{Tool: name, Reason: fmt.Sprintf("tool %s is blocked", name)}
	}
	if !tool.Sandboxed() && !r.policy.AllowUnsafeTools {
		return &PolicyError{Tool: name, Reason: fmt.Sprintf("tool %s is not permitted in the sandbox", name)}
	}
	if name == "terminal" && !r.policy.AllowShell {
		return &PolicyError{Tool: name, Reason: "terminal tool is disabled"}
	}
	if name == "browser" && !r.policy.AllowNetwork {
		return &PolicyError{Tool: name, Reason: "browser tool is disabled"}
	}
	if name == "file_edit" && !r.policy.AllowFileWrite {
		if strings.EqualFold(paramString(params, "action", "read"), "write") {
			return &PolicyError{Tool: name, Reason: "file write operations are disabled"}
		}
	}
	return nil
}

// Execute dispatches a tool call through the policy chain. Policy
// denials and unknown tools come back as errors; parameter validation
// failures and tool-level faults are reported in-band in the result map
// so the model can observe them.
func (r *Runtime) Execute(ctx context.Context, toolName string, params json.RawMessage) (map[string]any, error) {
	tool, ok := r.registry.Get(toolName)
	if !ok {
		return nil, fmt.Errorf("tool %s: %w", toolName, ErrNotRegistered)
	}

	if denial := r.Check(tool, params); denial != nil {
		r.logger.Warn("tool dispatch denied", "tool", toolName, "reason", denial.Reason)
		if r.metrics != nil {
			r.metrics.ToolExecutionCounter.WithLabelValues(toolName, "denied").Inc()
		}
		r.recordAudit(ctx, toolName, "denied", denial.Reason)
		return nil, denial
	}

	if result := r.validateParams(tool, params); result != nil {
		return result, nil
	}

	start := time.Now()
	result, err := tool.Execute(ctx, params)
	elapsed := time.Since(start)

	status := "success"
	if err != nil || (result != nil && result["error"] != nil) {
		status = "error"
	}
	if r.metrics != nil {
		r.metrics.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
		r.metrics.ToolExecutionDuration.WithLabelValues(toolName).Observe(elapsed.Seconds())
	}
	if tool.Sandboxed() {
		r.recordAudit(ctx, toolName, status, "")
	}
	r.logger.Debug("tool dispatched",
		"tool", toolName, "status", status, "duration_ms", elapsed.Milliseconds())

	if err != nil {
		return nil, err
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

// validateParams checks params against the tool's schema. A failure is
// returned as an in-band error map; nil means the params are valid.
func (r *Runtime) validateParams(tool tools.Tool, params json.RawMessage) map[string]any {
	schema, err := r.compiledSchema(tool)
	if err != nil {
		// A schema that fails to compile must not block dispatch.
		r.logger.Warn("tool schema compile failed", "tool", tool.Name(), "error", err)
		return nil
	}

	var decoded any = map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &decoded); err != nil {
			return map[string]any{"error": fmt.Sprintf("invalid parameters: %v", err)}
		}
	}
	if err := schema.Validate(decoded); err != nil {
		return map[string]any{"error": fmt.Sprintf("invalid parameters: %v", err)}
	}
	return nil
}

func (r *Runtime) compiledSchema(tool tools.Tool) (*jsonschema.Schema, error) {
	name := tool.Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	if schema, ok := r.schemas[name]; ok {
		return schema, nil
	}
	schema, err := jsonschema.CompileString(name+".schema.json", string(tool.Schema()))
	if err != nil {
		return nil, err
	}
	r.schemas[name] = schema
	return schema, nil
}

func (r *Runtime) recordAudit(ctx context.Context, tool, status, detail string) {
	if r.audit == nil {
		return
	}
	if detail == "" {
		detail = status
	}
	r.audit(ctx, models.AuditEvent{
		Actor:     "agent",
		Action:    "tool." + tool,
		Target:    tool,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
}

func paramString(params json.RawMessage, key, fallback string) string {
	if len(params) == 0 {
		return fallback
	}
	var decoded map[string]any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fallback
	}
	value, ok := decoded[key].(string)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func contains(list []string, name string) bool {
	for _, entry := range list {
		if entry == name {
			return true
		}
	}
	return false
}
