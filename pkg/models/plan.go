package models

import "time"

// EntityRef points at a graph entity targeted by a plan step.
type EntityRef struct {
	EntityType  string `json:"entity_type"`
	NodeID      string `json:"node_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// PlanStep is a single declarative, approval-eligible unit of change
// produced by a planner. It is distinct from a conversational tool call.
type PlanStep struct {
	StepID           string         `json:"step_id"`
	ActionType       string         `json:"action_type"`
	Target           EntityRef      `json:"target"`
	ToolHint         string         `json:"tool_hint,omitempty"`
	Rationale        string         `json:"rationale,omitempty"`
	Rollback         string         `json:"rollback,omitempty"`
	Risk             string         `json:"risk,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
	Parameters       map[string]any `json:"parameters,omitempty"`
}

// StepStatus classifies the outcome of executing one plan step.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepSkipped StepStatus = "skipped"
	StepDryRun  StepStatus = "dry_run"
	StepError   StepStatus = "error"
)

// ToolExecutionResult records the outcome of one plan step.
type ToolExecutionResult struct {
	StepID string         `json:"step_id"`
	Tool   string         `json:"tool,omitempty"`
	Status StepStatus     `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// ExecutionRequest is a batch of plan steps to execute. The approval
// decision is made once for the whole batch, never re-checked per step.
type ExecutionRequest struct {
	DryRun           bool       `json:"dry_run"`
	Steps            []PlanStep `json:"steps"`
	RequiresApproval bool       `json:"requires_approval"`
	ApprovalToken    string     `json:"approval_token,omitempty"`
}

// Batch statuses for ExecutionResponse.
const (
	BatchOK             = "ok"
	BatchPartialFailure = "partial_failure"
)

// ExecutionResponse is the result of executing an ExecutionRequest.
// Status is "ok" only when no step ended in error.
type ExecutionResponse struct {
	Request ExecutionRequest      `json:"request"`
	Results []ToolExecutionResult `json:"results"`
	Status  string                `json:"status"`
}

// ApprovalRecord is opaque proof that a destructive action was approved
// out-of-band. A record is valid only while unexpired.
type ApprovalRecord struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id,omitempty"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at the given time.
func (r *ApprovalRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// AuditEvent is one append-only entry in the audit log.
type AuditEvent struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
