package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Kind classifies a message for downstream consumers (UI, transports).
// It is a closed enumeration: the loop never emits kinds outside this set.
type Kind string

const (
	// KindMessage is a regular assistant or user message.
	KindMessage Kind = "message"
	// KindThinking is an intermediate assistant message produced while
	// todo items are still pending.
	KindThinking Kind = "thinking"
	// KindPlan is a synthesized enumeration of todo items after set/add.
	KindPlan Kind = "plan"
	// KindToolCall is an assistant message carrying tool call requests.
	KindToolCall Kind = "tool_call"
	// KindToolResult is the outcome of a single tool dispatch.
	KindToolResult Kind = "tool_result"
	// KindWarning marks non-fatal loop conditions (iteration limit,
	// empty tool call payloads).
	KindWarning Kind = "warning"
	// KindError marks a model-call failure that aborted the run.
	KindError Kind = "error"
)

// ToolCall is a normalized request from the model to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of dispatching one tool call.
// Result and Error are mutually exclusive: a failed dispatch carries
// Error and Success=false, a completed one carries Result.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Success    bool           `json:"success"`
}

// TokenUsage reports token consumption for one model call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Meta is the closed set of optional message annotations. The transcript
// state machine is reasoned about exhaustively over these fields; free-form
// metadata maps are deliberately not supported.
type Meta struct {
	// Kind classifies the message for consumers.
	Kind Kind `json:"kind,omitempty"`

	// RequestID correlates all messages produced by one run.
	RequestID string `json:"request_id,omitempty"`

	// ToolCalls is the raw tool call list on a KindToolCall message.
	// Once appended it is never edited; cancellation is represented by
	// appending new messages, not by rewriting this list.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID, ToolName, Result, Error and Success describe a
	// KindToolResult message.
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Success    bool            `json:"success,omitempty"`

	// Intermediate marks thinking messages emitted while todo items are
	// pending; Transient messages are shown but never replayed to the model.
	Intermediate bool `json:"intermediate,omitempty"`
	Transient    bool `json:"transient,omitempty"`

	// Summary marks the terminal summary message of a todo-driven run.
	Summary bool `json:"summary,omitempty"`

	// Cancelled marks messages appended by a caller reconciling a
	// cancelled run.
	Cancelled bool `json:"cancelled,omitempty"`

	// Steps carries the enumerated todo texts on a KindPlan message.
	Steps []string `json:"steps,omitempty"`

	// Usage reports token consumption of the model call that produced
	// this message.
	Usage *TokenUsage `json:"usage,omitempty"`
}

// ChatMessage is one entry in a session transcript. Transcripts are
// append-only ordered sequences; past messages are never mutated.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Meta      Meta      `json:"meta,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewChatMessage creates a message with a fresh id and timestamp.
func NewChatMessage(role Role, content string, meta Meta) ChatMessage {
	return ChatMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Meta:      meta,
		CreatedAt: time.Now().UTC(),
	}
}
