package tools

import (
	"context"
	"encoding/json"
)

type thinkingParams struct {
	Thoughts string `json:"thoughts" jsonschema:"description=Reasoning or plan notes"`
}

// ThinkingTool is a structured reasoning scratchpad. It records the
// model's notes and echoes them back; it has no side effects.
type ThinkingTool struct{}

// NewThinkingTool creates a thinking tool.
func NewThinkingTool() *ThinkingTool {
	return &ThinkingTool{}
}

func (t *ThinkingTool) Name() string { return "thinking" }

func (t *ThinkingTool) Description() string {
	return "Structured reasoning scratchpad."
}

func (t *ThinkingTool) Schema() json.RawMessage { return mustSchema(&thinkingParams{}) }

func (t *ThinkingTool) Sandboxed() bool { return false }

func (t *ThinkingTool) Execute(_ context.Context, params json.RawMessage) (map[string]any, error) {
	var p thinkingParams
	if err := decode(params, &p); err != nil {
		return errResult("invalid parameters: %v", err), nil
	}
	return map[string]any{"thoughts": p.Thoughts, "status": "captured"}, nil
}
