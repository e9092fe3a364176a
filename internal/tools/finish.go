package tools

import (
	"context"
	"encoding/json"
)

type finishParams struct {
	Summary string         `json:"summary,omitempty" jsonschema:"description=Brief completion summary"`
	Details map[string]any `json:"details,omitempty" jsonschema:"description=Optional structured completion payload"`
}

// FinishTool signals task completion. The agent loop treats a finish call
// as terminal; the tool itself only wraps the payload.
type FinishTool struct{}

// NewFinishTool creates a finish tool.
func NewFinishTool() *FinishTool {
	return &FinishTool{}
}

func (t *FinishTool) Name() string { return "finish" }

func (t *FinishTool) Description() string {
	return "Signal task completion and return final payload."
}

func (t *FinishTool) Schema() json.RawMessage { return mustSchema(&finishParams{}) }

func (t *FinishTool) Sandboxed() bool { return false }

func (t *FinishTool) Execute(_ context.Context, params json.RawMessage) (map[string]any, error) {
	var payload map[string]any
	if err := decode(params, &payload); err != nil {
		return errResult("invalid parameters: %v", err), nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{"result": payload}, nil
}
