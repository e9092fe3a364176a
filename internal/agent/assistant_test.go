package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/argus-ops/argus/internal/cancel"
	"github.com/argus-ops/argus/internal/config"
	"github.com/argus-ops/argus/internal/events"
	"github.com/argus-ops/argus/internal/llm"
	"github.com/argus-ops/argus/internal/sandbox"
	"github.com/argus-ops/argus/internal/tools"
	"github.com/argus-ops/argus/pkg/models"
)

// scriptedLLM replays a fixed sequence of responses. Calls past the end
// of the script return an empty response.
type scriptedLLM struct {
	responses []*llm.Response
	errs      []error
	requests  []*llm.Request
}

func (s *scriptedLLM) IsAvailable() bool { return true }

func (s *scriptedLLM) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	idx := len(s.requests)
	s.requests = append(s.requests, req)
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if idx >= len(s.responses) {
		return &llm.Response{}, nil
	}
	return s.responses[idx], nil
}

func toolCall(id, name string, args map[string]any) models.ToolCall {
	encoded, _ := json.Marshal(args)
	return models.ToolCall{ID: id, Name: name, Arguments: encoded}
}

func newSandbox(t *testing.T, policy config.SandboxConfig) *sandbox.Runtime {
	t.Helper()
	sb := sandbox.NewRuntime(policy)
	sb.Register(tools.NewTodoTool())
	sb.Register(tools.NewFinishTool())
	sb.Register(tools.NewThinkingTool())
	sb.Register(tools.NewTerminalTool())
	return sb
}

func permissive() config.SandboxConfig {
	return config.SandboxConfig{
		AllowUnsafeTools: true,
		AllowShell:       true,
		AllowNetwork:     true,
		AllowFileWrite:   true,
	}
}

func kinds(messages []models.ChatMessage) []models.Kind {
	out := make([]models.Kind, len(messages))
	for i, msg := range messages {
		out[i] = msg.Meta.Kind
	}
	return out
}

func TestPlainResponseCompletesRun(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		{Content: "The database host is db-1."},
	}}
	a := NewAssistant(client, newSandbox(t, permissive()), "prompt", 8)

	out := a.Run(context.Background(), nil, nil)
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d: %v", len(out), kinds(out))
	}
	if out[0].Meta.Kind != models.KindMessage || out[0].Content != "The database host is db-1." {
		t.Fatalf("message = %+v", out[0])
	}
	if len(client.requests) != 1 {
		t.Fatalf("model calls = %d", len(client.requests))
	}
}

func TestFinishToolTerminatesRun(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		{ToolCalls: []models.ToolCall{
			toolCall("call_0", "finish", map[string]any{"summary": "done"}),
		}},
	}}
	a := NewAssistant(client, newSandbox(t, permissive()), "prompt", 8)

	out := a.Run(context.Background(), nil, nil)
	got := kinds(out)
	if len(out) != 2 || got[0] != models.KindToolCall || got[1] != models.KindToolResult {
		t.Fatalf("kinds = %v", got)
	}
	if !out[1].Meta.Success {
		t.Fatalf("finish result should succeed: %+v", out[1].Meta)
	}
	if len(client.requests) != 1 {
		t.Fatalf("finish must terminate after one model call, got %d", len(client.requests))
	}
}

func TestIterationLimitAppendsWarning(t *testing.T) {
	// The model keeps thinking forever.
	var responses []*llm.Response
	for i := 0; i < 10; i++ {
		responses = append(responses, &llm.Response{ToolCalls: []models.ToolCall{
			toolCall("c", "thinking", map[string]any{"thoughts": "still going"}),
		}})
	}
	client := &scriptedLLM{responses: responses}
	a := NewAssistant(client, newSandbox(t, permissive()), "prompt", 3)

	out := a.Run(context.Background(), nil, nil)
	if len(client.requests) != 3 {
		t.Fatalf("model calls = %d, want 3", len(client.requests))
	}
	last := out[len(out)-1]
	if last.Meta.Kind != models.KindWarning || last.Content != "Reached iteration limit (3)." {
		t.Fatalf("last message = %+v", last)
	}
}

func TestCancellationBeforeFirstCallEmitsNothing(t *testing.T) {
	reg := cancel.NewRegistry()
	token := reg.Register("sess", "req")
	token.Cancel()

	client := &scriptedLLM{responses: []*llm.Response{{Content: "should never appear"}}}
	a := NewAssistant(client, newSandbox(t, permissive()), "prompt", 8)

	out := a.Run(context.Background(), nil, token)
	if len(out) != 0 {
		t.Fatalf("cancelled run emitted %d messages: %v", len(out), kinds(out))
	}
	if len(client.requests) != 0 {
		t.Fatalf("cancelled run called the model %d times", len(client.requests))
	}
}

func TestTodoDrivenRunWithPlanAndSummary(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		// 1: set up the todo list
		{ToolCalls: []models.ToolCall{
			toolCall("c1", "todo", map[string]any{"action": "set", "items": []string{"check host", "report"}}),
		}},
		// 2: complete both items
		{ToolCalls: []models.ToolCall{
			toolCall("c2", "todo", map[string]any{"action": "complete", "id": 1}),
			toolCall("c3", "todo", map[string]any{"action": "complete", "id": 2}),
		}},
		// 3: summary call (no tools)
		{Content: "Checked the host and reported findings."},
	}}
	a := NewAssistant(client, newSandbox(t, permissive()), "prompt", 8)

	out := a.Run(context.Background(), nil, nil)

	var plan, summary *models.ChatMessage
	for i := range out {
		switch {
		case out[i].Meta.Kind == models.KindPlan:
			plan = &out[i]
		case out[i].Meta.Summary:
			summary = &out[i]
		}
	}
	if plan == nil {
		t.Fatalf("no plan message in %v", kinds(out))
	}
	if plan.Content != "1. check host\n2. report" {
		t.Fatalf("plan content = %q", plan.Content)
	}
	if len(plan.Meta.Steps) != 2 {
		t.Fatalf("plan steps = %v", plan.Meta.Steps)
	}
	if summary == nil {
		t.Fatalf("no summary message in %v", kinds(out))
	}
	if summary.Content != "Checked the host and reported findings." {
		t.Fatalf("summary content = %q", summary.Content)
	}
	// The summary request must not offer tools.
	lastReq := client.requests[len(client.requests)-1]
	if len(lastReq.Tools) != 0 {
		t.Fatalf("summary request carried %d tools", len(lastReq.Tools))
	}
}

func TestTodoLockRejectsReplanning(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		{ToolCalls: []models.ToolCall{
			toolCall("c1", "todo", map[string]any{"action": "set", "items": []string{"step one"}}),
		}},
		{ToolCalls: []models.ToolCall{
			toolCall("c2", "todo", map[string]any{"action": "set", "items": []string{"new plan"}}),
		}},
		{ToolCalls: []models.ToolCall{
			toolCall("c3", "finish", map[string]any{}),
		}},
	}}
	a := NewAssistant(client, newSandbox(t, permissive()), "prompt", 8)

	out := a.Run(context.Background(), nil, nil)
	var lockErr string
	for _, msg := range out {
		if msg.Meta.Kind == models.KindToolResult && msg.Meta.ToolCallID == "c2" {
			lockErr = msg.Meta.Error
		}
	}
	if !strings.Contains(lockErr, "already initialized") {
		t.Fatalf("expected todo lock error, got %q", lockErr)
	}
}

func TestToolErrorDigestOnEmptyResponse(t *testing.T) {
	policy := permissive()
	policy.BlockedTools = []string{"terminal"}

	client := &scriptedLLM{responses: []*llm.Response{
		{ToolCalls: []models.ToolCall{
			toolCall("c1", "terminal", map[string]any{"command": "uptime"}),
		}},
		// Model gives up with an empty response; the loop substitutes a
		// digest of the recent tool errors.
		{},
	}}
	a := NewAssistant(client, newSandbox(t, policy), "prompt", 8)

	out := a.Run(context.Background(), nil, nil)
	last := out[len(out)-1]
	if last.Content != "Tool error: tool terminal is blocked" {
		t.Fatalf("digest = %q", last.Content)
	}
	if last.Meta.Kind != models.KindMessage {
		t.Fatalf("digest kind = %v", last.Meta.Kind)
	}

	// The denied dispatch itself was reported as a failed tool result.
	var denied *models.ChatMessage
	for i := range out {
		if out[i].Meta.Kind == models.KindToolResult {
			denied = &out[i]
		}
	}
	if denied == nil || denied.Meta.Success || denied.Meta.Error == "" {
		t.Fatalf("denied result = %+v", denied)
	}
}

func TestEmptyResponseWithoutErrorsStopsRun(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{{}}}
	a := NewAssistant(client, newSandbox(t, permissive()), "prompt", 8)

	out := a.Run(context.Background(), nil, nil)
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %v", kinds(out))
	}
	if out[0].Content != "Agent returned an empty response." || out[0].Meta.Kind != models.KindThinking {
		t.Fatalf("message = %+v", out[0])
	}
	if len(client.requests) != 1 {
		t.Fatalf("model calls = %d", len(client.requests))
	}
}

func TestSilentTurnWithPendingTodosKeepsIterating(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		{ToolCalls: []models.ToolCall{
			toolCall("c1", "todo", map[string]any{"action": "set", "items": []string{"check host"}}),
		}},
		// Empty turn while an item is still pending: the loop runs
		// another iteration without emitting anything.
		{},
		{ToolCalls: []models.ToolCall{
			toolCall("c2", "finish", map[string]any{}),
		}},
	}}
	a := NewAssistant(client, newSandbox(t, permissive()), "prompt", 8)

	out := a.Run(context.Background(), nil, nil)
	if len(client.requests) != 3 {
		t.Fatalf("model calls = %d, want 3", len(client.requests))
	}
	for _, msg := range out {
		if msg.Content == "Agent returned an empty response." {
			t.Fatalf("placeholder emitted during silent continuation: %v", kinds(out))
		}
	}
	// Only the todo round and the finish round produce messages.
	got := kinds(out)
	want := []models.Kind{
		models.KindToolCall, models.KindToolResult, models.KindPlan,
		models.KindToolCall, models.KindToolResult,
	}
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}
}

func TestEmptyToolCallPayloadCompletesWithWarning(t *testing.T) {
	bus := events.NewBus(16, 16)
	client := &scriptedLLM{responses: []*llm.Response{
		{ToolCalls: []models.ToolCall{toolCall("c1", "", nil)}},
	}}
	a := NewAssistant(client, newSandbox(t, permissive()), "prompt", 8,
		WithEventBus(bus))

	out := a.Run(context.Background(), nil, nil)
	if len(out) != 1 || out[0].Meta.Kind != models.KindWarning {
		t.Fatalf("messages = %v", kinds(out))
	}
	if out[0].Content != "Agent returned an empty tool call payload." {
		t.Fatalf("content = %q", out[0].Content)
	}

	// The terminal run state matches the warning-level ending.
	history := bus.History()
	last := history[len(history)-1]
	if last.EventType != "agent.run" || last.Status != "completed" {
		t.Fatalf("terminal event = %+v", last)
	}
}

func TestErrorFinishWithoutContentAbortsRun(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{{FinishReason: "error"}}}
	a := NewAssistant(client, newSandbox(t, permissive()), "prompt", 8)

	out := a.Run(context.Background(), nil, nil)
	if len(out) != 1 || out[0].Meta.Kind != models.KindError {
		t.Fatalf("messages = %v", kinds(out))
	}
	if len(client.requests) != 1 {
		t.Fatalf("model calls = %d", len(client.requests))
	}
}

func TestThinkingAlongsideToolCallsIsTransient(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		{
			Content: "Let me check that.",
			ToolCalls: []models.ToolCall{
				toolCall("c1", "finish", map[string]any{}),
			},
		},
	}}
	a := NewAssistant(client, newSandbox(t, permissive()), "prompt", 8)

	out := a.Run(context.Background(), nil, nil)
	if out[0].Meta.Kind != models.KindThinking || !out[0].Meta.Transient {
		t.Fatalf("first message = %+v", out[0])
	}
}

func TestModelFailureAbortsWithErrorMessage(t *testing.T) {
	client := &scriptedLLM{errs: []error{errors.New("503 service unavailable")}}
	a := NewAssistant(client, newSandbox(t, permissive()), "prompt", 8)

	out := a.Run(context.Background(), nil, nil)
	if len(out) != 1 || out[0].Meta.Kind != models.KindError {
		t.Fatalf("messages = %v", kinds(out))
	}
	if !strings.Contains(out[0].Content, "503") {
		t.Fatalf("content = %q", out[0].Content)
	}
}

func TestTodoStateRestoredFromHistory(t *testing.T) {
	itemsJSON, _ := json.Marshal(map[string]any{"items": []map[string]any{
		{"id": 1, "text": "inspect dns", "status": "pending"},
	}})
	history := []models.ChatMessage{
		models.NewChatMessage(models.RoleUser, "continue the task", models.Meta{Kind: models.KindMessage}),
		models.NewChatMessage(models.RoleTool, string(itemsJSON), models.Meta{
			Kind:     models.KindToolResult,
			ToolName: "todo",
			Result:   itemsJSON,
			Success:  true,
		}),
	}

	sb := newSandbox(t, permissive())
	client := &scriptedLLM{responses: []*llm.Response{
		// A plain message while a todo is pending stays intermediate and
		// the loop keeps iterating.
		{Content: "working on it"},
		{ToolCalls: []models.ToolCall{toolCall("c1", "finish", map[string]any{})}},
	}}
	a := NewAssistant(client, sb, "prompt", 8)

	out := a.Run(context.Background(), history, nil)
	if out[0].Meta.Kind != models.KindThinking || !out[0].Meta.Intermediate {
		t.Fatalf("restored todo state not honored: %+v", out[0].Meta)
	}

	tool, _ := sb.Tool("todo")
	todoTool := tool.(*tools.TodoTool)
	if !todoTool.HasPending() {
		t.Fatal("pending todo should have been restored")
	}
}

func TestFinishInHistoryBlocksTodoRestore(t *testing.T) {
	itemsJSON, _ := json.Marshal(map[string]any{"items": []map[string]any{
		{"id": 1, "text": "old task", "status": "pending"},
	}})
	finishJSON, _ := json.Marshal(map[string]any{"result": map[string]any{}})
	history := []models.ChatMessage{
		models.NewChatMessage(models.RoleTool, string(itemsJSON), models.Meta{
			Kind: models.KindToolResult, ToolName: "todo", Result: itemsJSON, Success: true,
		}),
		models.NewChatMessage(models.RoleTool, string(finishJSON), models.Meta{
			Kind: models.KindToolResult, ToolName: "finish", Result: finishJSON, Success: true,
		}),
	}

	sb := newSandbox(t, permissive())
	client := &scriptedLLM{responses: []*llm.Response{{Content: "fresh start"}}}
	a := NewAssistant(client, sb, "prompt", 8)

	out := a.Run(context.Background(), history, nil)
	// Without restored todos the plain response completes the run.
	if len(out) != 1 || out[0].Meta.Kind != models.KindMessage {
		t.Fatalf("messages = %v", kinds(out))
	}

	tool, _ := sb.Tool("todo")
	if tool.(*tools.TodoTool).HasItems() {
		t.Fatal("todo list must not be restored past a finish result")
	}
}
