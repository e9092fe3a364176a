package plan

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/argus-ops/argus/internal/config"
	"github.com/argus-ops/argus/internal/sandbox"
	"github.com/argus-ops/argus/internal/store"
	"github.com/argus-ops/argus/pkg/models"
)

type stubTool struct {
	name   string
	result map[string]any
	calls  int
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (s *stubTool) Sandboxed() bool { return true }
func (s *stubTool) Execute(_ context.Context, _ json.RawMessage) (map[string]any, error) {
	s.calls++
	return s.result, nil
}

func newEngine(t *testing.T, stubs []*stubTool, opts ...Option) *Engine {
	t.Helper()
	sb := sandbox.NewRuntime(config.SandboxConfig{
		AllowUnsafeTools: true,
		AllowShell:       true,
		AllowNetwork:     true,
		AllowFileWrite:   true,
	})
	for _, stub := range stubs {
		sb.Register(stub)
	}
	return NewEngine(sb, opts...)
}

func TestResolveTool(t *testing.T) {
	cases := []struct {
		step models.PlanStep
		want string
	}{
		{models.PlanStep{ToolHint: "graph_query", ActionType: "run_command"}, "graph_query"},
		{models.PlanStep{ActionType: "run_command"}, "terminal"},
		{models.PlanStep{ActionType: "open_url"}, "browser"},
		{models.PlanStep{ActionType: "edit_file"}, "file_edit"},
		{models.PlanStep{ActionType: "graph_query"}, "graph_query"},
		{models.PlanStep{ActionType: "reboot_host"}, ""},
	}
	for _, tc := range cases {
		if got := ResolveTool(tc.step); got != tc.want {
			t.Errorf("ResolveTool(%+v) = %q, want %q", tc.step, got, tc.want)
		}
	}
}

func TestExecuteStepDryRunSkipsInvocation(t *testing.T) {
	stub := &stubTool{name: "terminal", result: map[string]any{"stdout": "ok"}}
	e := newEngine(t, []*stubTool{stub})

	result := e.ExecuteStep(context.Background(), models.PlanStep{
		StepID:     "s1",
		ActionType: "run_command",
		Parameters: map[string]any{"command": "uptime"},
	}, true)

	if result.Status != models.StepDryRun || result.Tool != "terminal" {
		t.Fatalf("result = %+v", result)
	}
	if stub.calls != 0 {
		t.Fatalf("dry run invoked the tool %d times", stub.calls)
	}
}

func TestExecuteStepUnmappedActionIsSkipped(t *testing.T) {
	e := newEngine(t, nil)
	result := e.ExecuteStep(context.Background(), models.PlanStep{
		StepID:     "s1",
		ActionType: "reboot_host",
	}, false)
	if result.Status != models.StepSkipped || result.Error != "no tool mapped for action_type" {
		t.Fatalf("result = %+v", result)
	}
}

func TestExecuteStepStatusFromOutput(t *testing.T) {
	cases := []struct {
		name       string
		output     map[string]any
		wantStatus models.StepStatus
		wantError  string
	}{
		{"clean", map[string]any{"stdout": "done", "returncode": 0}, models.StepOK, ""},
		{"error key", map[string]any{"error": "not found"}, models.StepError, "not found"},
		{"nonzero exit", map[string]any{"returncode": 2, "stderr": "boom"}, models.StepError, "boom"},
		{"nonzero exit no stderr", map[string]any{"returncode": 1}, models.StepError, "command failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubTool{name: "terminal", result: tc.output}
			e := newEngine(t, []*stubTool{stub})
			result := e.ExecuteStep(context.Background(), models.PlanStep{
				StepID:     "s1",
				ActionType: "run_command",
			}, false)
			if result.Status != tc.wantStatus || result.Error != tc.wantError {
				t.Fatalf("result = %+v", result)
			}
		})
	}
}

func TestExecuteRequiresApprovalToken(t *testing.T) {
	stub := &stubTool{name: "terminal", result: map[string]any{"stdout": "ok"}}
	approvals := store.NewMemoryApprovalStore()
	e := newEngine(t, []*stubTool{stub}, WithApprovalStore(approvals))

	req := models.ExecutionRequest{
		Steps: []models.PlanStep{{
			StepID:           "s1",
			ActionType:       "run_command",
			RequiresApproval: true,
		}},
	}

	if _, err := e.Execute(context.Background(), req); !errors.Is(err, ErrApprovalRequired) {
		t.Fatalf("missing token error = %v", err)
	}
	if stub.calls != 0 {
		t.Fatalf("rejected batch still invoked tools %d times", stub.calls)
	}

	req.ApprovalToken = "bogus"
	if _, err := e.Execute(context.Background(), req); !errors.Is(err, ErrInvalidApproval) {
		t.Fatalf("bogus token error = %v", err)
	}
	if stub.calls != 0 {
		t.Fatalf("rejected batch still invoked tools %d times", stub.calls)
	}
}

func TestExecuteRejectsWrongApprovalAction(t *testing.T) {
	approvals := store.NewMemoryApprovalStore()
	record, err := approvals.Create(context.Background(), "ops", "delete", time.Minute)
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}

	e := newEngine(t, nil, WithApprovalStore(approvals))
	req := models.ExecutionRequest{
		RequiresApproval: true,
		ApprovalToken:    record.Token,
	}
	if _, err := e.Execute(context.Background(), req); !errors.Is(err, ErrInvalidApproval) {
		t.Fatalf("wrong action error = %v", err)
	}
}

func TestExecuteWithoutApprovalStore(t *testing.T) {
	e := newEngine(t, nil)
	req := models.ExecutionRequest{
		RequiresApproval: true,
		ApprovalToken:    "token",
	}
	if _, err := e.Execute(context.Background(), req); !errors.Is(err, ErrApprovalUnavailable) {
		t.Fatalf("error = %v", err)
	}
}

func TestExecuteApprovedBatch(t *testing.T) {
	stub := &stubTool{name: "terminal", result: map[string]any{"stdout": "up 3 days", "returncode": 0}}
	approvals := store.NewMemoryApprovalStore()
	record, err := approvals.Create(context.Background(), "ops", "execute", time.Minute)
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}

	e := newEngine(t, []*stubTool{stub}, WithApprovalStore(approvals))
	resp, err := e.Execute(context.Background(), models.ExecutionRequest{
		ApprovalToken: record.Token,
		Steps: []models.PlanStep{{
			StepID:           "s1",
			ActionType:       "run_command",
			RequiresApproval: true,
			Parameters:       map[string]any{"command": "uptime"},
		}},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Status != models.BatchOK || len(resp.Results) != 1 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Results[0].Status != models.StepOK {
		t.Fatalf("step result = %+v", resp.Results[0])
	}
	if !resp.Request.RequiresApproval {
		t.Fatal("request approval requirement not recomputed")
	}
	if stub.calls != 1 {
		t.Fatalf("tool calls = %d", stub.calls)
	}
}

func TestExecutePartialFailure(t *testing.T) {
	good := &stubTool{name: "terminal", result: map[string]any{"returncode": 0}}
	bad := &stubTool{name: "browser", result: map[string]any{"error": "HTTP 500"}}
	e := newEngine(t, []*stubTool{good, bad})

	resp, err := e.Execute(context.Background(), models.ExecutionRequest{
		Steps: []models.PlanStep{
			{StepID: "s1", ActionType: "run_command"},
			{StepID: "s2", ActionType: "open_url"},
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Status != models.BatchPartialFailure {
		t.Fatalf("status = %q", resp.Status)
	}
	if resp.Results[0].Status != models.StepOK || resp.Results[1].Status != models.StepError {
		t.Fatalf("results = %+v", resp.Results)
	}
}

func TestExecuteDryRunSkipsApprovalAndTools(t *testing.T) {
	stub := &stubTool{name: "terminal", result: map[string]any{"stdout": "ok"}}
	e := newEngine(t, []*stubTool{stub})

	resp, err := e.Execute(context.Background(), models.ExecutionRequest{
		DryRun: true,
		Steps: []models.PlanStep{{
			StepID:           "s1",
			ActionType:       "run_command",
			RequiresApproval: true,
		}},
	})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if resp.Results[0].Status != models.StepDryRun {
		t.Fatalf("result = %+v", resp.Results[0])
	}
	if stub.calls != 0 {
		t.Fatalf("dry run invoked tools %d times", stub.calls)
	}
}
