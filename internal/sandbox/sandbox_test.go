package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/argus-ops/argus/internal/config"
	"github.com/argus-ops/argus/internal/tools"
	"github.com/argus-ops/argus/pkg/models"
)

// stubTool is a configurable tool for policy tests.
type stubTool struct {
	name      string
	sandboxed bool
	calls     int
	result    map[string]any
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Sandboxed() bool     { return s.sandboxed }

func (s *stubTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"action":{"type":"string"}},"required":[]}`)
}

func (s *stubTool) Execute(_ context.Context, _ json.RawMessage) (map[string]any, error) {
	s.calls++
	if s.result != nil {
		return s.result, nil
	}
	return map[string]any{"ok": true}, nil
}

func permissivePolicy() config.SandboxConfig {
	return config.SandboxConfig{
		AllowUnsafeTools: true,
		AllowShell:       true,
		AllowNetwork:     true,
		AllowFileWrite:   true,
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRuntime(permissivePolicy())
	_, err := r.Execute(context.Background(), "missing", nil)
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestAllowlistDeniesUnlistedTool(t *testing.T) {
	policy := permissivePolicy()
	policy.AllowedTools = []string{"thinking"}
	r := NewRuntime(policy)
	stub := &stubTool{name: "terminal", sandboxed: true}
	r.Register(stub)

	_, err := r.Execute(context.Background(), "terminal", nil)
	var denial *PolicyError
	if !errors.As(err, &denial) {
		t.Fatalf("expected PolicyError, got %v", err)
	}
	if denial.Reason != "tool terminal is not in allowlist" {
		t.Fatalf("reason = %q", denial.Reason)
	}
	if stub.calls != 0 {
		t.Fatal("denied tool must not execute")
	}
}

func TestEmptyAllowlistDeniesEverything(t *testing.T) {
	policy := permissivePolicy()
	policy.AllowedTools = []string{}
	r := NewRuntime(policy)
	r.Register(&stubTool{name: "thinking"})

	var denial *PolicyError
	_, err := r.Execute(context.Background(), "thinking", nil)
	if !errors.As(err, &denial) {
		t.Fatalf("empty allowlist should deny, got %v", err)
	}
}

func TestBlocklistWinsOverAllowlist(t *testing.T) {
	policy := permissivePolicy()
	policy.AllowedTools = []string{"terminal"}
	policy.BlockedTools = []string{"terminal"}
	r := NewRuntime(policy)
	r.Register(&stubTool{name: "terminal", sandboxed: true})

	var denial *PolicyError
	_, err := r.Execute(context.Background(), "terminal", nil)
	if !errors.As(err, &denial) {
		t.Fatalf("expected PolicyError, got %v", err)
	}
	if denial.Reason != "tool terminal is blocked" {
		t.Fatalf("reason = %q", denial.Reason)
	}
}

func TestUnsafeToolGate(t *testing.T) {
	policy := permissivePolicy()
	policy.AllowUnsafeTools = false
	r := NewRuntime(policy)
	unsafe := &stubTool{name: "graph_query", sandboxed: false}
	sandboxed := &stubTool{name: "terminal", sandboxed: true}
	r.Register(unsafe)
	r.Register(sandboxed)

	var denial *PolicyError
	_, err := r.Execute(context.Background(), "graph_query", nil)
	if !errors.As(err, &denial) {
		t.Fatalf("expected PolicyError, got %v", err)
	}
	if denial.Reason != "tool graph_query is not permitted in the sandbox" {
		t.Fatalf("reason = %q", denial.Reason)
	}

	if _, err := r.Execute(context.Background(), "terminal", nil); err != nil {
		t.Fatalf("sandboxed tool should pass the unsafe gate: %v", err)
	}
}

func TestShellAndNetworkFlags(t *testing.T) {
	policy := permissivePolicy()
	policy.AllowShell = false
	policy.AllowNetwork = false
	r := NewRuntime(policy)
	r.Register(&stubTool{name: "terminal", sandboxed: true})
	r.Register(&stubTool{name: "browser", sandboxed: true})

	var denial *PolicyError
	_, err := r.Execute(context.Background(), "terminal", nil)
	if !errors.As(err, &denial) || denial.Reason != "terminal tool is disabled" {
		t.Fatalf("terminal denial = %v", err)
	}
	_, err = r.Execute(context.Background(), "browser", nil)
	if !errors.As(err, &denial) || denial.Reason != "browser tool is disabled" {
		t.Fatalf("browser denial = %v", err)
	}
}

func TestFileWriteGateOnlyBlocksWrites(t *testing.T) {
	policy := permissivePolicy()
	policy.AllowFileWrite = false
	r := NewRuntime(policy)
	stub := &stubTool{name: "file_edit", sandboxed: true}
	r.Register(stub)

	if _, err := r.Execute(context.Background(), "file_edit",
		json.RawMessage(`{"action":"read"}`)); err != nil {
		t.Fatalf("read should be allowed: %v", err)
	}

	var denial *PolicyError
	_, err := r.Execute(context.Background(), "file_edit",
		json.RawMessage(`{"action":"write"}`))
	if !errors.As(err, &denial) || denial.Reason != "file write operations are disabled" {
		t.Fatalf("write denial = %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("expected exactly the read dispatch, got %d", stub.calls)
	}
}

func TestSchemaValidationReportsInBand(t *testing.T) {
	r := NewRuntime(permissivePolicy())
	r.Register(tools.NewTerminalTool())

	// Missing required "command".
	out, err := r.Execute(context.Background(), "terminal", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("validation failure must be in-band: %v", err)
	}
	msg, _ := out["error"].(string)
	if !strings.Contains(msg, "invalid parameters") {
		t.Fatalf("error = %v", out["error"])
	}

	out, err = r.Execute(context.Background(), "terminal", json.RawMessage(`{"command":42}`))
	if err != nil {
		t.Fatalf("type mismatch must be in-band: %v", err)
	}
	if msg, _ := out["error"].(string); !strings.Contains(msg, "invalid parameters") {
		t.Fatalf("error = %v", out["error"])
	}
}

func TestExecutePassesThroughResult(t *testing.T) {
	r := NewRuntime(permissivePolicy())
	stub := &stubTool{name: "thinking", result: map[string]any{"status": "captured"}}
	r.Register(stub)

	out, err := r.Execute(context.Background(), "thinking", json.RawMessage(`{"action":"x"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out["status"] != "captured" {
		t.Fatalf("out = %v", out)
	}
	if stub.calls != 1 {
		t.Fatalf("calls = %d", stub.calls)
	}
}

func TestAuditSinkReceivesSandboxedDispatches(t *testing.T) {
	var events []models.AuditEvent
	r := NewRuntime(permissivePolicy(), WithAudit(func(_ context.Context, ev models.AuditEvent) {
		events = append(events, ev)
	}))
	r.Register(&stubTool{name: "terminal", sandboxed: true})
	r.Register(&stubTool{name: "thinking", sandboxed: false})

	r.Execute(context.Background(), "terminal", nil)
	r.Execute(context.Background(), "thinking", nil)

	if len(events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(events))
	}
	if events[0].Target != "terminal" || events[0].Action != "tool.terminal" {
		t.Fatalf("event = %+v", events[0])
	}
}

func TestAuditSinkSeesDenials(t *testing.T) {
	policy := permissivePolicy()
	policy.BlockedTools = []string{"terminal"}
	var events []models.AuditEvent
	r := NewRuntime(policy, WithAudit(func(_ context.Context, ev models.AuditEvent) {
		events = append(events, ev)
	}))
	r.Register(&stubTool{name: "terminal", sandboxed: true})

	r.Execute(context.Background(), "terminal", nil)
	if len(events) != 1 || events[0].Detail != "tool terminal is blocked" {
		t.Fatalf("events = %+v", events)
	}
}
