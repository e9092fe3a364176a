package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
)

type terminalParams struct {
	Command string `json:"command" jsonschema:"description=The shell command to execute"`
	Workdir string `json:"workdir,omitempty" jsonschema:"description=Working directory for the command (optional)"`
}

// TerminalTool executes shell commands through /bin/sh. The result always
// carries stdout, stderr and returncode so the model can inspect partial
// output from failed commands.
type TerminalTool struct {
	shell string
}

// NewTerminalTool creates a terminal tool using /bin/sh.
func NewTerminalTool() *TerminalTool {
	return &TerminalTool{shell: "/bin/sh"}
}

func (t *TerminalTool) Name() string { return "terminal" }

func (t *TerminalTool) Description() string {
	return "Execute shell commands in a sandboxed environment."
}

func (t *TerminalTool) Schema() json.RawMessage { return mustSchema(&terminalParams{}) }

func (t *TerminalTool) Sandboxed() bool { return true }

// Execute runs the command and captures its output. The command is killed
// when ctx is cancelled; a non-zero exit is reported via returncode, not
// as an error.
func (t *TerminalTool) Execute(ctx context.Context, params json.RawMessage) (map[string]any, error) {
	var p terminalParams
	if err := decode(params, &p); err != nil {
		return errResult("invalid parameters: %v", err), nil
	}
	if p.Command == "" {
		return errResult("command is required"), nil
	}

	cmd := exec.CommandContext(ctx, t.shell, "-c", p.Command)
	if p.Workdir != "" {
		cmd.Dir = p.Workdir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	returncode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			returncode = exitErr.ExitCode()
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return errResult("command failed to start: %v", err), nil
		}
	}

	return map[string]any{
		"stdout":     stdout.String(),
		"stderr":     stderr.String(),
		"returncode": returncode,
	}, nil
}
