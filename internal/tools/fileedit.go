package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
)

type fileEditParams struct {
	Action  string `json:"action" jsonschema:"description=Action to perform on the file,enum=read,enum=write"`
	Path    string `json:"path" jsonschema:"description=Path to the file"`
	Content string `json:"content,omitempty" jsonschema:"description=Content to write (for write action)"`
}

// FileEditTool reads or writes files with explicit intents. Writes create
// missing parent directories; write access is additionally gated by policy.
type FileEditTool struct{}

// NewFileEditTool creates a file edit tool.
func NewFileEditTool() *FileEditTool {
	return &FileEditTool{}
}

func (t *FileEditTool) Name() string { return "file_edit" }

func (t *FileEditTool) Description() string {
	return "Read or write files with explicit intents."
}

func (t *FileEditTool) Schema() json.RawMessage { return mustSchema(&fileEditParams{}) }

func (t *FileEditTool) Sandboxed() bool { return true }

func (t *FileEditTool) Execute(_ context.Context, params json.RawMessage) (map[string]any, error) {
	var p fileEditParams
	if err := decode(params, &p); err != nil {
		return errResult("invalid parameters: %v", err), nil
	}
	if p.Path == "" {
		return errResult("path is required"), nil
	}

	action := p.Action
	if action == "" {
		action = "read"
	}

	switch action {
	case "read":
		content, err := os.ReadFile(p.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return errResult("%s not found", p.Path), nil
			}
			return errResult("read failed: %v", err), nil
		}
		return map[string]any{"path": p.Path, "content": string(content)}, nil

	case "write":
		if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
			return errResult("write failed: %v", err), nil
		}
		if err := os.WriteFile(p.Path, []byte(p.Content), 0o644); err != nil {
			return errResult("write failed: %v", err), nil
		}
		return map[string]any{"path": p.Path, "status": "written"}, nil

	default:
		return errResult("unsupported action %s", action), nil
	}
}
