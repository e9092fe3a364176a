// Package tools defines the agent tool contract and the built-in tool set:
// terminal, browser, file_edit, graph_query, thinking, todo and finish.
//
// Tools report failures in-band as an "error" key in their result map;
// the error return of Execute is reserved for system-level faults
// (context cancellation, codec failures).
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
)

// Tool is the contract every agent tool implements. Schema returns the
// JSON Schema for the tool's parameters in the shape providers expect.
// Sandboxed reports whether the tool performs side effects outside the
// process and is therefore subject to the unsafe-tool policy gates.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Sandboxed() bool
	Execute(ctx context.Context, params json.RawMessage) (map[string]any, error)
}

// Registry manages available tools with thread-safe registration and
// lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool by its name, replacing any existing entry.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name and whether it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered tools for passing to LLM providers.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// mustSchema reflects a parameter struct into an inline JSON Schema.
// Panics on failure; schemas are derived from static types at init time.
func mustSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	schema := r.Reflect(v)
	schema.Version = ""
	out, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: schema reflection failed: %v", err))
	}
	return out
}

// errResult is the in-band failure shape shared by all tools.
func errResult(format string, args ...any) map[string]any {
	return map[string]any{"error": fmt.Sprintf(format, args...)}
}

// decode unmarshals params into dst, tolerating an empty payload.
func decode(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, dst)
}
