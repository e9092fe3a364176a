package tools

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// Todo item statuses.
const (
	TodoPending  = "pending"
	TodoComplete = "complete"
	TodoSkipped  = "skipped"
)

// TodoItem is one entry in the session task list.
type TodoItem struct {
	ID     int    `json:"id"`
	Text   string `json:"text"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
}

type todoParams struct {
	Action string   `json:"action" jsonschema:"description=Action: 'set' to initialize list once\\, 'complete'/'skip' to update status\\, 'list' to view,enum=set,enum=complete,enum=skip,enum=list"`
	Item   string   `json:"item,omitempty" jsonschema:"description=Single task item (for add/set)"`
	Items  []string `json:"items,omitempty" jsonschema:"description=Multiple task items (for add/set)"`
	ID     *int     `json:"id,omitempty" jsonschema:"description=Task id to complete or remove"`
	Result string   `json:"result,omitempty" jsonschema:"description=Optional completion result or note"`
}

// TodoTool manages a task list during a session. It holds per-session
// state; create one instance per session. Besides the schema's primary
// actions it also accepts add, remove and clear.
type TodoTool struct {
	mu     sync.Mutex
	items  []TodoItem
	nextID int
}

// NewTodoTool creates an empty todo list.
func NewTodoTool() *TodoTool {
	return &TodoTool{nextID: 1}
}

func (t *TodoTool) Name() string { return "todo" }

func (t *TodoTool) Description() string {
	return "Manage a task list during a session."
}

func (t *TodoTool) Schema() json.RawMessage { return mustSchema(&todoParams{}) }

func (t *TodoTool) Sandboxed() bool { return false }

// HasPending reports whether any item is still pending.
func (t *TodoTool) HasPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, item := range t.items {
		if item.Status == TodoPending {
			return true
		}
	}
	return false
}

// HasItems reports whether the list holds any items at all.
func (t *TodoTool) HasItems() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items) > 0
}

// Items returns a snapshot of the current list.
func (t *TodoTool) Items() []TodoItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TodoItem(nil), t.items...)
}

// Restore replaces the list with items recovered from a transcript,
// continuing ids past the highest restored one.
func (t *TodoTool) Restore(items []TodoItem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = append([]TodoItem(nil), items...)
	t.nextID = 1
	for _, item := range items {
		if item.ID >= t.nextID {
			t.nextID = item.ID + 1
		}
	}
}

func (t *TodoTool) Execute(_ context.Context, params json.RawMessage) (map[string]any, error) {
	var p todoParams
	if err := decode(params, &p); err != nil {
		return errResult("invalid parameters: %v", err), nil
	}

	action := strings.ToLower(p.Action)
	if action == "" {
		action = "list"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch action {
	case "add":
		for _, text := range normalizeItems(p) {
			t.addItem(text)
		}
		return map[string]any{"items": t.itemMaps()}, nil

	case "set":
		t.items = nil
		t.nextID = 1
		for _, text := range normalizeItems(p) {
			t.addItem(text)
		}
		return map[string]any{"items": t.itemMaps()}, nil

	case "complete":
		return t.markItem(p, "complete", TodoComplete, "completed")

	case "skip":
		return t.markItem(p, "skip", TodoSkipped, "skipped")

	case "remove":
		if p.ID == nil {
			return errResult("id is required for remove"), nil
		}
		kept := t.items[:0]
		for _, item := range t.items {
			if item.ID != *p.ID {
				kept = append(kept, item)
			}
		}
		t.items = kept
		return map[string]any{"items": t.itemMaps()}, nil

	case "clear":
		t.items = nil
		t.nextID = 1
		return map[string]any{"items": []map[string]any{}}, nil

	case "list":
		return map[string]any{"items": t.itemMaps()}, nil

	default:
		return errResult("unsupported action %s", action), nil
	}
}

// markItem is shared by complete and skip; the caller holds the lock.
func (t *TodoTool) markItem(p todoParams, action, status, key string) (map[string]any, error) {
	if p.ID == nil {
		return errResult("id is required for %s", action), nil
	}
	for i := range t.items {
		if t.items[i].ID != *p.ID {
			continue
		}
		t.items[i].Status = status
		if note := strings.TrimSpace(p.Result); note != "" {
			t.items[i].Result = note
		}
		return map[string]any{"items": t.itemMaps(), key: itemMap(t.items[i])}, nil
	}
	return errResult("task id %d not found", *p.ID), nil
}

func (t *TodoTool) addItem(text string) {
	t.items = append(t.items, TodoItem{ID: t.nextID, Text: text, Status: TodoPending})
	t.nextID++
}

func (t *TodoTool) itemMaps() []map[string]any {
	out := make([]map[string]any, 0, len(t.items))
	for _, item := range t.items {
		out = append(out, itemMap(item))
	}
	return out
}

func itemMap(item TodoItem) map[string]any {
	m := map[string]any{"id": item.ID, "text": item.Text, "status": item.Status}
	if item.Result != "" {
		m["result"] = item.Result
	}
	return m
}

func normalizeItems(p todoParams) []string {
	var out []string
	for _, item := range p.Items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		if trimmed := strings.TrimSpace(p.Item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
