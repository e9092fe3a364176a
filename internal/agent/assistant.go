// Package agent implements the assistant loop: iterative model calls with
// tool dispatch, todo-driven continuation and cooperative cancellation.
//
// The loop appends to an in-memory copy of the transcript and emits every
// new message as it is produced. A run terminates by completing (plain
// response, finish tool, or todo list drained), by cancellation, or by
// hitting the iteration limit.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/argus-ops/argus/internal/cancel"
	"github.com/argus-ops/argus/internal/events"
	"github.com/argus-ops/argus/internal/llm"
	"github.com/argus-ops/argus/internal/memory"
	"github.com/argus-ops/argus/internal/observability"
	"github.com/argus-ops/argus/internal/sandbox"
	"github.com/argus-ops/argus/internal/tools"
	"github.com/argus-ops/argus/pkg/models"
)

// Terminal run states, reported via metrics and task events.
const (
	runCompleted      = "completed"
	runCancelled      = "cancelled"
	runIterationLimit = "iteration_limit"
	runError          = "error"
)

const summarySystemPrompt = "You are a helpful assistant. Provide a concise summary of the results."

// Assistant is the single-mode assistant loop.
type Assistant struct {
	llm           llm.Client
	sandbox       *sandbox.Runtime
	systemPrompt  string
	maxIterations int
	memory        *memory.Memory
	logger        *slog.Logger
	metrics       *observability.Metrics
	bus           *events.Bus
}

// Option configures an Assistant.
type Option func(*Assistant)

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Assistant) { a.logger = logger }
}

// WithMetrics attaches Prometheus metrics for run accounting.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Assistant) { a.metrics = m }
}

// WithEventBus publishes run lifecycle events to the bus.
func WithEventBus(bus *events.Bus) Option {
	return func(a *Assistant) { a.bus = bus }
}

// WithMemory bounds transcripts with the given conversation memory.
func WithMemory(m *memory.Memory) Option {
	return func(a *Assistant) { a.memory = m }
}

// NewAssistant creates an assistant loop over the given model client and
// sandbox. maxIterations caps model calls per run; non-positive selects 8.
func NewAssistant(client llm.Client, sb *sandbox.Runtime, systemPrompt string, maxIterations int, opts ...Option) *Assistant {
	if maxIterations <= 0 {
		maxIterations = 8
	}
	a := &Assistant{
		llm:           client,
		sandbox:       sb,
		systemPrompt:  systemPrompt,
		maxIterations: maxIterations,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run executes the loop and returns the new messages in order.
func (a *Assistant) Run(ctx context.Context, history []models.ChatMessage, token *cancel.Token) []models.ChatMessage {
	var out []models.ChatMessage
	for msg := range a.RunIter(ctx, history, token) {
		out = append(out, msg)
	}
	return out
}

// RunIter executes the loop in a goroutine and streams new messages as
// they are produced. The channel is closed when the run terminates.
func (a *Assistant) RunIter(ctx context.Context, history []models.ChatMessage, token *cancel.Token) <-chan models.ChatMessage {
	out := make(chan models.ChatMessage, 16)
	go func() {
		defer close(out)
		a.runLoop(ctx, history, token, out)
	}()
	return out
}

func (a *Assistant) runLoop(ctx context.Context, history []models.ChatMessage, token *cancel.Token, out chan<- models.ChatMessage) {
	working := append([]models.ChatMessage(nil), history...)
	todoTool := a.todoTool()
	if todoTool != nil {
		a.restoreTodoState(todoTool, working)
	}
	todoEngaged := todoTool != nil && todoTool.HasItems()
	completed := false
	iterations := 0

	a.publish("agent.run", "started", nil, "")

	emit := func(msg models.ChatMessage) bool {
		working = append(working, msg)
		select {
		case out <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	defer func() {
		state := runIterationLimit
		switch {
		case a.cancelled(ctx, token):
			state = runCancelled
		case completed:
			state = runCompleted
		case iterations < a.maxIterations:
			state = runError
		}
		if a.metrics != nil {
			a.metrics.LoopIterations.Observe(float64(iterations))
			a.metrics.RunsCompleted.WithLabelValues(state).Inc()
		}
		a.publish("agent.run", state, map[string]any{"iterations": iterations}, "")
		a.logger.Info("agent run finished", "state", state, "iterations", iterations)
	}()

loop:
	for iterations < a.maxIterations {
		if a.cancelled(ctx, token) {
			break loop
		}
		iterations++

		resp, err := a.generate(ctx, working, a.sandbox.Tools(), a.systemPrompt)
		if err != nil {
			if a.cancelled(ctx, token) {
				break loop
			}
			a.logger.Error("model call failed", "error", err)
			emit(models.NewChatMessage(models.RoleAssistant,
				fmt.Sprintf("Model call failed: %v", err),
				models.Meta{Kind: models.KindError, Error: err.Error()}))
			break loop
		}
		if a.cancelled(ctx, token) {
			break loop
		}

		if len(resp.ToolCalls) == 0 {
			if resp.Content == "" && resp.FinishReason == "error" {
				a.logger.Error("model returned an error finish", "finish_reason", resp.FinishReason)
				emit(models.NewChatMessage(models.RoleAssistant,
					"Model call failed: provider returned an error response.",
					models.Meta{Kind: models.KindError, Error: "provider error finish"}))
				break loop
			}
			switch a.handlePlainResponse(ctx, token, resp, todoTool, emit, working) {
			case plainCompleted:
				completed = true
				break loop
			case plainAborted:
				break loop
			case plainContinue:
				continue
			}
		}

		// The model produced visible reasoning alongside tool calls; it
		// is shown to the user but never replayed to the model.
		if resp.Content != "" {
			if !emit(models.NewChatMessage(models.RoleAssistant, resp.Content, models.Meta{
				Kind:         models.KindThinking,
				Intermediate: true,
				Transient:    true,
				Usage:        resp.Usage,
			})) {
				break loop
			}
		}

		calls := namedCalls(resp.ToolCalls)
		if len(calls) == 0 {
			if resp.Content == "" {
				// An unusable payload ends the run like an empty plain
				// response does: the warning is the final message.
				emit(models.NewChatMessage(models.RoleAssistant,
					"Agent returned an empty tool call payload.",
					models.Meta{Kind: models.KindWarning}))
				completed = true
				break loop
			}
			if !emit(models.NewChatMessage(models.RoleAssistant, resp.Content,
				models.Meta{Kind: models.KindMessage, Usage: resp.Usage})) {
				break loop
			}
			completed = true
			break loop
		}

		if hasCall(calls, "todo") {
			todoEngaged = true
		}

		if a.cancelled(ctx, token) {
			break loop
		}
		if !emit(models.NewChatMessage(models.RoleAssistant, resp.Content, models.Meta{
			Kind:      models.KindToolCall,
			ToolCalls: calls,
			Usage:     resp.Usage,
		})) {
			break loop
		}

		if a.cancelled(ctx, token) {
			break loop
		}
		results := a.executeTools(ctx, calls, todoTool)
		for _, result := range results {
			if a.cancelled(ctx, token) {
				break loop
			}
			if !emit(toolResultMessage(result)) {
				break loop
			}
		}

		if hasCall(calls, "finish") {
			completed = true
			break loop
		}

		for i, call := range calls {
			if i >= len(results) {
				break
			}
			if a.cancelled(ctx, token) {
				break loop
			}
			planMsg := planMessage(call, results[i])
			if planMsg == nil {
				continue
			}
			if !emit(*planMsg) {
				break loop
			}
		}

		if todoEngaged && todoTool != nil && !todoTool.HasPending() {
			summary := a.generateSummary(ctx, working)
			if a.cancelled(ctx, token) {
				break loop
			}
			if !emit(summary) {
				break loop
			}
			completed = true
			break loop
		}
	}

	if !completed && iterations >= a.maxIterations {
		if a.cancelled(ctx, token) {
			return
		}
		emit(models.NewChatMessage(models.RoleAssistant,
			fmt.Sprintf("Reached iteration limit (%d).", a.maxIterations),
			models.Meta{Kind: models.KindWarning}))
	}
}

// plainOutcome is the loop's disposition after a turn without tool calls.
type plainOutcome int

const (
	// plainCompleted ends the run as a successful completion.
	plainCompleted plainOutcome = iota
	// plainContinue runs another iteration (pending todos remain).
	plainContinue
	// plainAborted means cancellation interrupted the turn.
	plainAborted
)

// handlePlainResponse deals with a model turn that carries no tool calls:
// a regular answer, an intermediate thought while todos are pending, or
// an empty payload that gets replaced by a tool-error digest.
func (a *Assistant) handlePlainResponse(ctx context.Context, token *cancel.Token, resp *llm.Response, todoTool *tools.TodoTool, emit func(models.ChatMessage) bool, working []models.ChatMessage) plainOutcome {
	todoPending := todoTool != nil && todoTool.HasPending()

	if resp.Content == "" {
		if digest := errorDigest(working); digest != "" {
			if a.cancelled(ctx, token) {
				return plainAborted
			}
			if !emit(models.NewChatMessage(models.RoleAssistant, digest,
				models.Meta{Kind: models.KindMessage})) {
				return plainAborted
			}
			if !todoPending {
				return plainCompleted
			}
			return plainContinue
		}
		if a.cancelled(ctx, token) {
			return plainAborted
		}
		if !todoPending {
			emit(models.NewChatMessage(models.RoleAssistant,
				"Agent returned an empty response.",
				models.Meta{Kind: models.KindThinking}))
			return plainCompleted
		}
		return plainContinue
	}

	kind := models.KindMessage
	if todoPending {
		kind = models.KindThinking
	}
	if a.cancelled(ctx, token) {
		return plainAborted
	}
	if !emit(models.NewChatMessage(models.RoleAssistant, resp.Content, models.Meta{
		Kind:         kind,
		Intermediate: todoPending,
		Usage:        resp.Usage,
	})) {
		return plainAborted
	}
	if !todoPending {
		return plainCompleted
	}
	return plainContinue
}

func (a *Assistant) cancelled(ctx context.Context, token *cancel.Token) bool {
	if ctx.Err() != nil {
		return true
	}
	return token.Cancelled()
}

// generate performs one model call over the memory-bounded transcript.
func (a *Assistant) generate(ctx context.Context, working []models.ChatMessage, toolset []tools.Tool, system string) (*llm.Response, error) {
	messages := working
	if a.memory != nil {
		messages = a.memory.BoundedHistory(ctx, working, a.summarize)
	}
	return a.llm.Generate(ctx, &llm.Request{
		System:   system,
		Messages: messages,
		Tools:    toolset,
	})
}

// summarize backs conversation memory with a plain, tool-free model call.
func (a *Assistant) summarize(ctx context.Context, prompt string) (string, error) {
	resp, err := a.llm.Generate(ctx, &llm.Request{
		Messages: []models.ChatMessage{
			models.NewChatMessage(models.RoleUser, prompt, models.Meta{Kind: models.KindMessage}),
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// generateSummary produces the terminal summary message of a todo-driven
// run. A failed or empty model call degrades to "Task complete."
func (a *Assistant) generateSummary(ctx context.Context, working []models.ChatMessage) models.ChatMessage {
	content := "Task complete."
	meta := models.Meta{Kind: models.KindMessage, Summary: true}

	resp, err := a.generate(ctx, working, nil, summarySystemPrompt)
	if err != nil {
		a.logger.Warn("summary generation failed", "error", err)
	} else {
		if strings.TrimSpace(resp.Content) != "" {
			content = resp.Content
		}
		meta.Usage = resp.Usage
	}
	return models.NewChatMessage(models.RoleAssistant, content, meta)
}

// executeTools dispatches the calls in order through the sandbox. Once a
// todo list exists, todo mutations other than complete/skip/list are
// rejected so the model cannot re-plan mid-run.
func (a *Assistant) executeTools(ctx context.Context, calls []models.ToolCall, todoTool *tools.TodoTool) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))
	todoLocked := todoTool != nil && todoTool.HasItems()

	for _, call := range calls {
		if call.Name == "todo" && todoLocked {
			action := strings.ToLower(argumentString(call.Arguments, "action"))
			if action != "list" && action != "complete" && action != "skip" {
				results = append(results, models.ToolResult{
					ToolCallID: call.ID,
					ToolName:   call.Name,
					Error:      "todo list is already initialized; only 'complete', 'skip', or 'list' allowed until finish",
					Success:    false,
				})
				continue
			}
		}

		output, err := a.sandbox.Execute(ctx, call.Name, call.Arguments)
		if err != nil {
			results = append(results, models.ToolResult{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Error:      err.Error(),
				Success:    false,
			})
			continue
		}
		if errValue, ok := output["error"]; ok && errValue != nil && fmt.Sprint(errValue) != "" {
			results = append(results, models.ToolResult{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Error:      fmt.Sprint(errValue),
				Success:    false,
			})
			continue
		}
		results = append(results, models.ToolResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Result:     output,
			Success:    true,
		})
	}
	return results
}

// restoreTodoState rebuilds the todo list from the most recent todo tool
// result in the transcript. A finish result between now and then means
// the previous task concluded, so nothing is restored.
func (a *Assistant) restoreTodoState(todoTool *tools.TodoTool, history []models.ChatMessage) {
	if todoTool.HasItems() {
		return
	}
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Role != models.RoleTool {
			continue
		}
		if msg.Meta.ToolName == "finish" {
			return
		}
		if msg.Meta.ToolName != "todo" {
			continue
		}
		var result struct {
			Items []tools.TodoItem `json:"items"`
		}
		if err := json.Unmarshal(msg.Meta.Result, &result); err != nil || result.Items == nil {
			return
		}
		todoTool.Restore(result.Items)
		return
	}
}

func (a *Assistant) todoTool() *tools.TodoTool {
	tool, ok := a.sandbox.Tool("todo")
	if !ok {
		return nil
	}
	todoTool, ok := tool.(*tools.TodoTool)
	if !ok {
		return nil
	}
	return todoTool
}

func (a *Assistant) publish(eventType, status string, payload map[string]any, message string) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(models.NewTaskEvent(eventType, status, payload, message))
}

// errorDigest summarizes tool errors from the last six transcript
// messages, newest first.
func errorDigest(history []models.ChatMessage) string {
	start := len(history) - 6
	if start < 0 {
		start = 0
	}
	var errs []string
	for i := len(history) - 1; i >= start; i-- {
		msg := history[i]
		if msg.Role != models.RoleTool {
			continue
		}
		if msg.Meta.Error != "" {
			errs = append(errs, msg.Meta.Error)
		}
	}
	if len(errs) == 0 {
		return ""
	}
	if len(errs) == 1 {
		return "Tool error: " + errs[0]
	}
	var b strings.Builder
	b.WriteString("Multiple tool errors:")
	for _, e := range errs {
		b.WriteString("\n- ")
		b.WriteString(e)
	}
	return b.String()
}

// toolResultMessage renders one tool result as a transcript message. The
// content is the JSON the model will see on the next iteration.
func toolResultMessage(result models.ToolResult) models.ChatMessage {
	var payload any
	if result.Error != "" {
		payload = map[string]any{"error": result.Error}
	} else if result.Result != nil {
		payload = result.Result
	} else {
		payload = map[string]any{"result": "ok"}
	}
	content, err := json.Marshal(payload)
	if err != nil {
		content, _ = json.Marshal(map[string]any{"result": fmt.Sprint(payload)})
	}

	var rawResult json.RawMessage
	if result.Result != nil {
		if encoded, err := json.Marshal(result.Result); err == nil {
			rawResult = encoded
		}
	}
	return models.NewChatMessage(models.RoleTool, string(content), models.Meta{
		Kind:       models.KindToolResult,
		ToolCallID: result.ToolCallID,
		ToolName:   result.ToolName,
		Result:     rawResult,
		Error:      result.Error,
		Success:    result.Success,
	})
}

// planMessage synthesizes the numbered plan message that follows a
// successful todo set/add call. Returns nil when the call is not one.
func planMessage(call models.ToolCall, result models.ToolResult) *models.ChatMessage {
	if call.Name != "todo" || !result.Success {
		return nil
	}
	action := strings.ToLower(argumentString(call.Arguments, "action"))
	if action != "set" && action != "add" {
		return nil
	}
	items, ok := result.Result["items"].([]map[string]any)
	if !ok {
		return nil
	}
	var steps []string
	for _, item := range items {
		if text, ok := item["text"].(string); ok && text != "" {
			steps = append(steps, text)
		}
	}
	if len(steps) == 0 {
		return nil
	}
	var lines []string
	for i, step := range steps {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, step))
	}
	msg := models.NewChatMessage(models.RoleAssistant, strings.Join(lines, "\n"), models.Meta{
		Kind:  models.KindPlan,
		Steps: steps,
	})
	return &msg
}

func argumentString(arguments json.RawMessage, key string) string {
	var decoded map[string]any
	if err := json.Unmarshal(arguments, &decoded); err != nil {
		return ""
	}
	value, _ := decoded[key].(string)
	return value
}

func namedCalls(calls []models.ToolCall) []models.ToolCall {
	out := make([]models.ToolCall, 0, len(calls))
	for _, call := range calls {
		if call.Name == "" {
			continue
		}
		out = append(out, call)
	}
	return out
}

func hasCall(calls []models.ToolCall, name string) bool {
	for _, call := range calls {
		if call.Name == name {
			return true
		}
	}
	return false
}
