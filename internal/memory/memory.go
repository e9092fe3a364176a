// Package memory bounds conversation history to a token budget,
// summarizing older turns on demand.
//
// The summary of the older split is cached together with the number of
// messages it covers, so repeated calls between new messages cost zero
// extra model calls; summarization is only re-done when the split point
// moves past the cached one.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/argus-ops/argus/pkg/models"
)

const summaryPrompt = `Summarize the following conversation segment for an infrastructure assistant.
The summary will be used to continue the task, so preserve operational details and decisions.

What to preserve:
- Targets, systems, and environment details
- Tools executed and their outcomes
- Findings, errors, and important observations
- Decisions made and next steps
- Paths, commands, parameters, and identifiers

Compression approach:
- Consolidate repetition
- Keep technical precision
- Remove conversational back-and-forth

Conversation segment:
%s

Provide a concise technical summary:`

// SummarizeFunc produces a summary for a prompt, typically backed by the
// LLM client without tool schemas.
type SummarizeFunc func(ctx context.Context, prompt string) (string, error)

// Options configure a Memory. Zero values select the defaults.
type Options struct {
	MaxTokens          int
	ReserveRatio       float64
	RecentToKeep       int
	SummarizeThreshold float64
	ChunkSize          int
}

// Memory manages conversation history within a token budget.
type Memory struct {
	maxTokens          int
	reserveRatio       float64
	recentToKeep       int
	summarizeThreshold float64
	chunkSize          int

	mu              sync.Mutex
	cachedSummary   string
	summarizedCount int
}

// New creates a Memory with the given options.
func New(opts Options) *Memory {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 128000
	}
	if opts.ReserveRatio <= 0 || opts.ReserveRatio > 1 {
		opts.ReserveRatio = 0.8
	}
	if opts.RecentToKeep <= 0 {
		opts.RecentToKeep = 10
	}
	if opts.SummarizeThreshold <= 0 || opts.SummarizeThreshold > 1 {
		opts.SummarizeThreshold = 0.6
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 10
	}
	return &Memory{
		maxTokens:          opts.MaxTokens,
		reserveRatio:       opts.ReserveRatio,
		recentToKeep:       opts.RecentToKeep,
		summarizeThreshold: opts.SummarizeThreshold,
		chunkSize:          opts.ChunkSize,
	}
}

// TokenBudget is the portion of the context window usable for history.
func (m *Memory) TokenBudget() int {
	return int(float64(m.maxTokens) * m.reserveRatio)
}

// EstimateTokens estimates the token count of one message using a
// word-count heuristic (~1.3 tokens per word).
func EstimateTokens(msg models.ChatMessage) int {
	words := len(strings.Fields(msg.Content))
	return int(float64(words) * 1.3)
}

// TotalTokens estimates the token count across all messages.
func TotalTokens(messages []models.ChatMessage) int {
	total := 0
	for _, msg := range messages {
		total += EstimateTokens(msg)
	}
	return total
}

// BoundedHistory returns a history that fits the token budget.
//
// Under the summarize threshold the input is returned unchanged. Small
// histories fall back to suffix truncation. Otherwise the older split is
// summarized in chunks (reusing the cached summary when it covers the
// same split) and returned as a single system message ahead of the
// recent tail.
func (m *Memory) BoundedHistory(ctx context.Context, messages []models.ChatMessage, summarize SummarizeFunc) []models.ChatMessage {
	if len(messages) == 0 {
		return messages
	}

	threshold := int(float64(m.TokenBudget()) * m.summarizeThreshold)
	if TotalTokens(messages) <= threshold {
		return messages
	}

	if len(messages) <= m.recentToKeep {
		return truncateToFit(messages, m.TokenBudget())
	}

	splitPoint := len(messages) - m.recentToKeep
	older := messages[:splitPoint]
	recent := messages[splitPoint:]

	m.mu.Lock()
	cached := m.cachedSummary
	covered := m.summarizedCount
	m.mu.Unlock()

	var summary string
	if cached != "" && splitPoint <= covered {
		summary = cached
	} else {
		summary = m.summarizeChunks(ctx, older, summarize)
		m.mu.Lock()
		m.cachedSummary = summary
		m.summarizedCount = splitPoint
		m.mu.Unlock()
	}

	out := make([]models.ChatMessage, 0, len(recent)+1)
	out = append(out, models.NewChatMessage(models.RoleSystem,
		"Previous conversation summary:\n"+summary, models.Meta{Kind: models.KindMessage}))
	out = append(out, recent...)
	return out
}

// ClearCache drops the cached summary, forcing re-summarization on the
// next bounded call.
func (m *Memory) ClearCache() {
	m.mu.Lock()
	m.cachedSummary = ""
	m.summarizedCount = 0
	m.mu.Unlock()
}

// summarizeChunks summarizes messages in fixed-size chunks, concatenating
// per-chunk summaries labeled by segment. A failed chunk degrades to an
// inline placeholder rather than aborting the whole call.
func (m *Memory) summarizeChunks(ctx context.Context, messages []models.ChatMessage, summarize SummarizeFunc) string {
	if len(messages) == 0 {
		return "[No messages to summarize]"
	}

	var summaries []string
	for i := 0; i < len(messages); i += m.chunkSize {
		end := i + m.chunkSize
		if end > len(messages) {
			end = len(messages)
		}
		chunk := messages[i:end]
		segment := i/m.chunkSize + 1

		text, err := summarize(ctx, fmt.Sprintf(summaryPrompt, formatForSummary(chunk)))
		if err != nil || strings.TrimSpace(text) == "" {
			if err != nil {
				summaries = append(summaries,
					fmt.Sprintf("[%d messages from segment %d - summary failed: %v]", len(chunk), segment, err))
			}
			continue
		}
		summaries = append(summaries, strings.TrimSpace(text))
	}

	if len(summaries) == 0 {
		return fmt.Sprintf("[%d earlier messages - all summarization attempts failed]", len(messages))
	}
	if len(summaries) == 1 {
		return summaries[0]
	}

	labeled := make([]string, len(summaries))
	for i, s := range summaries {
		labeled[i] = fmt.Sprintf("Segment %d: %s", i+1, s)
	}
	return strings.Join(labeled, "\n\n")
}

// formatForSummary renders messages as plain text for the summarizer.
// Tool output is kept longer than chat turns and truncated in the middle
// so both the command and its tail survive.
func formatForSummary(messages []models.ChatMessage) string {
	var lines []string
	for _, msg := range messages {
		content := msg.Content
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			const maxLen = 4000
			if len(content) > maxLen {
				half := maxLen / 2
				content = content[:half] +
					fmt.Sprintf("\n...[%d chars truncated]...\n", len(content)-maxLen) +
					content[len(content)-half:]
			}
			name := msg.Meta.ToolName
			if name == "" {
				name = "tool"
			}
			lines = append(lines, fmt.Sprintf("Tool (%s): %s", name, content))
		case models.RoleUser:
			lines = append(lines, "User: "+clip(content, 2000))
		case models.RoleAssistant:
			lines = append(lines, "Assistant: "+clip(content, 2000))
		}
	}
	return strings.Join(lines, "\n\n")
}

func clip(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...[truncated]"
}

// truncateToFit keeps the newest messages that fit the budget.
func truncateToFit(messages []models.ChatMessage, budget int) []models.ChatMessage {
	total := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		tokens := EstimateTokens(messages[i])
		if total+tokens > budget {
			break
		}
		total += tokens
		start = i
	}
	return messages[start:]
}
