package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskEvent is a lifecycle or progress notification published on the task
// event bus. Events are immutable once published.
type TaskEvent struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Status    string         `json:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewTaskEvent creates an event with a fresh id and timestamp.
func NewTaskEvent(eventType, status string, payload map[string]any, message string) TaskEvent {
	return TaskEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Status:    status,
		Payload:   payload,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}
