// Package events provides the fire-and-forget event bus that observers use
// to follow task execution. Publishing is synchronous and in-process;
// observer failures never propagate to the publisher.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a lifecycle event. The set is closed; observers can
// rely on exhaustive switches.
type EventType string

const (
	TaskCreated    EventType = "TASK_CREATED"
	TaskPlanning   EventType = "TASK_PLANNING"
	TaskDispatched EventType = "TASK_DISPATCHED"
	TaskStarted    EventType = "TASK_STARTED"
	TaskProgress   EventType = "TASK_PROGRESS"
	TaskPaused     EventType = "TASK_PAUSED"
	TaskResumed    EventType = "TASK_RESUMED"
	TaskCompleted  EventType = "TASK_COMPLETED"
	TaskFailed     EventType = "TASK_FAILED"
	TaskCancelled  EventType = "TASK_CANCELLED"

	CapabilityStarted  EventType = "CAPABILITY_STARTED"
	CapabilityExecuted EventType = "CAPABILITY_EXECUTED"
	CapabilityFailed   EventType = "CAPABILITY_FAILED"

	AgentHeartbeat EventType = "AGENT_HEARTBEAT"
	AgentThinking  EventType = "AGENT_THINKING"
	ToolCalled     EventType = "TOOL_CALLED"
	ToolResult     EventType = "TOOL_RESULT"
	SystemError    EventType = "SYSTEM_ERROR"
)

// Level grades event severity for observers that filter.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is an immutable, append-only record of something that happened
// during task execution.
type Event struct {
	EventID         string                 `json:"event_id"`
	TraceID         string                 `json:"trace_id"`
	TaskID          string                 `json:"task_id,omitempty"`
	TaskPath        string                 `json:"task_path,omitempty"`
	Type            EventType              `json:"event_type"`
	Timestamp       time.Time              `json:"timestamp"`
	Source          string                 `json:"source_component"`
	AgentID         string                 `json:"agent_id,omitempty"`
	Level           Level                  `json:"level"`
	Data            map[string]interface{} `json:"data,omitempty"`
	EnrichedContext map[string]interface{} `json:"enriched_context,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// newEvent constructs an event with a UUID and current UTC timestamp.
func newEvent(traceID string, eventType EventType, source string, data map[string]interface{}) *Event {
	return &Event{
		EventID:   uuid.New().String(),
		TraceID:   traceID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Level:     LevelInfo,
		Data:      data,
	}
}
