package core

import "time"

// EventType names one observable moment in an execution's life.
type EventType string

// Lifecycle, streaming, and state events. The wildcard subscribes to all
// of them.
const (
	EventExecutionStart    EventType = "execution:start"
	EventExecutionProgress EventType = "execution:progress"
	EventExecutionComplete EventType = "execution:complete"
	EventExecutionError    EventType = "execution:error"
	EventExecutionCancel   EventType = "execution:cancel"

	EventNodeStart    EventType = "node:start"
	EventNodeUpdate   EventType = "node:update"
	EventNodeComplete EventType = "node:complete"
	EventNodeError    EventType = "node:error"

	EventStreamThinking EventType = "stream:thinking"
	EventStreamContent  EventType = "stream:content"
	EventStreamToolCall EventType = "stream:tool_call"

	EventStateChanged EventType = "state:changed"

	EventWildcard EventType = "*"
)

// Event is the unit delivered to subscribers. NodeID is empty for
// execution-level events.
type Event struct {
	Type        EventType      `json:"type"`
	ExecutionID string         `json:"executionId"`
	NodeID      string         `json:"nodeId,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// ToolCallStatus tokens used in stream:tool_call payloads.
const (
	ToolCallRunning = "running"
	ToolCallSuccess = "success"
	ToolCallFailed  = "failed"
)
