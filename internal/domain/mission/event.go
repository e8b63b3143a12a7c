package mission

import "time"

// EventType is the routing discriminator of an event on every transport.
type EventType string

const (
	EventThinking      EventType = "thinking"
	EventToolCall      EventType = "tool_call"
	EventToolResult    EventType = "tool_result"
	EventClarification EventType = "clarification"
	EventApproval      EventType = "approval"
	EventPlanCreated   EventType = "plan_created"
	EventPlanUpdated   EventType = "plan_updated"
	EventCompleted     EventType = "completed"
	EventError         EventType = "error"
	EventCancelled     EventType = "cancelled"
)

// Event is one entry of a run's ordered event stream.
type Event struct {
	ID             string         `json:"id"`
	Seq            int64          `json:"seq"`
	Type           EventType      `json:"type"`
	Message        string         `json:"message"`
	Timestamp      time.Time      `json:"timestamp"`
	RunID          string         `json:"run_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	TaskID         string         `json:"task_id,omitempty"`
	Data           map[string]any `json:"data"`
}

// Terminal reports whether no further events follow in the run.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventError, EventCancelled:
		return true
	}
	return false
}

// Suspends reports whether the event announces that the run stops to wait
// for the caller.
func (e Event) Suspends() bool {
	switch e.Type {
	case EventClarification:
		return true
	case EventApproval:
		status, _ := e.Data["status"].(string)
		return status == "requested"
	}
	return false
}
