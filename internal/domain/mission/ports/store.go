package ports

import (
	"context"
	"time"

	"missionloop/internal/domain/mission"
)

// ConversationStore persists conversations. Every mutation is durable before
// it returns; Get reflects only persisted writes. Messages come back in
// append order.
type ConversationStore interface {
	Create(ctx context.Context, id string) (*mission.Conversation, error)
	// Get returns mission.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*mission.Conversation, error)
	// AddMessage appends a plain message, creating the conversation if needed.
	AddMessage(ctx context.Context, id, role, content string) (*mission.Conversation, error)
	// AppendMessage appends a typed message, creating the conversation if needed.
	AppendMessage(ctx context.Context, id string, msg mission.Message) (*mission.Conversation, error)
	SaveState(ctx context.Context, id string, state mission.SessionState) error
	ListConversations(ctx context.Context, limit int) ([]mission.ConversationSummary, error)
}

// RunLog persists runs, their plans and their event trail.
type RunLog interface {
	StartRun(ctx context.Context, run mission.RunRecord) error
	FinishRun(ctx context.Context, runID string, status mission.Status, cancelled bool, at time.Time) error
	GetRun(ctx context.Context, runID string) (*mission.RunRecord, error)
	SaveTasks(ctx context.Context, runID string, tasks []mission.PlannedTask) error
	AppendEvent(ctx context.Context, event mission.Event) error
	// ListEvents returns the run's events with Seq greater than afterSeq.
	ListEvents(ctx context.Context, runID string, afterSeq int64) ([]mission.Event, error)
}

// SessionStore is the full durable store used by the loop.
type SessionStore interface {
	ConversationStore
	RunLog
	Close() error
}

// EventSink receives events after they are durably logged. Publish must not
// block on slow consumers.
type EventSink interface {
	Publish(event mission.Event)
}

// RunRegistry tracks in-flight runs and their cancellation flags.
type RunRegistry interface {
	Create(runID string, tasks *mission.TaskList)
	Cancel(runID string) bool
	IsCancelled(runID string) bool
	GetTasks(runID string) (*mission.TaskList, bool)
	Finish(runID string)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock uses wall time.
var SystemClock Clock = ClockFunc(time.Now)
