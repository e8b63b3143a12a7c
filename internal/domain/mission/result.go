package mission

import "time"

// Status is the outcome of a run and the resumable state of a conversation.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusPending waits on an approval for a gated tool invocation.
	StatusPending Status = "pending"
	// StatusPaused waits on an answer from the user.
	StatusPaused Status = "paused"
	// StatusRunning is only stored while a loop owns the conversation.
	StatusRunning Status = "running"
)

// Resumable reports whether a conversation in this status waits on input.
func (s Status) Resumable() bool {
	return s == StatusPaused || s == StatusPending
}

// PendingKind distinguishes what a suspended run waits for.
type PendingKind string

const (
	PendingQuestion PendingKind = "question"
	PendingApproval PendingKind = "approval"
)

// Pending describes the input a suspended run needs to continue.
type Pending struct {
	Kind          PendingKind `json:"kind"`
	Question      string      `json:"question,omitempty"`
	AnswerKey     string      `json:"answer_key,omitempty"`
	Fields        []string    `json:"fields,omitempty"`
	Tool          string      `json:"tool,omitempty"`
	Risk          string      `json:"risk,omitempty"`
	InvocationKey string      `json:"invocation_key,omitempty"`
	Thought       *Thought    `json:"thought,omitempty"`
}

// ExecutionResult is what a run returns once the loop exits.
type ExecutionResult struct {
	SessionID       string         `json:"session_id"`
	RunID           string         `json:"run_id"`
	Status          Status         `json:"status"`
	FinalMessage    string         `json:"message"`
	History         []HistoryEntry `json:"history"`
	PlanID          string         `json:"plan_id,omitempty"`
	PendingQuestion string         `json:"pending_question,omitempty"`
	Pending         *Pending       `json:"pending,omitempty"`
	Steps           int            `json:"steps"`
}

// SessionState is the resumable part of a conversation saved alongside its
// messages.
type SessionState struct {
	Status        Status
	MissingFields []string
	Plan          *Plan
	Pending       *Pending
}

// Conversation is the durable session record.
type Conversation struct {
	ID            string    `json:"id"`
	Status        Status    `json:"status"`
	Messages      []Message `json:"messages"`
	MissingFields []string  `json:"missing_fields,omitempty"`
	Plan          *Plan     `json:"plan,omitempty"`
	Pending       *Pending  `json:"pending,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a deep enough copy for cache hand-out.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	out.MissingFields = append([]string(nil), c.MissingFields...)
	if c.Plan != nil {
		plan := Plan{ID: c.Plan.ID, Tasks: cloneTasks(c.Plan.Tasks)}
		out.Plan = &plan
	}
	if c.Pending != nil {
		pending := *c.Pending
		out.Pending = &pending
	}
	return &out
}

// ConversationSummary is a lightweight listing row.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RunRecord is the durable record of one execution attempt.
type RunRecord struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Mission        string     `json:"mission"`
	Status         Status     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Cancelled      bool       `json:"cancelled"`
}
