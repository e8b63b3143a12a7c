package mission

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message roles persisted by the session store.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// EntryKind tags what a history entry (and its durable message) records.
type EntryKind string

const (
	EntryMission     EntryKind = "mission"
	EntryThought     EntryKind = "thought"
	EntryObservation EntryKind = "observation"
	EntryAnswer      EntryKind = "answer"
	EntryApproval    EntryKind = "approval"
	// EntryMessage covers plain messages appended without loop semantics.
	EntryMessage EntryKind = "message"
)

// Message is one durable conversation record. Seq is assigned by the store
// and defines the append order.
type Message struct {
	Seq       int64           `json:"seq"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Kind      EntryKind       `json:"kind,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Approval records the caller's decision on one gated invocation.
type Approval struct {
	Key     string `json:"key"`
	Tool    string `json:"tool"`
	Granted bool   `json:"granted"`
}

// HistoryEntry is one step of a run's execution history.
type HistoryEntry struct {
	Kind        EntryKind    `json:"kind"`
	Role        string       `json:"role,omitempty"`
	Text        string       `json:"text,omitempty"`
	AnswerKey   string       `json:"answer_key,omitempty"`
	Thought     *Thought     `json:"thought,omitempty"`
	Observation *Observation `json:"observation,omitempty"`
	Approval    *Approval    `json:"approval,omitempty"`
	At          time.Time    `json:"at"`
}

// MissionEntry seeds a history with the mission text.
func MissionEntry(text string, at time.Time) HistoryEntry {
	return HistoryEntry{Kind: EntryMission, Role: RoleUser, Text: text, At: at}
}

// AnswerEntry records the user's reply to a pending question.
func AnswerEntry(key, text string, at time.Time) HistoryEntry {
	return HistoryEntry{Kind: EntryAnswer, Role: RoleUser, Text: text, AnswerKey: key, At: at}
}

// ThoughtEntry records a provider decision.
func ThoughtEntry(t Thought, at time.Time) HistoryEntry {
	return HistoryEntry{Kind: EntryThought, Role: RoleAssistant, Text: t.Rationale, Thought: &t, At: at}
}

// ObservationEntry records the outcome of an action.
func ObservationEntry(o Observation, at time.Time) HistoryEntry {
	return HistoryEntry{Kind: EntryObservation, Role: RoleTool, Text: o.Summary(), Observation: &o, At: at}
}

// ApprovalEntry records an approval decision.
func ApprovalEntry(a Approval, at time.Time) HistoryEntry {
	verdict := "denied"
	if a.Granted {
		verdict = "granted"
	}
	return HistoryEntry{
		Kind:     EntryApproval,
		Role:     RoleUser,
		Text:     fmt.Sprintf("approval %s for %s", verdict, a.Tool),
		Approval: &a,
		At:       at,
	}
}

type answerPayload struct {
	AnswerKey string `json:"answer_key"`
}

// Message converts the entry into its durable form.
func (h HistoryEntry) Message() (Message, error) {
	msg := Message{Role: h.Role, Content: h.Text, Kind: h.Kind, CreatedAt: h.At}
	if msg.Role == "" {
		msg.Role = roleForKind(h.Kind)
	}

	var payload any
	switch h.Kind {
	case EntryThought:
		if h.Thought == nil {
			return Message{}, fmt.Errorf("%w: thought entry without thought", ErrInvalidThought)
		}
		payload = h.Thought
	case EntryObservation:
		if h.Observation != nil {
			payload = h.Observation
		}
	case EntryApproval:
		if h.Approval != nil {
			payload = h.Approval
		}
	case EntryAnswer:
		if h.AnswerKey != "" {
			payload = answerPayload{AnswerKey: h.AnswerKey}
		}
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", h.Kind, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// EntryFromMessage rebuilds a history entry from a durable message.
func EntryFromMessage(msg Message) (HistoryEntry, error) {
	entry := HistoryEntry{Kind: msg.Kind, Role: msg.Role, Text: msg.Content, At: msg.CreatedAt}
	if entry.Kind == "" {
		entry.Kind = EntryMessage
	}
	hasPayload := len(msg.Payload) > 0 && string(msg.Payload) != "null"

	switch entry.Kind {
	case EntryThought:
		if !hasPayload {
			return HistoryEntry{}, fmt.Errorf("%w: message %d has no thought payload", ErrInvalidThought, msg.Seq)
		}
		var thought Thought
		if err := json.Unmarshal(msg.Payload, &thought); err != nil {
			return HistoryEntry{}, fmt.Errorf("decode thought message %d: %w", msg.Seq, err)
		}
		entry.Thought = &thought
	case EntryObservation:
		if hasPayload {
			var obs Observation
			if err := json.Unmarshal(msg.Payload, &obs); err != nil {
				return HistoryEntry{}, fmt.Errorf("decode observation message %d: %w", msg.Seq, err)
			}
			entry.Observation = &obs
		}
	case EntryApproval:
		if hasPayload {
			var approval Approval
			if err := json.Unmarshal(msg.Payload, &approval); err != nil {
				return HistoryEntry{}, fmt.Errorf("decode approval message %d: %w", msg.Seq, err)
			}
			entry.Approval = &approval
		}
	case EntryAnswer:
		if hasPayload {
			var payload answerPayload
			if err := json.Unmarshal(msg.Payload, &payload); err == nil {
				entry.AnswerKey = payload.AnswerKey
			}
		}
	}
	return entry, nil
}

// HistoryFromMessages converts a conversation's messages in order.
func HistoryFromMessages(messages []Message) ([]HistoryEntry, error) {
	history := make([]HistoryEntry, 0, len(messages))
	for _, msg := range messages {
		entry, err := EntryFromMessage(msg)
		if err != nil {
			return nil, err
		}
		history = append(history, entry)
	}
	return history, nil
}

// LastMission returns the most recent mission text in history.
func LastMission(history []HistoryEntry) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Kind == EntryMission {
			return history[i].Text
		}
	}
	return ""
}

// ApprovedInvocations returns the invocation keys with a granted approval.
// A later denial revokes an earlier grant for the same key.
func ApprovedInvocations(history []HistoryEntry) map[string]bool {
	approved := make(map[string]bool)
	for _, entry := range history {
		if entry.Kind != EntryApproval || entry.Approval == nil {
			continue
		}
		if entry.Approval.Granted {
			approved[entry.Approval.Key] = true
		} else {
			delete(approved, entry.Approval.Key)
		}
	}
	return approved
}

func roleForKind(kind EntryKind) string {
	switch kind {
	case EntryThought:
		return RoleAssistant
	case EntryObservation:
		return RoleTool
	default:
		return RoleUser
	}
}
