package mission

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestHistoryMessageRoundTrip(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	history := []HistoryEntry{
		MissionEntry("summarise the report", at),
		ThoughtEntry(Thought{Rationale: "ask", Action: AskUser{Question: "Which report?", AnswerKey: "report"}, Confidence: 0.5}, at),
		AnswerEntry("report", "Q3", at),
		ObservationEntry(Observation{Success: false, Status: ObservationSkipped, Tool: "ghost", Error: "unknown tool"}, at),
		ApprovalEntry(Approval{Key: "abc", Tool: "deploy", Granted: true}, at),
	}

	messages := make([]Message, 0, len(history))
	for i, entry := range history {
		msg, err := entry.Message()
		require.NoError(t, err)
		msg.Seq = int64(i + 1)
		messages = append(messages, msg)
	}

	restored, err := HistoryFromMessages(messages)
	require.NoError(t, err)
	if diff := cmp.Diff(history, restored); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestEntryFromPlainMessage(t *testing.T) {
	entry, err := EntryFromMessage(Message{Seq: 1, Role: RoleAssistant, Content: "hi"})
	require.NoError(t, err)
	require.Equal(t, EntryMessage, entry.Kind)
	require.Equal(t, "hi", entry.Text)
}

func TestApprovedInvocationsHonoursLatestDecision(t *testing.T) {
	now := time.Now()
	history := []HistoryEntry{
		ApprovalEntry(Approval{Key: "a", Granted: true}, now),
		ApprovalEntry(Approval{Key: "b", Granted: true}, now),
		ApprovalEntry(Approval{Key: "b", Granted: false}, now),
	}
	require.Equal(t, map[string]bool{"a": true}, ApprovedInvocations(history))
}

func TestLastMission(t *testing.T) {
	now := time.Now()
	history := []HistoryEntry{MissionEntry("first", now), AnswerEntry("k", "v", now), MissionEntry("second", now)}
	require.Equal(t, "second", LastMission(history))
	require.Empty(t, LastMission(nil))
}
