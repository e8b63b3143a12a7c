package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionloop/internal/domain/mission"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "missions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGetUnknownConversation(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "session-missing")
	require.True(t, errors.Is(err, mission.ErrNotFound))
}

func TestMessagesComeBackInAppendOrder(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.Create(ctx, "session-1")
	require.NoError(t, err)
	_, err = store.AddMessage(ctx, "session-1", mission.RoleUser, "hello")
	require.NoError(t, err)
	conv, err := store.AddMessage(ctx, "session-1", mission.RoleAssistant, "hi")
	require.NoError(t, err)

	require.Len(t, conv.Messages, 2)
	assert.Equal(t, mission.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "hello", conv.Messages[0].Content)
	assert.Equal(t, mission.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "hi", conv.Messages[1].Content)
	assert.Less(t, conv.Messages[0].Seq, conv.Messages[1].Seq)
}

func TestAppendMessageCreatesConversation(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	entry := mission.AnswerEntry("region", "prod", time.Now())
	msg, err := entry.Message()
	require.NoError(t, err)

	conv, err := store.AppendMessage(ctx, "session-2", msg)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, mission.StatusRunning, conv.Status)

	back, err := mission.EntryFromMessage(conv.Messages[0])
	require.NoError(t, err)
	assert.Equal(t, "region", back.AnswerKey)
	assert.Equal(t, "prod", back.Text)
}

func TestSaveStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	thought := mission.Thought{
		Rationale:  "needs sign-off",
		Action:     mission.ToolCall{Tool: "deploy", Operation: "apply", Input: map[string]any{"env": "prod"}},
		Confidence: 0.8,
	}
	state := mission.SessionState{
		Status:        mission.StatusPending,
		MissingFields: []string{"approval"},
		Plan: &mission.Plan{ID: "plan-1", Tasks: []mission.PlannedTask{
			{ID: "task-1", Title: "deploy", Status: mission.TaskPending},
		}},
		Pending: &mission.Pending{Kind: mission.PendingApproval, Tool: "deploy", InvocationKey: "abc", Thought: &thought},
	}
	require.NoError(t, store.SaveState(ctx, "session-3", state))

	conv, err := store.Get(ctx, "session-3")
	require.NoError(t, err)
	assert.Equal(t, mission.StatusPending, conv.Status)
	assert.Equal(t, []string{"approval"}, conv.MissingFields)
	if diff := cmp.Diff(state.Plan, conv.Plan); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
	require.NotNil(t, conv.Pending)
	require.NotNil(t, conv.Pending.Thought)
	call, ok := conv.Pending.Thought.Action.(mission.ToolCall)
	require.True(t, ok)
	assert.Equal(t, "deploy", call.Tool)
	assert.Equal(t, "prod", call.Input["env"])

	require.NoError(t, store.SaveState(ctx, "session-3", mission.SessionState{Status: mission.StatusCompleted}))
	conv, err = store.Get(ctx, "session-3")
	require.NoError(t, err)
	assert.Nil(t, conv.Pending)
	assert.Nil(t, conv.Plan)
	assert.Empty(t, conv.MissingFields)
}

func TestRunLifecycleAndTasks(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.StartRun(ctx, mission.RunRecord{
		ID: "run-1", ConversationID: "session-1", Mission: "ship it", Status: mission.StatusRunning, StartedAt: started,
	}))
	require.NoError(t, store.SaveTasks(ctx, "run-1", []mission.PlannedTask{
		{ID: "task-a", Title: "build", Status: mission.TaskCompleted},
		{ID: "task-b", Title: "test", Status: mission.TaskPending},
	}))
	require.NoError(t, store.SaveTasks(ctx, "run-1", []mission.PlannedTask{
		{ID: "task-b", Title: "test", Status: mission.TaskCompleted},
	}))
	tasks, err := store.ListTasks(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []mission.PlannedTask{{ID: "task-b", Title: "test", Status: mission.TaskCompleted}}, tasks)

	require.NoError(t, store.FinishRun(ctx, "run-1", mission.StatusFailed, true, started.Add(time.Minute)))
	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, mission.StatusFailed, run.Status)
	assert.True(t, run.Cancelled)
	require.NotNil(t, run.CompletedAt)
	assert.True(t, run.CompletedAt.Equal(started.Add(time.Minute)))

	err = store.FinishRun(ctx, "run-missing", mission.StatusCompleted, false, started)
	assert.True(t, errors.Is(err, mission.ErrNotFound))
}

func TestEventsReplayAfterSeq(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, typ := range []mission.EventType{mission.EventThinking, mission.EventToolCall, mission.EventCompleted} {
		require.NoError(t, store.AppendEvent(ctx, mission.Event{
			ID: "evt-" + string(typ), RunID: "run-1", Seq: int64(i + 1), Type: typ, Message: string(typ),
			Timestamp: at, ConversationID: "session-1", Data: map[string]any{"step": float64(i)},
		}))
	}
	require.Error(t, store.AppendEvent(ctx, mission.Event{ID: "evt-dup", RunID: "run-1", Seq: 2, Type: mission.EventError}))

	events, err := store.ListEvents(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Seq)
	assert.Equal(t, mission.EventToolCall, events[0].Type)
	assert.Equal(t, float64(1), events[0].Data["step"])
	assert.Equal(t, mission.EventCompleted, events[1].Type)
	assert.True(t, events[1].Timestamp.Equal(at))

	none, err := store.ListEvents(ctx, "run-other", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListConversationsNewestFirst(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store, err := Open(ctx, filepath.Join(t.TempDir(), "m.db"), WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.AddMessage(ctx, "session-old", mission.RoleUser, "a")
	require.NoError(t, err)
	_, err = store.AddMessage(ctx, "session-new", mission.RoleUser, "b")
	require.NoError(t, err)
	_, err = store.AddMessage(ctx, "session-new", mission.RoleAssistant, "c")
	require.NoError(t, err)

	list, err := store.ListConversations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "session-new", list[0].ID)
	assert.Equal(t, 2, list[0].MessageCount)
	assert.Equal(t, "session-old", list[1].ID)
}
