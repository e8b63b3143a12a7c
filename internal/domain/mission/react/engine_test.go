package react

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"missionloop/internal/domain/mission"
	"missionloop/internal/domain/mission/ports"
	"missionloop/internal/shared/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	store       *memStore
	registry    *fakeRegistry
	tools       *fakeTools
	sink        *recordingSink
	engine      *Engine
	mu          sync.Mutex
	transitions []string
}

func newHarness(t *testing.T, provider ports.DecisionProvider, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		registry: newFakeRegistry(),
		tools:    newFakeTools(),
	}
	h.sink = &recordingSink{store: h.store}
	cfg := Config{
		Provider:        provider,
		Tools:           h.tools,
		Store:           h.store,
		Registry:        h.registry,
		Sink:            h.sink,
		Logger:          logging.Nop(),
		MaxSteps:        10,
		ProviderRetries: 0,
		ProviderTimeout: time.Second,
		ToolTimeout:     time.Second,
		RetryBaseDelay:  time.Millisecond,
		OnTransition: func(_ string, from, to mission.LoopState) {
			h.mu.Lock()
			h.transitions = append(h.transitions, fmt.Sprintf("%s->%s", from, to))
			h.mu.Unlock()
		},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) transitionLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.transitions...)
}

func countKind(history []mission.HistoryEntry, kind mission.EntryKind) int {
	n := 0
	for _, entry := range history {
		if entry.Kind == kind {
			n++
		}
	}
	return n
}

func TestCompleteOnFirstThoughtInLeanMode(t *testing.T) {
	provider := script(decide(mission.Complete{Summary: "nothing to do"}))
	h := newHarness(t, provider)

	result, err := h.engine.Run(context.Background(), RunInput{Mission: "say hi", Lean: true})
	require.NoError(t, err)

	require.Equal(t, mission.StatusCompleted, result.Status)
	require.Equal(t, "nothing to do", result.FinalMessage)
	require.Equal(t, []string{"THINKING->ACTING", "ACTING->COMPLETED"}, h.transitionLog())
	require.Equal(t, 1, provider.callCount())
	require.Equal(t, []mission.EventType{mission.EventThinking, mission.EventCompleted}, h.sink.types())

	conv, err := h.store.Get(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.Equal(t, mission.StatusCompleted, conv.Status)
}

func TestCompleteOnFirstThoughtPlansFirst(t *testing.T) {
	provider := script(decide(mission.Complete{Summary: "done"}))
	h := newHarness(t, provider)

	result, err := h.engine.Run(context.Background(), RunInput{Mission: "say hi"})
	require.NoError(t, err)

	require.Equal(t, mission.StatusCompleted, result.Status)
	require.Equal(t, []string{"PLANNING->THINKING", "THINKING->ACTING", "ACTING->COMPLETED"}, h.transitionLog())
	require.Equal(t, []mission.EventType{mission.EventPlanCreated, mission.EventThinking, mission.EventCompleted}, h.sink.types())
	require.NotEmpty(t, result.PlanID)
	require.Empty(t, h.sink.unlogged)

	run, err := h.store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Equal(t, mission.StatusCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)
	require.Equal(t, []string{result.RunID}, h.registry.finished)
}

func TestToolErrorsNeverAbortTheRun(t *testing.T) {
	provider := script(
		decide(mission.ToolCall{Tool: "flaky", Input: map[string]any{"n": 1}}),
		decide(mission.ToolCall{Tool: "flaky", Input: map[string]any{"n": 2}}),
		decide(mission.ToolCall{Tool: "missing"}),
		decide(mission.Complete{Summary: "gave up gracefully"}),
	)
	h := newHarness(t, provider)
	h.tools.add(ports.ToolSpec{Name: "flaky"}, func(context.Context, map[string]any) ports.ToolResult {
		return ports.ToolResult{Status: ports.ToolStatusError, Message: "disk full"}
	})

	result, err := h.engine.Run(context.Background(), RunInput{Mission: "try things", Lean: true})
	require.NoError(t, err)

	require.Equal(t, mission.StatusCompleted, result.Status)
	require.Equal(t, 3, countKind(result.History, mission.EntryObservation))
	require.Equal(t, 4, countKind(result.History, mission.EntryThought))

	var statuses []mission.ObservationStatus
	for _, entry := range result.History {
		if entry.Observation != nil {
			statuses = append(statuses, entry.Observation.Status)
		}
	}
	require.Equal(t, []mission.ObservationStatus{mission.ObservationError, mission.ObservationError, mission.ObservationSkipped}, statuses)
}

func TestStepLimitFailsAfterExactlyMaxSteps(t *testing.T) {
	provider := script(decide(mission.Replan{Reason: "try again"}))
	h := newHarness(t, provider, func(cfg *Config) { cfg.MaxSteps = 3 })

	result, err := h.engine.Run(context.Background(), RunInput{Mission: "loop forever"})
	require.NoError(t, err)

	require.Equal(t, mission.StatusFailed, result.Status)
	require.Contains(t, result.FinalMessage, "step limit exceeded")
	require.Equal(t, 3, provider.callCount())
	require.Equal(t, 3, result.Steps)

	types := h.sink.types()
	require.Equal(t, mission.EventError, types[len(types)-1])
}

func TestRunInputOverridesStepBudget(t *testing.T) {
	provider := script(decide(mission.Replan{Reason: "again"}))
	h := newHarness(t, provider)

	result, err := h.engine.Run(context.Background(), RunInput{Mission: "loop", MaxSteps: 2, Lean: true})
	require.NoError(t, err)
	require.Equal(t, 2, provider.callCount())
	require.Contains(t, result.FinalMessage, "step limit exceeded")
}

func TestProviderRetryIsBounded(t *testing.T) {
	provider := script(failWith(errProviderDown))
	h := newHarness(t, provider, func(cfg *Config) { cfg.ProviderRetries = 2 })

	result, err := h.engine.Run(context.Background(), RunInput{Mission: "anything", Lean: true})
	require.NoError(t, err)

	require.Equal(t, mission.StatusFailed, result.Status)
	require.Equal(t, 3, provider.callCount())
	require.NotContains(t, result.FinalMessage, "connection refused")
	require.Equal(t, []mission.EventType{mission.EventError}, h.sink.types())
	require.Equal(t, 1, countKind(result.History, mission.EntryMission))
}

func TestProviderRetryRecovers(t *testing.T) {
	provider := script(failWith(errProviderDown), decide(mission.Complete{Summary: "ok"}))
	h := newHarness(t, provider, func(cfg *Config) { cfg.ProviderRetries = 1 })

	result, err := h.engine.Run(context.Background(), RunInput{Mission: "anything", Lean: true})
	require.NoError(t, err)
	require.Equal(t, mission.StatusCompleted, result.Status)
	require.Equal(t, 2, provider.callCount())
}

func TestMalformedActionIsProviderFailure(t *testing.T) {
	provider := script(decide(mission.ToolCall{}))
	h := newHarness(t, provider, func(cfg *Config) { cfg.ProviderRetries = 1 })

	result, err := h.engine.Run(context.Background(), RunInput{Mission: "anything", Lean: true})
	require.NoError(t, err)
	require.Equal(t, mission.StatusFailed, result.Status)
	require.Equal(t, "The decision provider returned an invalid decision.", result.FinalMessage)
	require.Equal(t, 2, provider.callCount())
	require.Zero(t, h.tools.callCount())
}

func TestAskUserPausesAndResumesFromPersistedHistory(t *testing.T) {
	provider := script(
		decide(mission.AskUser{Question: "Which branch?", AnswerKey: "branch", Fields: []string{"branch"}}),
		decide(mission.Complete{Summary: "merged"}),
	)
	h := newHarness(t, provider)

	first, err := h.engine.Run(context.Background(), RunInput{Mission: "merge my branch", Lean: true})
	require.NoError(t, err)
	require.Equal(t, mission.StatusPaused, first.Status)
	require.Equal(t, "Which branch?", first.PendingQuestion)
	require.Equal(t, []string{"THINKING->ACTING", "ACTING->AWAITING_USER"}, h.transitionLog())

	conv, err := h.store.Get(context.Background(), first.SessionID)
	require.NoError(t, err)
	require.Equal(t, mission.StatusPaused, conv.Status)
	require.Equal(t, []string{"branch"}, conv.MissingFields)
	require.NotNil(t, conv.Pending)

	second, err := h.engine.Run(context.Background(), RunInput{SessionID: first.SessionID, Answer: "feature/x"})
	require.NoError(t, err)
	require.Equal(t, mission.StatusCompleted, second.Status)
	require.NotEqual(t, first.RunID, second.RunID)

	// The resumed history is the persisted one plus the answer, then new steps.
	prefix := second.History[:len(first.History)]
	if diff := cmp.Diff(first.History, prefix); diff != "" {
		t.Fatalf("resumed history diverged (-want +got):\n%s", diff)
	}
	answer := second.History[len(first.History)]
	require.Equal(t, mission.EntryAnswer, answer.Kind)
	require.Equal(t, "feature/x", answer.Text)
	require.Equal(t, "branch", answer.AnswerKey)

	// The provider saw the answer on the resumed call.
	lastReq := provider.requests[len(provider.requests)-1]
	require.Equal(t, "merge my branch", lastReq.Mission)
	require.Equal(t, "feature/x", lastReq.History[len(lastReq.History)-1].Text)

	// Each run owns its own event sequence starting at 1.
	events, err := h.store.ListEvents(context.Background(), second.RunID, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, events[0].Seq)
	for i, event := range events {
		require.EqualValues(t, i+1, event.Seq)
		require.Equal(t, second.RunID, event.RunID)
	}

	conv, err = h.store.Get(context.Background(), first.SessionID)
	require.NoError(t, err)
	require.Equal(t, mission.StatusCompleted, conv.Status)
	require.Nil(t, conv.Pending)
	require.Len(t, conv.Messages, len(second.History))
}

func TestResumeWithoutAnswerIsRejected(t *testing.T) {
	provider := script(decide(mission.AskUser{Question: "?", AnswerKey: "k"}))
	h := newHarness(t, provider)

	first, err := h.engine.Run(context.Background(), RunInput{Mission: "m", Lean: true})
	require.NoError(t, err)

	_, err = h.engine.Run(context.Background(), RunInput{SessionID: first.SessionID})
	require.ErrorIs(t, err, ErrAnswerRequired)
}

func TestMissionRequired(t *testing.T) {
	h := newHarness(t, script(decide(mission.Complete{Summary: "x"})))
	_, err := h.engine.Run(context.Background(), RunInput{})
	require.ErrorIs(t, err, ErrMissionRequired)
}

func TestApprovalGatedToolWaitsForApproval(t *testing.T) {
	call := mission.ToolCall{Tool: "deploy", Operation: "release", Input: map[string]any{"env": "prod"}}
	provider := script(decide(call), decide(mission.Complete{Summary: "deployed"}))
	h := newHarness(t, provider)
	h.tools.add(ports.ToolSpec{Name: "deploy", RequiresApproval: true, Risk: ports.RiskHigh}, func(context.Context, map[string]any) ports.ToolResult {
		return ports.ToolResult{Status: ports.ToolStatusOK, Message: "released"}
	})

	first, err := h.engine.Run(context.Background(), RunInput{Mission: "ship it", Lean: true})
	require.NoError(t, err)
	require.Equal(t, mission.StatusPending, first.Status)
	require.Zero(t, h.tools.callCount())
	require.NotNil(t, first.Pending)
	require.Equal(t, mission.PendingApproval, first.Pending.Kind)
	require.Equal(t, mission.InvocationKey(call), first.Pending.InvocationKey)
	require.Equal(t, "high", first.Pending.Risk)

	granted := true
	second, err := h.engine.Run(context.Background(), RunInput{SessionID: first.SessionID, Approval: &granted})
	require.NoError(t, err)
	require.Equal(t, mission.StatusCompleted, second.Status)
	require.Equal(t, 1, h.tools.callCount())
	require.Equal(t, "release", h.tools.calls[0].action)
	require.Equal(t, 2, provider.callCount())

	approvals := 0
	for _, entry := range second.History {
		if entry.Kind == mission.EntryApproval {
			approvals++
			require.True(t, entry.Approval.Granted)
			require.Equal(t, mission.InvocationKey(call), entry.Approval.Key)
		}
	}
	require.Equal(t, 1, approvals)
}

func TestDeniedApprovalBecomesFailedObservation(t *testing.T) {
	call := mission.ToolCall{Tool: "rm", Input: map[string]any{"path": "/"}}
	provider := script(decide(call), decide(mission.Complete{Summary: "skipped deletion"}))
	h := newHarness(t, provider)
	h.tools.add(ports.ToolSpec{Name: "rm", RequiresApproval: true}, func(context.Context, map[string]any) ports.ToolResult {
		t.Fatal("denied tool must not run")
		return ports.ToolResult{}
	})

	first, err := h.engine.Run(context.Background(), RunInput{Mission: "clean up", Lean: true})
	require.NoError(t, err)
	require.Equal(t, mission.StatusPending, first.Status)

	second, err := h.engine.Run(context.Background(), RunInput{SessionID: first.SessionID, Answer: "no"})
	require.NoError(t, err)
	require.Equal(t, mission.StatusCompleted, second.Status)

	var obs *mission.Observation
	for _, entry := range second.History {
		if entry.Observation != nil {
			obs = entry.Observation
		}
	}
	require.NotNil(t, obs)
	require.False(t, obs.Success)
	require.Equal(t, "approval denied by user", obs.Error)
}

func TestApprovalIsScopedToExactInvocation(t *testing.T) {
	provider := script(
		decide(mission.ToolCall{Tool: "deploy", Input: map[string]any{"env": "staging"}}),
		decide(mission.ToolCall{Tool: "deploy", Input: map[string]any{"env": "prod"}}),
	)
	h := newHarness(t, provider)
	h.tools.add(ports.ToolSpec{Name: "deploy", RequiresApproval: true}, func(context.Context, map[string]any) ports.ToolResult {
		return ports.ToolResult{Status: ports.ToolStatusOK}
	})

	first, err := h.engine.Run(context.Background(), RunInput{Mission: "ship", Lean: true})
	require.NoError(t, err)

	second, err := h.engine.Run(context.Background(), RunInput{SessionID: first.SessionID, Answer: "yes"})
	require.NoError(t, err)
	require.Equal(t, mission.StatusPending, second.Status)
	require.Equal(t, 1, h.tools.callCount())
	require.Equal(t, mission.InvocationKey(mission.ToolCall{Tool: "deploy", Input: map[string]any{"env": "prod"}}), second.Pending.InvocationKey)
}

func TestToolRequestingUserInputPausesRun(t *testing.T) {
	provider := script(decide(mission.ToolCall{Tool: "login"}))
	h := newHarness(t, provider)
	h.tools.add(ports.ToolSpec{Name: "login"}, func(context.Context, map[string]any) ports.ToolResult {
		return ports.ToolResult{Status: ports.ToolStatusOK, Data: map[string]any{
			"needs_user_input": true,
			"question_to_user": "Enter the OTP",
		}}
	})

	result, err := h.engine.Run(context.Background(), RunInput{Mission: "log in", Lean: true})
	require.NoError(t, err)
	require.Equal(t, mission.StatusPaused, result.Status)
	require.Equal(t, "Enter the OTP", result.PendingQuestion)
	require.Equal(t, []string{"THINKING->ACTING", "ACTING->OBSERVING", "OBSERVING->AWAITING_USER"}, h.transitionLog())
}

func TestCancellationIsObservedAfterInFlightTool(t *testing.T) {
	provider := script(decide(mission.ToolCall{Tool: "slow"}))
	h := newHarness(t, provider)

	started := make(chan string, 1)
	release := make(chan struct{})
	h.tools.add(ports.ToolSpec{Name: "slow"}, func(context.Context, map[string]any) ports.ToolResult {
		started <- "go"
		<-release
		return ports.ToolResult{Status: ports.ToolStatusOK, Message: "finished"}
	})

	runID := "run-cancel-me"
	done := make(chan *mission.ExecutionResult, 1)
	go func() {
		result, err := h.engine.Run(context.Background(), RunInput{RunID: runID, Mission: "wait", Lean: true})
		assert.NoError(t, err)
		done <- result
	}()

	<-started
	require.True(t, h.registry.Cancel(runID))
	close(release)
	result := <-done

	require.Equal(t, mission.StatusFailed, result.Status)
	require.Equal(t, "cancelled", result.FinalMessage)
	require.Equal(t, 1, provider.callCount())
	require.Equal(t, 1, countKind(result.History, mission.EntryObservation), "in-flight tool result is kept")

	types := h.sink.types()
	require.Equal(t, mission.EventCancelled, types[len(types)-1])

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.True(t, run.Cancelled)
	require.Equal(t, mission.StatusFailed, run.Status)
}

func TestContextCancellationIsNotAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := ports.DecisionFunc(func(ctx context.Context, _ ports.DecisionRequest) (mission.Thought, error) {
		cancel()
		<-ctx.Done()
		return mission.Thought{}, ctx.Err()
	})
	h := newHarness(t, provider, func(cfg *Config) { cfg.ProviderRetries = 3 })

	result, err := h.engine.Run(ctx, RunInput{Mission: "m", Lean: true})
	require.NoError(t, err)
	require.Equal(t, mission.StatusFailed, result.Status)
	require.Equal(t, "cancelled", result.FinalMessage)

	conv, err := h.store.Get(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.Equal(t, mission.StatusFailed, conv.Status)
}

func TestEventLogFailureAbortsRun(t *testing.T) {
	provider := script(decide(mission.Complete{Summary: "done"}))
	h := newHarness(t, provider)
	h.store.failAppendEvent = errors.New("disk I/O error")

	result, err := h.engine.Run(context.Background(), RunInput{Mission: "m", Lean: true})
	require.NoError(t, err)
	require.Equal(t, mission.StatusFailed, result.Status)
	require.Equal(t, "Mission events could not be recorded.", result.FinalMessage)
	require.Empty(t, h.sink.types(), "nothing is published without a durable log entry")
}

func TestSuccessfulObservationCompletesPlanStep(t *testing.T) {
	base := script(
		decideStep(1, mission.ToolCall{Tool: "fetch"}),
		decide(mission.Replan{Reason: "need more detail"}),
		decide(mission.Complete{Summary: "done"}),
	)
	provider := &plannerProvider{scriptedProvider: base, titles: []string{"read docs", "fetch data"}}
	h := newHarness(t, provider)
	h.tools.add(ports.ToolSpec{Name: "fetch", ReadOnly: true}, func(context.Context, map[string]any) ports.ToolResult {
		return ports.ToolResult{Status: ports.ToolStatusOK, Data: map[string]any{"rows": 3}}
	})

	runID := "run-plan"
	result, err := h.engine.Run(context.Background(), RunInput{RunID: runID, Mission: "report"})
	require.NoError(t, err)
	require.Equal(t, mission.StatusCompleted, result.Status)
	require.Equal(t, []string{"", "need more detail"}, provider.reasons)

	tasks, ok := h.registry.GetTasks(runID)
	require.True(t, ok)
	snapshot := tasks.Snapshot()
	require.Len(t, snapshot, 2)
	require.Equal(t, mission.TaskPending, snapshot[0].Status)
	require.Equal(t, mission.TaskCompleted, snapshot[1].Status, "completed status survives the replan")

	require.Equal(t, []mission.EventType{
		mission.EventPlanCreated,
		mission.EventThinking,
		mission.EventToolCall,
		mission.EventToolResult,
		mission.EventPlanUpdated,
		mission.EventThinking,
		mission.EventPlanUpdated,
		mission.EventThinking,
		mission.EventCompleted,
	}, h.sink.types())
}

func TestAllowedToolsRestrictInvocation(t *testing.T) {
	provider := script(decide(mission.ToolCall{Tool: "shell"}), decide(mission.Complete{Summary: "ok"}))
	h := newHarness(t, provider)
	h.tools.add(ports.ToolSpec{Name: "shell"}, func(context.Context, map[string]any) ports.ToolResult {
		return ports.ToolResult{Status: ports.ToolStatusOK}
	})
	h.tools.add(ports.ToolSpec{Name: "search"}, func(context.Context, map[string]any) ports.ToolResult {
		return ports.ToolResult{Status: ports.ToolStatusOK}
	})

	result, err := h.engine.Run(context.Background(), RunInput{Mission: "m", Lean: true, AllowedTools: []string{"search"}})
	require.NoError(t, err)
	require.Equal(t, mission.StatusCompleted, result.Status)
	require.Zero(t, h.tools.callCount())
	require.Len(t, provider.requests[0].Tools, 1)
	require.Equal(t, "search", provider.requests[0].Tools[0].Name)
}

func TestToolPanicIsRecoveredAsErrorObservation(t *testing.T) {
	provider := script(decide(mission.ToolCall{Tool: "boom"}), decide(mission.Complete{Summary: "survived"}))
	h := newHarness(t, provider)
	h.tools.add(ports.ToolSpec{Name: "boom"}, func(context.Context, map[string]any) ports.ToolResult {
		panic("kaboom")
	})

	result, err := h.engine.Run(context.Background(), RunInput{Mission: "m", Lean: true})
	require.NoError(t, err)
	require.Equal(t, mission.StatusCompleted, result.Status)
	require.Equal(t, 1, countKind(result.History, mission.EntryObservation))
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	provider := script(decide(mission.Complete{Summary: "done"}))
	h := newHarness(t, provider)

	var wg sync.WaitGroup
	results := make([]*mission.ExecutionResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := h.engine.Run(context.Background(), RunInput{Mission: fmt.Sprintf("m%d", i), Lean: true})
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, result := range results {
		require.Equal(t, mission.StatusCompleted, result.Status)
		require.False(t, seen[result.SessionID])
		seen[result.SessionID] = true
	}
}

func TestNewEngineValidatesCollaborators(t *testing.T) {
	_, err := NewEngine(Config{})
	require.Error(t, err)

	_, err = NewEngine(Config{
		Provider:        script(decide(mission.Complete{Summary: "x"})),
		Tools:           newFakeTools(),
		Store:           newMemStore(),
		Registry:        newFakeRegistry(),
		ProviderRetries: -1,
	})
	require.Error(t, err)
}

// cancelOnEvent cancels the run as soon as the given event type is published.
type cancelOnEvent struct {
	next     ports.EventSink
	registry *fakeRegistry
	on       mission.EventType
}

func (s cancelOnEvent) Publish(event mission.Event) {
	if event.Type == s.on {
		s.registry.Cancel(event.RunID)
	}
	s.next.Publish(event)
}

func TestCancelAfterCompletedEventKeepsCompletion(t *testing.T) {
	provider := script(decide(mission.Complete{Summary: "shipped"}))
	h := newHarness(t, provider, func(cfg *Config) {
		cfg.Sink = cancelOnEvent{next: cfg.Sink, registry: cfg.Registry.(*fakeRegistry), on: mission.EventCompleted}
	})

	runID := "run-late-cancel"
	result, err := h.engine.Run(context.Background(), RunInput{RunID: runID, Mission: "ship", Lean: true})
	require.NoError(t, err)

	require.Equal(t, mission.StatusCompleted, result.Status)
	require.Equal(t, "shipped", result.FinalMessage)
	require.Equal(t, []mission.EventType{mission.EventThinking, mission.EventCompleted}, h.sink.types())
	require.Equal(t, []string{"THINKING->ACTING", "ACTING->COMPLETED"}, h.transitionLog())

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.False(t, run.Cancelled)
	require.Equal(t, mission.StatusCompleted, run.Status)

	conv, err := h.store.Get(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.Equal(t, mission.StatusCompleted, conv.Status)
}

func TestCancellationRecordsFailedTransition(t *testing.T) {
	var h *harness
	provider := ports.DecisionFunc(func(_ context.Context, req ports.DecisionRequest) (mission.Thought, error) {
		h.registry.Cancel(req.RunID)
		return decide(mission.ToolCall{Tool: "noop"}).thought, nil
	})
	h = newHarness(t, provider)

	result, err := h.engine.Run(context.Background(), RunInput{Mission: "m", Lean: true})
	require.NoError(t, err)
	require.Equal(t, "cancelled", result.FinalMessage)
	require.Equal(t, []string{"THINKING->FAILED"}, h.transitionLog())
}

func TestProviderFailureRecordsFailedTransition(t *testing.T) {
	h := newHarness(t, script(failWith(errProviderDown)))

	result, err := h.engine.Run(context.Background(), RunInput{Mission: "m"})
	require.NoError(t, err)
	require.Equal(t, mission.StatusFailed, result.Status)
	require.Equal(t, []string{"PLANNING->THINKING", "THINKING->FAILED"}, h.transitionLog())
}
