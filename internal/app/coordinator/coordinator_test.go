package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionloop/internal/app/registry"
	"missionloop/internal/domain/mission"
	"missionloop/internal/domain/mission/ports"
	"missionloop/internal/domain/mission/react"
	"missionloop/internal/infra/eventbus"
	"missionloop/internal/infra/llm"
	"missionloop/internal/infra/store/sqlite"
	"missionloop/internal/infra/tools"
	runtimeconfig "missionloop/internal/shared/config"
	"missionloop/internal/shared/logging"
)

const deployScript = `
plan: [pick region, deploy]
steps:
  - step_ref: 0
    rationale: need the region
    action: {type: ask_user, question: Which region?, answer_key: region}
  - step_ref: 1
    rationale: deploy it
    action: {type: tool_call, tool: deploy, action: apply, input: {replicas: 2}}
  - step_ref: 1
    action: {type: complete, summary: deployed}
`

type harness struct {
	coordinator *Coordinator
	store       *sqlite.Store
	registry    *registry.Registry
	bus         *eventbus.Bus
}

func newHarness(t *testing.T, script string, tool tools.Tool, runtime runtimeconfig.RuntimeConfig) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "missions.db"), sqlite.WithLogger(logging.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	provider, err := llm.ParseScript([]byte(script))
	require.NoError(t, err)

	toolRegistry := tools.NewRegistry(tools.WithLogger(logging.Nop()))
	if tool != nil {
		require.NoError(t, toolRegistry.Register(tool))
	}

	if runtime.MaxSteps == 0 {
		runtime.MaxSteps = 10
	}
	reg := registry.New()
	bus := eventbus.New(eventbus.WithLogger(logging.Nop()))
	coord, err := New(Config{
		Provider: provider,
		Tools:    toolRegistry,
		Store:    store,
		Registry: reg,
		Bus:      bus,
		Runtime:  runtime,
	}, WithLogger(logging.Nop()))
	require.NoError(t, err)
	t.Cleanup(coord.Wait)

	return &harness{coordinator: coord, store: store, registry: reg, bus: bus}
}

func deployTool(fn func(ctx context.Context, operation string, params map[string]any) (map[string]any, error)) tools.Tool {
	return tools.FuncTool{
		ToolSpec: ports.ToolSpec{Name: "deploy", Operations: []string{"apply"}},
		Fn:       fn,
	}
}

func okDeploy(context.Context, string, map[string]any) (map[string]any, error) {
	return map[string]any{"release": "r1"}, nil
}

func TestSubmitPausesAndResumes(t *testing.T) {
	h := newHarness(t, deployScript, deployTool(okDeploy), runtimeconfig.RuntimeConfig{})
	ctx := context.Background()

	first, err := h.coordinator.Submit(ctx, MissionRequest{Mission: "deploy the api"})
	require.NoError(t, err)
	require.Equal(t, mission.StatusPaused, first.Status)
	assert.Equal(t, "Which region?", first.PendingQuestion)

	conv, err := h.coordinator.Session(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, mission.StatusPaused, conv.Status)

	second, err := h.coordinator.Submit(ctx, MissionRequest{SessionID: first.SessionID, Answer: "eu-west-1"})
	require.NoError(t, err)
	assert.Equal(t, mission.StatusCompleted, second.Status)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.SessionID, second.SessionID)

	tasks, err := h.coordinator.Tasks(ctx, second.RunID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "deploy", tasks[1].Title)
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, deployScript, nil, runtimeconfig.RuntimeConfig{})
	ctx := context.Background()

	_, err := h.coordinator.Submit(ctx, MissionRequest{})
	assert.True(t, errors.Is(err, react.ErrMissionRequired))

	_, err = h.coordinator.Submit(ctx, MissionRequest{Mission: "x", Profile: "nope"})
	assert.True(t, errors.Is(err, runtimeconfig.ErrUnknownProfile))
}

func TestStreamDeliversOrderedEvents(t *testing.T) {
	script := `
steps:
  - action: {type: tool_call, tool: deploy, action: apply}
  - action: {type: complete, summary: shipped}
`
	h := newHarness(t, script, deployTool(okDeploy), runtimeconfig.RuntimeConfig{})

	stream, err := h.coordinator.Stream(context.Background(), MissionRequest{Mission: "ship"})
	require.NoError(t, err)

	var events []mission.Event
	for event := range stream.Events {
		events = append(events, event)
	}
	result, err := stream.Wait()
	require.NoError(t, err)
	assert.Equal(t, mission.StatusCompleted, result.Status)
	assert.Equal(t, "shipped", result.FinalMessage)

	require.NotEmpty(t, events)
	for i, event := range events {
		assert.Equal(t, stream.RunID, event.RunID)
		assert.EqualValues(t, i+1, event.Seq)
	}
	assert.Equal(t, mission.EventCompleted, events[len(events)-1].Type)
	assert.Equal(t, 0, h.bus.SubscriberCount(stream.RunID))
}

func TestStreamHonoursProfile(t *testing.T) {
	script := `
steps:
  - action: {type: tool_call, tool: deploy, action: apply}
`
	runtime := runtimeconfig.RuntimeConfig{
		MaxSteps: 10,
		Profiles: map[string]runtimeconfig.Profile{"tight": {MaxSteps: 1, Lean: true}},
	}
	h := newHarness(t, script, deployTool(okDeploy), runtime)

	stream, err := h.coordinator.Stream(context.Background(), MissionRequest{Mission: "loop", Profile: "tight"})
	require.NoError(t, err)
	for range stream.Events {
	}
	result, err := stream.Wait()
	require.NoError(t, err)
	assert.Equal(t, mission.StatusFailed, result.Status)
	assert.Equal(t, 1, result.Steps)
}

func TestCancelStopsRunningMission(t *testing.T) {
	script := `
steps:
  - action: {type: tool_call, tool: deploy, action: apply}
`
	started := make(chan struct{})
	release := make(chan struct{})
	tool := deployTool(func(ctx context.Context, _ string, _ map[string]any) (map[string]any, error) {
		close(started)
		<-release
		return nil, nil
	})
	h := newHarness(t, script, tool, runtimeconfig.RuntimeConfig{})

	assert.False(t, h.coordinator.Cancel("run-unknown"))

	stream, err := h.coordinator.Stream(context.Background(), MissionRequest{Mission: "slow"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool was not invoked")
	}
	assert.Contains(t, h.coordinator.ActiveRuns(), stream.RunID)
	assert.True(t, h.coordinator.Cancel(stream.RunID))
	assert.True(t, h.coordinator.Cancel(stream.RunID))
	close(release)

	result, err := stream.Wait()
	require.NoError(t, err)
	assert.Equal(t, mission.StatusFailed, result.Status)
	assert.Equal(t, "cancelled", result.FinalMessage)
	assert.False(t, h.coordinator.Cancel(stream.RunID))

	run, err := h.coordinator.Run(context.Background(), stream.RunID)
	require.NoError(t, err)
	assert.True(t, run.Cancelled)
}

func TestFollowReplaysFinishedRun(t *testing.T) {
	h := newHarness(t, deployScript, deployTool(okDeploy), runtimeconfig.RuntimeConfig{})
	ctx := context.Background()

	result, err := h.coordinator.Submit(ctx, MissionRequest{Mission: "deploy"})
	require.NoError(t, err)

	logged, err := h.coordinator.Events(ctx, result.RunID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, logged)

	follow, err := h.coordinator.Follow(ctx, result.RunID, 1)
	require.NoError(t, err)
	var replayed []mission.Event
	for event := range follow {
		replayed = append(replayed, event)
	}
	assert.Equal(t, logged[1:], replayed)

	_, err = h.coordinator.Follow(ctx, "run-missing", 0)
	assert.True(t, errors.Is(err, ErrRunNotFound))

	_, err = h.coordinator.Tasks(ctx, "run-missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestChatProviderStepRefCompletesMatchingTask(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "chat.db"), sqlite.WithLogger(logging.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var (
		mu        sync.Mutex
		decisions int
		prompts   []string
	)
	completer := llm.CompleterFunc(func(_ context.Context, messages []llm.ChatMessage) (string, error) {
		if strings.HasPrefix(messages[0].Content, "Break the mission") {
			return `{"tasks":["fetch the page","summarize it"]}`, nil
		}
		mu.Lock()
		defer mu.Unlock()
		decisions++
		prompts = append(prompts, messages[0].Content)
		if decisions == 1 {
			return `{"step_ref":0,"confidence":0.9,"action":{"type":"tool_call","tool":"fetch","action":"get"}}`, nil
		}
		return `{"step_ref":1,"confidence":0.9,"action":{"type":"complete","summary":"summarized"}}`, nil
	})

	toolRegistry := tools.NewRegistry(tools.WithLogger(logging.Nop())).MustRegister(tools.FuncTool{
		ToolSpec: ports.ToolSpec{Name: "fetch", ReadOnly: true},
		Fn: func(context.Context, string, map[string]any) (map[string]any, error) {
			return map[string]any{"bytes": 512}, nil
		},
	})
	coord, err := New(Config{
		Provider: llm.NewChatProvider(completer, logging.Nop()),
		Tools:    toolRegistry,
		Store:    store,
		Runtime:  runtimeconfig.RuntimeConfig{MaxSteps: 5},
	}, WithLogger(logging.Nop()))
	require.NoError(t, err)
	t.Cleanup(coord.Wait)

	result, err := coord.Submit(ctx, MissionRequest{Mission: "summarize the page"})
	require.NoError(t, err)
	require.Equal(t, mission.StatusCompleted, result.Status)

	require.NotEmpty(t, prompts)
	assert.Contains(t, prompts[0], "0. [pending] fetch the page\n1. [pending] summarize it")

	tasks, err := coord.Tasks(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "fetch the page", tasks[0].Title)
	assert.Equal(t, mission.TaskCompleted, tasks[0].Status)
	assert.Equal(t, mission.TaskPending, tasks[1].Status)
}
