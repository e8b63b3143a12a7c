package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionloop/internal/domain/mission"
	"missionloop/internal/domain/mission/ports"
)

const demoScript = `
plan: [collect inputs, deploy]
steps:
  - rationale: need the region
    step_ref: 0
    action: {type: ask_user, question: Which region?, answer_key: region}
  - step_ref: 1
    confidence: 0.8
    action:
      type: tool_call
      tool: deploy
      action: apply
      input: {replicas: 2}
`

func TestScriptedProviderFollowsConversation(t *testing.T) {
	provider, err := ParseScript([]byte(demoScript))
	require.NoError(t, err)
	require.Equal(t, 2, provider.Len())
	ctx := context.Background()

	titles, err := provider.Plan(ctx, ports.PlanRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"collect inputs", "deploy"}, titles)

	first, err := provider.Decide(ctx, ports.DecisionRequest{Mission: "deploy"})
	require.NoError(t, err)
	assert.Equal(t, mission.AskUser{Question: "Which region?", AnswerKey: "region"}, first.Action)
	assert.Equal(t, 1.0, first.Confidence)

	history := []mission.HistoryEntry{mission.ThoughtEntry(first, time.Now())}
	second, err := provider.Decide(ctx, ports.DecisionRequest{Mission: "deploy", History: history})
	require.NoError(t, err)
	call, ok := second.Action.(mission.ToolCall)
	require.True(t, ok)
	assert.Equal(t, "deploy", call.Tool)
	assert.Equal(t, "apply", call.Operation)
	assert.EqualValues(t, 2, call.Input["replicas"])

	history = append(history, mission.ThoughtEntry(second, time.Now()))
	last, err := provider.Decide(ctx, ports.DecisionRequest{Mission: "deploy", History: history})
	require.NoError(t, err)
	assert.Equal(t, mission.ActionComplete, last.Action.Type())
}

func TestParseScriptRejectsInvalidSteps(t *testing.T) {
	_, err := ParseScript([]byte("steps:\n  - action: {type: tool_call}\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, mission.ErrInvalidAction)
}
