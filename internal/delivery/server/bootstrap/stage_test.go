package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionloop/internal/shared/logging"
)

func TestRunStagesStopsAtFailedRequiredStage(t *testing.T) {
	degraded := NewDegradedComponents()
	var ran []string
	stage := func(name string, required bool, err error) BootstrapStage {
		return BootstrapStage{Name: name, Required: required, Init: func(context.Context) error {
			ran = append(ran, name)
			return err
		}}
	}

	err := RunStages(context.Background(), []BootstrapStage{
		stage("store", true, nil),
		stage("provider", true, errors.New("no api key")),
		stage("tools", true, nil),
	}, degraded, logging.Nop())

	require.Error(t, err)
	assert.Contains(t, err.Error(), `"provider"`)
	assert.ErrorContains(t, err, "no api key")
	assert.Equal(t, []string{"store", "provider"}, ran)
	assert.True(t, degraded.IsEmpty())
}

func TestRunStagesDegradesOptionalStages(t *testing.T) {
	degraded := NewDegradedComponents()
	stages := []BootstrapStage{
		{Name: "tracing", Init: func(context.Context) error { return errors.New("collector unreachable") }},
		{Name: "redis", Init: func(context.Context) error { return errors.New("connection refused") }},
		{Name: "store", Required: true, Init: func(context.Context) error { return nil }},
	}

	require.NoError(t, RunStages(context.Background(), stages, degraded, logging.Nop()))
	assert.Equal(t, []string{"redis", "tracing"}, degraded.Names())
	assert.Equal(t, "connection refused", degraded.Map()["redis"])
}

func TestRunStagesAppliesStageTimeout(t *testing.T) {
	degraded := NewDegradedComponents()
	stages := []BootstrapStage{{
		Name:    "redis",
		Timeout: 10 * time.Millisecond,
		Init: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}}

	require.NoError(t, RunStages(context.Background(), stages, degraded, logging.Nop()))
	assert.Contains(t, degraded.Map()["redis"], context.DeadlineExceeded.Error())
}

func TestRunStagesHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := RunStages(ctx, []BootstrapStage{{
		Name: "store", Required: true,
		Init: func(context.Context) error { called = true; return nil },
	}}, nil, logging.Nop())

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
