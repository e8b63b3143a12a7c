package id

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestIdentifiersCarryPrefix(t *testing.T) {
	require.True(t, strings.HasPrefix(NewSessionID(), "session-"))
	require.True(t, strings.HasPrefix(NewRunID(), "run-"))
	require.True(t, strings.HasPrefix(NewTaskID(), "task-"))
	require.True(t, strings.HasPrefix(NewEventID(), "evt-"))
	require.NotEqual(t, NewRunID(), NewRunID())
}

func TestUUIDv7Strategy(t *testing.T) {
	gen := &Generator{}
	gen.setStrategy(StrategyUUIDv7)

	value := gen.newIdentifier("run")
	parsed, err := uuid.Parse(strings.TrimPrefix(value, "run-"))
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), parsed.Version())
}

func TestContextRoundTrip(t *testing.T) {
	ctx := WithRunID(WithSessionID(context.Background(), "session-1"), "run-1")
	require.Equal(t, "session-1", SessionIDFromContext(ctx))
	require.Equal(t, "run-1", RunIDFromContext(ctx))
	require.Equal(t, ctx, WithRunID(ctx, ""))
}
