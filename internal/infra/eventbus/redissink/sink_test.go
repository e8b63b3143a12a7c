package redissink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionloop/internal/domain/mission"
	jsonx "missionloop/internal/shared/json"
	"missionloop/internal/testutil"
)

func TestSinkPublishesToRunChannel(t *testing.T) {
	addr := testutil.RedisAddr(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer rdb.Close()

	sink := New(rdb, Config{Prefix: "missionloop-test"}, nil)
	pubsub := rdb.Subscribe(ctx, sink.Channel("run-1"))
	defer pubsub.Close()
	_, err = pubsub.Receive(ctx)
	require.NoError(t, err)

	sink.Publish(mission.Event{ID: "evt-1", RunID: "run-1", Seq: 1, Type: mission.EventCompleted, Message: "done"})
	require.NoError(t, sink.Close())

	msg, err := pubsub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got mission.Event
	require.NoError(t, jsonx.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, mission.EventCompleted, got.Type)
	assert.Equal(t, int64(1), got.Seq)
}

func TestSinkIgnoresPublishAfterClose(t *testing.T) {
	sink := New(nil, Config{QueueSize: 1}, nil)
	require.NoError(t, sink.Close())
	sink.Publish(mission.Event{RunID: "run-1"})
	require.NoError(t, sink.Close())
	assert.Zero(t, sink.Dropped())
	assert.Equal(t, "missionloop:events:run-1", sink.Channel("run-1"))
}
