package eventbus

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"missionloop/internal/domain/mission"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func event(runID string, seq int64, typ mission.EventType) mission.Event {
	return mission.Event{ID: fmt.Sprintf("evt-%d", seq), RunID: runID, Seq: seq, Type: typ}
}

func drain(sub *Subscription) []mission.Event {
	var out []mission.Event
	for e := range sub.C {
		out = append(out, e)
	}
	return out
}

func TestPublishRoutesByRun(t *testing.T) {
	bus := New()
	a := bus.Subscribe("run-a", 8)
	b := bus.Subscribe("run-b", 8)

	bus.Publish(event("run-a", 1, mission.EventThinking))
	bus.Publish(event("run-b", 1, mission.EventThinking))
	bus.Publish(event("run-a", 2, mission.EventCompleted))
	bus.CloseRun("run-a")
	bus.CloseRun("run-b")

	gotA := drain(a)
	require.Len(t, gotA, 2)
	assert.Equal(t, int64(1), gotA[0].Seq)
	assert.Equal(t, mission.EventCompleted, gotA[1].Type)
	assert.Len(t, drain(b), 1)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("run-1", 2)

	for seq := int64(1); seq <= 5; seq++ {
		bus.Publish(event("run-1", seq, mission.EventToolResult))
	}
	bus.CloseRun("run-1")

	got := drain(sub)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].Seq)
	assert.Equal(t, int64(5), got[1].Seq)
	assert.Equal(t, int64(3), sub.Dropped())
	assert.Equal(t, int64(3), bus.Stats().Dropped)
	assert.Equal(t, int64(5), bus.Stats().Published)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("run-1", 1)
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)
	bus.CloseRun("run-1")

	_, open := <-sub.C
	assert.False(t, open)
	assert.Zero(t, bus.SubscriberCount("run-1"))

	// Publishing to a run without subscribers is a no-op.
	bus.Publish(event("run-1", 1, mission.EventThinking))
}

func TestConcurrentSubscribersReceiveInOrder(t *testing.T) {
	bus := New(WithBufferSize(64))
	const subscribers = 8
	const events = 50

	subs := make([]*Subscription, subscribers)
	for i := range subs {
		subs[i] = bus.Subscribe("run-1", 0)
	}

	var wg sync.WaitGroup
	results := make([][]mission.Event, subscribers)
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			results[i] = drain(sub)
		}(i, sub)
	}

	for seq := int64(1); seq <= events; seq++ {
		bus.Publish(event("run-1", seq, mission.EventThinking))
	}
	bus.CloseRun("run-1")
	wg.Wait()

	for i, got := range results {
		for j := 1; j < len(got); j++ {
			assert.Less(t, got[j-1].Seq, got[j].Seq, "subscriber %d out of order", i)
		}
		if assert.NotEmpty(t, got) {
			assert.Equal(t, int64(events), got[len(got)-1].Seq, "subscriber %d missed the last event", i)
		}
	}
}

type captureSink struct {
	events []mission.Event
}

func (c *captureSink) Publish(e mission.Event) { c.events = append(c.events, e) }

func TestMultiSinkFansOut(t *testing.T) {
	first, second := &captureSink{}, &captureSink{}
	sink := MultiSink{first, nil, second}
	sink.Publish(event("run-1", 1, mission.EventCompleted))

	assert.Len(t, first.events, 1)
	assert.Len(t, second.events, 1)
}
