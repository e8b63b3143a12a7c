// Package eventbus fans mission events out to live subscribers.
package eventbus

import (
	"sync"
	"sync/atomic"

	"missionloop/internal/domain/mission"
	"missionloop/internal/domain/mission/ports"
	"missionloop/internal/shared/logging"
)

const defaultBufferSize = 256

// Metrics receives bus delivery counters.
type Metrics interface {
	EventPublished(eventType string)
	EventDropped(eventType string)
	SubscribersChanged(delta int)
}

type nopMetrics struct{}

func (nopMetrics) EventPublished(string)  {}
func (nopMetrics) EventDropped(string)    {}
func (nopMetrics) SubscribersChanged(int) {}

// Subscription is one consumer of a run's events. C is closed when the run
// is closed or the subscription is cancelled.
type Subscription struct {
	C <-chan mission.Event

	ch      chan mission.Event
	runID   string
	dropped atomic.Int64
	closed  bool
}

// RunID returns the subscribed run.
func (s *Subscription) RunID() string { return s.runID }

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Bus is an in-process EventSink with per-run subscriptions. Publish never
// blocks: when a subscriber's buffer is full the oldest queued event is
// discarded to make room.
type Bus struct {
	mu         sync.RWMutex
	clients    map[string][]*Subscription
	bufferSize int
	logger     logging.Logger
	metrics    Metrics

	published atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the default per-subscriber buffer.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithMetrics attaches delivery counters.
func WithMetrics(metrics Metrics) Option {
	return func(b *Bus) {
		if metrics != nil {
			b.metrics = metrics
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(b *Bus) {
		if !logging.IsNil(logger) {
			b.logger = logger
		}
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		clients:    make(map[string][]*Subscription),
		bufferSize: defaultBufferSize,
		logger:     logging.NewComponentLogger("EventBus"),
		metrics:    nopMetrics{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

var _ ports.EventSink = (*Bus)(nil)

// Subscribe registers a consumer for runID. buffer <= 0 uses the bus default.
func (b *Bus) Subscribe(runID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = b.bufferSize
	}
	ch := make(chan mission.Event, buffer)
	sub := &Subscription{C: ch, ch: ch, runID: runID}

	b.mu.Lock()
	b.clients[runID] = append(b.clients[runID], sub)
	count := len(b.clients[runID])
	b.mu.Unlock()

	b.metrics.SubscribersChanged(1)
	b.logger.Debug("Subscriber registered for run %s (total: %d)", runID, count)
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	clients := b.clients[sub.runID]
	for i, client := range clients {
		if client != sub {
			continue
		}
		b.clients[sub.runID] = append(clients[:i:i], clients[i+1:]...)
		if len(b.clients[sub.runID]) == 0 {
			delete(b.clients, sub.runID)
		}
		b.closeLocked(sub)
		return
	}
}

// Publish delivers event to every subscriber of its run.
func (b *Bus) Publish(event mission.Event) {
	b.published.Add(1)
	b.metrics.EventPublished(string(event.Type))

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.clients[event.RunID] {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub *Subscription, event mission.Event) {
	for {
		select {
		case sub.ch <- event:
			return
		default:
		}
		// Full: discard the oldest queued event and retry.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			b.metrics.EventDropped(string(event.Type))
			b.logger.Warn("Subscriber buffer full for run %s, dropped oldest event", sub.runID)
		default:
		}
	}
}

// CloseRun closes every subscription of runID. Call it after the run's last
// event was published.
func (b *Bus) CloseRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.clients[runID] {
		b.closeLocked(sub)
	}
	delete(b.clients, runID)
}

func (b *Bus) closeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	b.metrics.SubscribersChanged(-1)
}

// SubscriberCount returns the live subscriptions of runID.
func (b *Bus) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[runID])
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published   int64          `json:"published"`
	Dropped     int64          `json:"dropped"`
	Subscribers int            `json:"subscribers"`
	BufferDepth map[string]int `json:"buffer_depth"`
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	depth := make(map[string]int)
	subscribers := 0
	for runID, clients := range b.clients {
		subscribers += len(clients)
		total := 0
		for _, sub := range clients {
			total += len(sub.ch)
		}
		if total > 0 {
			depth[runID] = total
		}
	}
	return Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: subscribers,
		BufferDepth: depth,
	}
}

// MultiSink publishes to several sinks in order.
type MultiSink []ports.EventSink

// Publish forwards event to each non-nil sink.
func (m MultiSink) Publish(event mission.Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Publish(event)
		}
	}
}
