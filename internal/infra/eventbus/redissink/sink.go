// Package redissink mirrors mission events onto Redis pub/sub channels so
// other processes can follow a run.
package redissink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"missionloop/internal/domain/mission"
	jsonx "missionloop/internal/shared/json"
	"missionloop/internal/shared/logging"
)

const (
	defaultQueueSize      = 1024
	defaultPublishTimeout = 2 * time.Second
)

// Config configures the sink.
type Config struct {
	// Prefix namespaces channels as "<prefix>:<run_id>".
	Prefix         string
	QueueSize      int
	PublishTimeout time.Duration
}

// Sink is an EventSink that publishes asynchronously. Publish enqueues and
// returns; a single worker writes to Redis so per-run order is preserved.
type Sink struct {
	rdb     *redis.Client
	cfg     Config
	logger  logging.Logger
	queue   chan mission.Event
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

// New starts the publishing worker. Close must be called to stop it.
func New(rdb *redis.Client, cfg Config, logger logging.Logger) *Sink {
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = "missionloop:events"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("RedisEventSink")
	}
	s := &Sink{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan mission.Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Channel returns the pub/sub channel for runID.
func (s *Sink) Channel(runID string) string {
	return fmt.Sprintf("%s:%s", s.cfg.Prefix, runID)
}

// Publish enqueues event, dropping it when the queue is full.
func (s *Sink) Publish(event mission.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- event:
	default:
		s.dropped.Add(1)
		s.logger.Warn("Redis event queue full, dropping %s event for run %s", event.Type, event.RunID)
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for event := range s.queue {
		if err := s.send(event); err != nil {
			s.failed.Add(1)
			s.logger.Warn("Failed to publish %s event for run %s: %v", event.Type, event.RunID, err)
		}
	}
}

func (s *Sink) send(event mission.Event) error {
	payload, err := jsonx.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
	defer cancel()
	return s.rdb.Publish(ctx, s.Channel(event.RunID), payload).Err()
}

// Dropped reports events discarded because the queue was full.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Failed reports events Redis rejected.
func (s *Sink) Failed() int64 { return s.failed.Load() }

// Close drains queued events and stops the worker. It does not close rdb.
func (s *Sink) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
	<-s.done
	return nil
}

// Dial connects to addr and verifies it answers PING.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return rdb, nil
}
