// Package coordinator is the application entry point for missions. It owns
// the loop engine and the run-scoped plumbing around it: profile resolution,
// event subscriptions, cancellation and session reads.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"missionloop/internal/app/registry"
	"missionloop/internal/domain/mission"
	"missionloop/internal/domain/mission/ports"
	"missionloop/internal/domain/mission/react"
	"missionloop/internal/infra/eventbus"
	runtimeconfig "missionloop/internal/shared/config"
	"missionloop/internal/shared/logging"
	id "missionloop/internal/shared/utils/id"
)

// ErrRunNotFound is returned for run ids that are neither live nor stored.
var ErrRunNotFound = errors.New("run not found")

// MissionRequest is one submission: a new mission, a follow-up in an
// existing session, or the answer that resumes a suspended session.
type MissionRequest struct {
	Mission     string         `json:"mission"`
	SessionID   string         `json:"session_id,omitempty"`
	Answer      string         `json:"answer,omitempty"`
	Approve     *bool          `json:"approve,omitempty"`
	Profile     string         `json:"profile,omitempty"`
	Lean        *bool          `json:"lean,omitempty"`
	UserContext map[string]any `json:"user_context,omitempty"`
}

type taskLister interface {
	ListTasks(ctx context.Context, runID string) ([]mission.PlannedTask, error)
}

// Config wires the coordinator's collaborators.
type Config struct {
	Provider ports.DecisionProvider
	Tools    ports.ToolInvoker
	Store    ports.SessionStore
	Registry *registry.Registry
	Bus      *eventbus.Bus
	// Sinks receive every event in addition to the bus, e.g. the redis
	// fan-out.
	Sinks   []ports.EventSink
	Metrics react.Metrics
	Runtime runtimeconfig.RuntimeConfig
	Clock   ports.Clock

	OnTransition func(runID string, from, to mission.LoopState)
}

// Coordinator runs missions and serves their state.
type Coordinator struct {
	engine   *react.Engine
	store    ports.SessionStore
	registry *registry.Registry
	bus      *eventbus.Bus
	runtime  runtimeconfig.RuntimeConfig
	logger   logging.Logger

	wg sync.WaitGroup
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the default coordinator logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Coordinator) {
		if !logging.IsNil(logger) {
			c.logger = logger
		}
	}
}

// New builds the engine from cfg.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	if cfg.Registry == nil {
		cfg.Registry = registry.New(registry.WithRetention(cfg.Runtime.RunRetentionSize, cfg.Runtime.RunRetentionTTL))
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.New(eventbus.WithBufferSize(cfg.Runtime.EventBufferSize))
	}

	c := &Coordinator{
		store:    cfg.Store,
		registry: cfg.Registry,
		bus:      cfg.Bus,
		runtime:  cfg.Runtime,
		logger:   logging.NewComponentLogger("Coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}

	sink := ports.EventSink(cfg.Bus)
	if len(cfg.Sinks) > 0 {
		sink = append(eventbus.MultiSink{cfg.Bus}, cfg.Sinks...)
	}
	engine, err := react.NewEngine(react.Config{
		Provider:        cfg.Provider,
		Tools:           cfg.Tools,
		Store:           cfg.Store,
		Registry:        cfg.Registry,
		Sink:            sink,
		Clock:           cfg.Clock,
		Logger:          logging.NewComponentLogger("ReactEngine"),
		Metrics:         cfg.Metrics,
		MaxSteps:        cfg.Runtime.MaxSteps,
		ProviderRetries: cfg.Runtime.ProviderRetries,
		ProviderTimeout: cfg.Runtime.ProviderTimeout,
		ToolTimeout:     cfg.Runtime.ToolTimeout,
		OnTransition:    cfg.OnTransition,
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	c.engine = engine
	return c, nil
}

// Submit runs the mission to completion or suspension and returns its result.
func (c *Coordinator) Submit(ctx context.Context, req MissionRequest) (*mission.ExecutionResult, error) {
	in, err := c.runInput(req)
	if err != nil {
		return nil, err
	}
	in.RunID = id.NewRunID()
	defer c.bus.CloseRun(in.RunID)
	return c.engine.Run(ctx, in)
}

// Stream starts the mission in the background and returns its live event
// stream. The subscription exists before the first event is emitted.
func (c *Coordinator) Stream(ctx context.Context, req MissionRequest) (*Stream, error) {
	in, err := c.runInput(req)
	if err != nil {
		return nil, err
	}
	in.RunID = id.NewRunID()

	sub := c.bus.Subscribe(in.RunID, 0)
	stream := &Stream{
		RunID:  in.RunID,
		Events: sub.C,
		sub:    sub,
		bus:    c.bus,
		done:   make(chan struct{}),
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(stream.done)
		defer c.bus.CloseRun(in.RunID)
		stream.result, stream.err = c.engine.Run(ctx, in)
		if stream.err != nil {
			c.logger.Warn("Run %s did not start: %v", in.RunID, stream.err)
		}
	}()
	return stream, nil
}

// Cancel flags a live run. It reports false for unknown or finished runs.
func (c *Coordinator) Cancel(runID string) bool {
	ok := c.registry.Cancel(strings.TrimSpace(runID))
	if ok {
		c.logger.Info("Run %s cancellation requested", runID)
	}
	return ok
}

// Tasks returns the run's plan, live from the registry or from the store
// once the run has been evicted.
func (c *Coordinator) Tasks(ctx context.Context, runID string) ([]mission.PlannedTask, error) {
	runID = strings.TrimSpace(runID)
	if tasks, ok := c.registry.GetTasks(runID); ok {
		return tasks.Snapshot(), nil
	}
	if _, err := c.store.GetRun(ctx, runID); err != nil {
		if errors.Is(err, mission.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	lister, ok := c.store.(taskLister)
	if !ok {
		return nil, nil
	}
	return lister.ListTasks(ctx, runID)
}

// Run returns the durable run record.
func (c *Coordinator) Run(ctx context.Context, runID string) (*mission.RunRecord, error) {
	run, err := c.store.GetRun(ctx, strings.TrimSpace(runID))
	if errors.Is(err, mission.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

// Session returns the stored conversation.
func (c *Coordinator) Session(ctx context.Context, sessionID string) (*mission.Conversation, error) {
	return c.store.Get(ctx, strings.TrimSpace(sessionID))
}

// Sessions lists stored conversations, most recent first.
func (c *Coordinator) Sessions(ctx context.Context, limit int) ([]mission.ConversationSummary, error) {
	return c.store.ListConversations(ctx, limit)
}

// Events returns the run's durable event log after afterSeq.
func (c *Coordinator) Events(ctx context.Context, runID string, afterSeq int64) ([]mission.Event, error) {
	return c.store.ListEvents(ctx, strings.TrimSpace(runID), afterSeq)
}

// Follow replays the run's durable events after afterSeq and, while the run
// is live, continues with its live events. The channel closes after the
// run ends or ctx is done.
func (c *Coordinator) Follow(ctx context.Context, runID string, afterSeq int64) (<-chan mission.Event, error) {
	runID = strings.TrimSpace(runID)
	// Subscribe before reading the log so nothing falls in between.
	sub := c.bus.Subscribe(runID, 0)
	if !c.registry.IsLive(runID) {
		c.bus.Unsubscribe(sub)
		sub = nil
	}

	logged, err := c.store.ListEvents(ctx, runID, afterSeq)
	if err != nil {
		if sub != nil {
			c.bus.Unsubscribe(sub)
		}
		return nil, err
	}
	if len(logged) == 0 && sub == nil {
		if _, err := c.store.GetRun(ctx, runID); err != nil {
			if errors.Is(err, mission.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
			}
			return nil, err
		}
	}

	out := make(chan mission.Event)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(out)
		if sub != nil {
			defer c.bus.Unsubscribe(sub)
		}

		last := afterSeq
		for _, event := range logged {
			select {
			case out <- event:
				last = event.Seq
			case <-ctx.Done():
				return
			}
		}
		if sub == nil {
			return
		}
		for {
			select {
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				if event.Seq <= last {
					continue
				}
				select {
				case out <- event:
					last = event.Seq
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ActiveRuns lists live run ids in start order.
func (c *Coordinator) ActiveRuns() []string {
	return c.registry.ActiveRuns()
}

// Wait blocks until background runs and followers have returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) runInput(req MissionRequest) (react.RunInput, error) {
	profile, err := c.runtime.ResolveProfile(req.Profile)
	if err != nil {
		return react.RunInput{}, err
	}
	lean := profile.Lean
	if req.Lean != nil {
		lean = *req.Lean
	}
	in := react.RunInput{
		SessionID:    strings.TrimSpace(req.SessionID),
		Mission:      strings.TrimSpace(req.Mission),
		Answer:       strings.TrimSpace(req.Answer),
		Approval:     req.Approve,
		UserContext:  req.UserContext,
		Lean:         lean,
		MaxSteps:     profile.MaxSteps,
		AllowedTools: profile.Tools,
	}
	if in.SessionID == "" && in.Mission == "" {
		return react.RunInput{}, react.ErrMissionRequired
	}
	return in, nil
}

// Stream is a mission running in the background.
type Stream struct {
	RunID string
	// Events delivers the run's events in order and closes when the run
	// ends or the stream is detached. A slow reader loses the oldest
	// undelivered events; the durable log keeps all of them.
	Events <-chan mission.Event

	sub    *eventbus.Subscription
	bus    *eventbus.Bus
	done   chan struct{}
	result *mission.ExecutionResult
	err    error
}

// Wait blocks until the run returns.
func (s *Stream) Wait() (*mission.ExecutionResult, error) {
	<-s.done
	return s.result, s.err
}

// Done is closed when the run returns.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Detach stops event delivery without affecting the run.
func (s *Stream) Detach() {
	s.bus.Unsubscribe(s.sub)
}

// Dropped reports events lost to a slow reader.
func (s *Stream) Dropped() int64 { return s.sub.Dropped() }
