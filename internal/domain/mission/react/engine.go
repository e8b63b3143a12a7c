package react

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"missionloop/internal/domain/mission"
	"missionloop/internal/domain/mission/ports"
	"missionloop/internal/shared/logging"
	id "missionloop/internal/shared/utils/id"
)

const (
	defaultMaxSteps        = 20
	defaultProviderTimeout = 60 * time.Second
	defaultToolTimeout     = 2 * time.Minute
	defaultRetryBaseDelay  = 250 * time.Millisecond
)

var (
	// ErrMissionRequired is returned when a run has neither a mission nor a
	// pending conversation to resume.
	ErrMissionRequired = errors.New("mission text is required")
	// ErrAnswerRequired is returned when resuming a paused conversation without an answer.
	ErrAnswerRequired = errors.New("an answer is required to resume this session")
	// ErrApprovalRequired is returned when resuming a pending approval without a decision.
	ErrApprovalRequired = errors.New("an approval decision is required to resume this session")
)

// Metrics receives loop telemetry. All methods must be cheap and non-blocking.
type Metrics interface {
	RunStarted()
	RunFinished(status mission.Status, duration time.Duration)
	IterationObserved()
	ProviderCall(duration time.Duration, err error)
	ApprovalRequested(tool string)
}

type nopMetrics struct{}

func (nopMetrics) RunStarted()                               {}
func (nopMetrics) RunFinished(mission.Status, time.Duration) {}
func (nopMetrics) IterationObserved()                        {}
func (nopMetrics) ProviderCall(time.Duration, error)         {}
func (nopMetrics) ApprovalRequested(string)                  {}

type nopSink struct{}

func (nopSink) Publish(mission.Event) {}

// Config wires the engine's collaborators and limits.
type Config struct {
	Provider ports.DecisionProvider
	Tools    ports.ToolInvoker
	Store    ports.SessionStore
	Registry ports.RunRegistry
	Sink     ports.EventSink
	Clock    ports.Clock
	Logger   logging.Logger
	Metrics  Metrics

	// MaxSteps bounds THINKING iterations per run.
	MaxSteps int
	// ProviderRetries is the number of retries after a failed decision call.
	ProviderRetries int
	ProviderTimeout time.Duration
	ToolTimeout     time.Duration
	RetryBaseDelay  time.Duration

	// OnTransition observes every state change. Used for tracing and tests.
	OnTransition func(runID string, from, to mission.LoopState)
}

// Engine runs missions through the reason-act-observe loop. It is safe for
// concurrent use; each Run owns its own runtime.
type Engine struct {
	provider ports.DecisionProvider
	tools    ports.ToolInvoker
	store    ports.SessionStore
	registry ports.RunRegistry
	sink     ports.EventSink
	clock    ports.Clock
	logger   logging.Logger
	metrics  Metrics

	maxSteps        int
	providerRetries int
	providerTimeout time.Duration
	toolTimeout     time.Duration
	retryBaseDelay  time.Duration
	onTransition    func(runID string, from, to mission.LoopState)
}

// NewEngine validates cfg and fills defaults.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Provider == nil:
		return nil, fmt.Errorf("react engine: decision provider is required")
	case cfg.Tools == nil:
		return nil, fmt.Errorf("react engine: tool invoker is required")
	case cfg.Store == nil:
		return nil, fmt.Errorf("react engine: session store is required")
	case cfg.Registry == nil:
		return nil, fmt.Errorf("react engine: run registry is required")
	case cfg.ProviderRetries < 0:
		return nil, fmt.Errorf("react engine: provider retries must not be negative")
	}

	engine := &Engine{
		provider:        cfg.Provider,
		tools:           cfg.Tools,
		store:           cfg.Store,
		registry:        cfg.Registry,
		sink:            cfg.Sink,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		maxSteps:        cfg.MaxSteps,
		providerRetries: cfg.ProviderRetries,
		providerTimeout: cfg.ProviderTimeout,
		toolTimeout:     cfg.ToolTimeout,
		retryBaseDelay:  cfg.RetryBaseDelay,
		onTransition:    cfg.OnTransition,
	}
	if engine.sink == nil {
		engine.sink = nopSink{}
	}
	if engine.clock == nil {
		engine.clock = ports.SystemClock
	}
	if logging.IsNil(engine.logger) {
		engine.logger = logging.NewComponentLogger("react")
	}
	if engine.metrics == nil {
		engine.metrics = nopMetrics{}
	}
	if engine.maxSteps <= 0 {
		engine.maxSteps = defaultMaxSteps
	}
	if engine.providerTimeout <= 0 {
		engine.providerTimeout = defaultProviderTimeout
	}
	if engine.toolTimeout <= 0 {
		engine.toolTimeout = defaultToolTimeout
	}
	if engine.retryBaseDelay <= 0 {
		engine.retryBaseDelay = defaultRetryBaseDelay
	}
	return engine, nil
}

// RunInput is one call into the loop: a fresh mission, a follow-up mission in
// an existing conversation, or the answer that resumes a suspended one.
type RunInput struct {
	// RunID is generated when empty. Callers that subscribe to events before
	// the run starts pick it themselves.
	RunID     string
	SessionID string
	Mission   string
	// Answer resumes a conversation paused on a question. Mission is used
	// when Answer is empty.
	Answer string
	// Approval resolves a conversation pending on a gated tool. When nil the
	// answer text is interpreted instead.
	Approval     *bool
	UserContext  map[string]any
	Lean         bool
	MaxSteps     int
	AllowedTools []string
}

// Run executes the loop until it completes, fails or suspends. Run-level
// failures (provider, step limit, cancellation) are reported through the
// result status; the error is reserved for requests that cannot start.
func (e *Engine) Run(ctx context.Context, in RunInput) (*mission.ExecutionResult, error) {
	rt, initial, err := e.prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	defer e.registry.Finish(rt.runID)

	e.metrics.RunStarted()
	e.logger.Info("Run %s started in %s (session=%s, max_steps=%d)", rt.runID, initial, rt.sessionID, rt.maxSteps)
	result := rt.execute(initial)
	e.metrics.RunFinished(result.Status, e.clock.Now().Sub(rt.startedAt))
	e.logger.Info("Run %s finished with status %s after %d steps", rt.runID, result.Status, result.Steps)
	return result, nil
}

func (e *Engine) prepare(ctx context.Context, in RunInput) (*runtime, mission.LoopState, error) {
	runID := strings.TrimSpace(in.RunID)
	if runID == "" {
		runID = id.NewRunID()
	}
	persistCtx := context.WithoutCancel(ctx)
	if strings.TrimSpace(in.SessionID) == "" && strings.TrimSpace(in.Mission) == "" {
		return nil, "", ErrMissionRequired
	}

	conv, err := e.loadConversation(persistCtx, strings.TrimSpace(in.SessionID))
	if err != nil {
		return nil, "", err
	}
	history, err := mission.HistoryFromMessages(conv.Messages)
	if err != nil {
		return nil, "", fmt.Errorf("restore session %s: %w", conv.ID, err)
	}

	rt := &runtime{
		engine:      e,
		ctx:         id.WithRunID(id.WithSessionID(ctx, conv.ID), runID),
		persistCtx:  persistCtx,
		runID:       runID,
		sessionID:   conv.ID,
		history:     history,
		userContext: in.UserContext,
		maxSteps:    e.maxSteps,
		startedAt:   e.clock.Now(),
		approved:    mission.ApprovedInvocations(history),
	}
	if in.MaxSteps > 0 {
		rt.maxSteps = in.MaxSteps
	}
	if len(in.AllowedTools) > 0 {
		rt.allowed = make(map[string]struct{}, len(in.AllowedTools))
		for _, name := range in.AllowedTools {
			rt.allowed[strings.TrimSpace(name)] = struct{}{}
		}
	}
	rt.tasks = mission.NewTaskList("", nil)
	if conv.Plan != nil {
		rt.tasks.Replace(conv.Plan.ID, conv.Plan.Tasks)
	}

	var (
		initial mission.LoopState
		seed    func() error
	)
	pending := conv.Pending
	if pending != nil && conv.Status.Resumable() {
		rt.mission = mission.LastMission(history)
		initial, seed, err = rt.resume(*pending, in)
		if err != nil {
			return nil, "", err
		}
	} else {
		text := strings.TrimSpace(in.Mission)
		if text == "" {
			return nil, "", ErrMissionRequired
		}
		rt.mission = text
		initial = mission.StatePlanning
		if in.Lean {
			initial = mission.StateThinking
		}
		seed = func() error {
			return rt.record(mission.MissionEntry(text, e.clock.Now()))
		}
	}

	if err := e.store.StartRun(persistCtx, mission.RunRecord{
		ID:             runID,
		ConversationID: conv.ID,
		Mission:        rt.mission,
		Status:         mission.StatusRunning,
		StartedAt:      rt.startedAt,
	}); err != nil {
		return nil, "", fmt.Errorf("start run %s: %w", runID, err)
	}
	e.registry.Create(runID, rt.tasks)

	rt.emitter = newEmitter(e.store, e.sink, e.clock, e.logger, runID, conv.ID)
	rt.seed = seed
	return rt, initial, nil
}

func (e *Engine) loadConversation(ctx context.Context, sessionID string) (*mission.Conversation, error) {
	if sessionID == "" {
		conv, err := e.store.Create(ctx, id.NewSessionID())
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		return conv, nil
	}
	conv, err := e.store.Get(ctx, sessionID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, mission.ErrNotFound) {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	conv, err = e.store.Create(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", sessionID, err)
	}
	return conv, nil
}

// resume decides where a suspended conversation continues and how the
// caller's input is recorded.
func (rt *runtime) resume(pending mission.Pending, in RunInput) (mission.LoopState, func() error, error) {
	now := rt.engine.clock.Now
	switch pending.Kind {
	case mission.PendingApproval:
		granted, ok := approvalDecision(in)
		if !ok {
			return "", nil, ErrApprovalRequired
		}
		if pending.Thought == nil {
			return "", nil, fmt.Errorf("pending approval in session %s has no decision to resume", rt.sessionID)
		}
		thought := *pending.Thought
		call, isCall := thought.Action.(mission.ToolCall)
		if !isCall {
			return "", nil, fmt.Errorf("pending approval in session %s is not a tool call", rt.sessionID)
		}
		rt.thought = &thought
		approval := mission.Approval{Key: pending.InvocationKey, Tool: call.Tool, Granted: granted}
		seed := func() error {
			if err := rt.record(mission.ApprovalEntry(approval, now())); err != nil {
				return err
			}
			if granted {
				rt.approved[approval.Key] = true
			} else {
				delete(rt.approved, approval.Key)
			}
			status := "denied"
			if granted {
				status = "granted"
			}
			return rt.emit(mission.EventApproval, fmt.Sprintf("Approval %s for %s", status, call.Tool), map[string]any{
				"status":         status,
				"tool":           call.Tool,
				"invocation_key": approval.Key,
			})
		}
		if granted {
			return mission.StateActing, seed, nil
		}
		rt.observation = &mission.Observation{
			Success: false,
			Status:  mission.ObservationError,
			Tool:    call.Tool,
			Error:   "approval denied by user",
		}
		return mission.StateObserving, seed, nil

	default:
		answer := strings.TrimSpace(in.Answer)
		if answer == "" {
			answer = strings.TrimSpace(in.Mission)
		}
		if answer == "" {
			return "", nil, ErrAnswerRequired
		}
		key := pending.AnswerKey
		return mission.StateThinking, func() error {
			return rt.record(mission.AnswerEntry(key, answer, now()))
		}, nil
	}
}

func approvalDecision(in RunInput) (bool, bool) {
	if in.Approval != nil {
		return *in.Approval, true
	}
	text := strings.ToLower(strings.TrimSpace(in.Answer))
	if text == "" {
		text = strings.ToLower(strings.TrimSpace(in.Mission))
	}
	switch text {
	case "y", "yes", "approve", "approved", "allow", "ok":
		return true, true
	case "n", "no", "deny", "denied", "reject":
		return false, true
	}
	return false, false
}
