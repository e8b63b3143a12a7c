package react

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"missionloop/internal/domain/mission"
	"missionloop/internal/domain/mission/ports"
	"missionloop/internal/security/redaction"
	apperrors "missionloop/internal/shared/errors"
	id "missionloop/internal/shared/utils/id"

	"go.opentelemetry.io/otel/attribute"
)

// errRunCancelled signals that a handler observed cancellation mid-step.
var errRunCancelled = errors.New("run cancelled")

// runFailure is a loop-fatal error with the message shown to the caller.
type runFailure struct {
	message string
	cause   error
}

func (f *runFailure) Error() string {
	if f.cause == nil {
		return f.message
	}
	return fmt.Sprintf("%s: %v", f.message, f.cause)
}

func (f *runFailure) Unwrap() error { return f.cause }

func persistFailure(err error) error {
	return &runFailure{message: "Mission state could not be persisted.", cause: err}
}

// runtime holds the state of one run. It is owned by the goroutine executing
// Run and never shared.
type runtime struct {
	engine     *Engine
	ctx        context.Context
	persistCtx context.Context
	emitter    *emitter
	seed       func() error

	runID       string
	sessionID   string
	mission     string
	userContext map[string]any
	allowed     map[string]struct{}
	maxSteps    int
	steps       int
	startedAt   time.Time

	history  []mission.HistoryEntry
	tasks    *mission.TaskList
	approved map[string]bool

	thought      *mission.Thought
	observation  *mission.Observation
	replanReason string
	planned      bool

	pending       *mission.Pending
	missingFields []string
	finalMessage  string
}

// execute drives the state machine from initial until a terminal state.
func (rt *runtime) execute(initial mission.LoopState) *mission.ExecutionResult {
	state := initial
	if rt.seed != nil {
		if err := rt.seed(); err != nil {
			rt.transition(state, mission.StateFailed)
			return rt.fail(err)
		}
	}

	for {
		if rt.cancelRequested() {
			rt.transition(state, mission.StateFailed)
			return rt.cancelled()
		}

		var (
			next mission.LoopState
			err  error
		)
		switch state {
		case mission.StatePlanning:
			next, err = rt.plan()
		case mission.StateThinking:
			next, err = rt.think()
		case mission.StateActing:
			next, err = rt.act()
		case mission.StateObserving:
			next, err = rt.observe()
		default:
			err = fmt.Errorf("unexpected loop state %s", state)
		}
		if errors.Is(err, errRunCancelled) {
			rt.transition(state, mission.StateFailed)
			return rt.cancelled()
		}
		if err != nil {
			rt.transition(state, mission.StateFailed)
			return rt.fail(err)
		}

		// The completed event is already durable, so a late cancel loses.
		if next != mission.StateCompleted && rt.cancelRequested() {
			rt.transition(state, mission.StateFailed)
			return rt.cancelled()
		}
		rt.transition(state, next)

		switch next {
		case mission.StateCompleted:
			return rt.finish(mission.StatusCompleted)
		case mission.StateAwaitingUser:
			status := mission.StatusPaused
			if rt.pending != nil && rt.pending.Kind == mission.PendingApproval {
				status = mission.StatusPending
			}
			return rt.finish(status)
		}
		state = next
	}
}

func (rt *runtime) transition(from, to mission.LoopState) {
	if !mission.CanTransition(from, to) {
		rt.engine.logger.Error("Run %s: illegal transition %s -> %s", rt.runID, from, to)
	}
	rt.engine.logger.Debug("Run %s: %s -> %s", rt.runID, from, to)
	if rt.engine.onTransition != nil {
		rt.engine.onTransition(rt.runID, from, to)
	}
}

func (rt *runtime) cancelRequested() bool {
	return rt.engine.registry.IsCancelled(rt.runID) || rt.ctx.Err() != nil
}

// plan builds the initial plan or revises it after a replan decision.
func (rt *runtime) plan() (mission.LoopState, error) {
	previous := rt.tasks.Snapshot()
	reason := rt.replanReason
	rt.replanReason = ""

	var titles []string
	if planner, ok := rt.engine.provider.(ports.Planner); ok {
		ctx, span := startSpan(rt.ctx, spanPlan, rt, attribute.Bool(attrReplan, reason != ""))
		planned, err := withProviderRetry(rt, ctx, func(callCtx context.Context) ([]string, error) {
			return planner.Plan(callCtx, ports.PlanRequest{
				RunID:       rt.runID,
				Mission:     rt.mission,
				History:     rt.historyCopy(),
				Previous:    previous,
				Reason:      reason,
				UserContext: rt.userContext,
			})
		})
		markSpanResult(span, err)
		span.End()
		if err != nil {
			return rt.providerFailure(err)
		}
		titles = planned
	}

	tasks := buildTasks(titles, previous)
	if len(tasks) == 0 {
		tasks = previous
	}
	if len(tasks) == 0 {
		tasks = buildTasks([]string{rt.mission}, nil)
	}

	planID := id.NewPlanID()
	rt.tasks.Replace(planID, tasks)
	if err := rt.engine.store.SaveTasks(rt.persistCtx, rt.runID, tasks); err != nil {
		return "", persistFailure(err)
	}

	data := map[string]any{"plan_id": planID, "tasks": taskPayload(tasks)}
	if !rt.planned && reason == "" && len(previous) == 0 {
		rt.planned = true
		if err := rt.emit(mission.EventPlanCreated, fmt.Sprintf("Planned %d step(s)", len(tasks)), data); err != nil {
			return "", err
		}
		return mission.StateThinking, nil
	}
	rt.planned = true
	if reason != "" {
		data["reason"] = reason
	}
	if err := rt.emit(mission.EventPlanUpdated, "Plan revised", data); err != nil {
		return "", err
	}
	return mission.StateThinking, nil
}

// think asks the decision provider for the next Thought.
func (rt *runtime) think() (mission.LoopState, error) {
	if rt.steps >= rt.maxSteps {
		return "", &runFailure{
			message: fmt.Sprintf("%s after %d steps", mission.ErrStepLimit, rt.steps),
			cause:   mission.ErrStepLimit,
		}
	}
	rt.steps++
	rt.engine.metrics.IterationObserved()

	ctx, span := startSpan(rt.ctx, spanThink, rt, attribute.Int(attrStep, rt.steps))
	thought, err := withProviderRetry(rt, ctx, func(callCtx context.Context) (mission.Thought, error) {
		thought, err := rt.engine.provider.Decide(callCtx, ports.DecisionRequest{
			RunID:       rt.runID,
			SessionID:   rt.sessionID,
			Mission:     rt.mission,
			Step:        rt.steps,
			History:     rt.historyCopy(),
			Plan:        rt.tasks.Snapshot(),
			UserContext: rt.userContext,
			Tools:       rt.toolSpecs(),
		})
		if err != nil {
			return mission.Thought{}, err
		}
		if err := thought.Validate(); err != nil {
			return mission.Thought{}, err
		}
		return thought, nil
	})
	markSpanResult(span, err)
	span.End()
	if err != nil {
		return rt.providerFailure(err)
	}

	if err := rt.record(mission.ThoughtEntry(thought, rt.engine.clock.Now())); err != nil {
		return "", err
	}
	rt.thought = &thought
	if err := rt.emit(mission.EventThinking, thought.Rationale, map[string]any{
		"step":             rt.steps,
		"step_ref":         thought.StepRef,
		"action":           string(thought.Action.Type()),
		"expected_outcome": thought.ExpectedOutcome,
		"confidence":       thought.Confidence,
	}); err != nil {
		return "", err
	}
	return mission.StateActing, nil
}

// withProviderRetry applies the per-call timeout and the bounded retry to a
// provider call. Validation failures are retried like transport failures.
func withProviderRetry[T any](rt *runtime, ctx context.Context, call func(context.Context) (T, error)) (T, error) {
	cfg := apperrors.RetryConfig{
		MaxRetries: rt.engine.providerRetries,
		BaseDelay:  rt.engine.retryBaseDelay,
		MaxDelay:   10 * rt.engine.retryBaseDelay,
		RetryIf: func(err error) bool {
			if errors.Is(err, context.Canceled) || rt.cancelRequested() {
				return false
			}
			var permanent *apperrors.PermanentError
			return !errors.As(err, &permanent)
		},
	}
	return apperrors.RetryWithResult(ctx, cfg, rt.engine.logger, func(ctx context.Context) (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, rt.engine.providerTimeout)
		defer cancel()
		started := rt.engine.clock.Now()
		value, err := call(callCtx)
		rt.engine.metrics.ProviderCall(rt.engine.clock.Now().Sub(started), err)
		return value, err
	})
}

func (rt *runtime) providerFailure(err error) (mission.LoopState, error) {
	if rt.cancelRequested() {
		return "", errRunCancelled
	}
	message := "The decision provider failed: " + apperrors.FormatForUser(err)
	if errors.Is(err, mission.ErrInvalidAction) || errors.Is(err, mission.ErrInvalidThought) {
		message = "The decision provider returned an invalid decision."
	}
	return "", &runFailure{message: message, cause: err}
}

// act dispatches the current Thought's action.
func (rt *runtime) act() (mission.LoopState, error) {
	if rt.thought == nil {
		return "", &runFailure{message: "No decision to act on."}
	}
	switch action := rt.thought.Action.(type) {
	case mission.ToolCall:
		return rt.actTool(action)

	case mission.AskUser:
		fields := action.Fields
		if len(fields) == 0 {
			fields = []string{action.AnswerKey}
		}
		rt.pending = &mission.Pending{
			Kind:      mission.PendingQuestion,
			Question:  action.Question,
			AnswerKey: action.AnswerKey,
			Fields:    fields,
		}
		rt.missingFields = fields
		if err := rt.emit(mission.EventClarification, action.Question, map[string]any{
			"question":   action.Question,
			"answer_key": action.AnswerKey,
			"fields":     fields,
		}); err != nil {
			return "", err
		}
		if err := rt.saveState(mission.StatusPaused); err != nil {
			return "", err
		}
		return mission.StateAwaitingUser, nil

	case mission.Complete:
		rt.finalMessage = action.Summary
		if err := rt.emit(mission.EventCompleted, action.Summary, map[string]any{
			"summary": action.Summary,
			"steps":   rt.steps,
		}); err != nil {
			return "", err
		}
		return mission.StateCompleted, nil

	case mission.Replan:
		rt.replanReason = action.Reason
		return mission.StatePlanning, nil

	default:
		return "", &runFailure{message: "The decision provider returned an invalid decision.", cause: mission.ErrInvalidAction}
	}
}

func (rt *runtime) actTool(call mission.ToolCall) (mission.LoopState, error) {
	if !rt.toolAllowed(call.Tool) {
		obs := mission.Observation{
			Status: mission.ObservationSkipped,
			Tool:   call.Tool,
			Error:  fmt.Sprintf("tool %q is not enabled for this mission", call.Tool),
		}
		return rt.captureObservation(obs)
	}

	key := mission.InvocationKey(call)
	spec, known := rt.engine.tools.Spec(call.Tool)
	if known && spec.RequiresApproval && (key == "" || !rt.approved[key]) {
		return rt.requestApproval(call, spec, key)
	}

	params := redaction.RedactMap(call.Input)
	if err := rt.emit(mission.EventToolCall, fmt.Sprintf("Calling %s", call.Tool), map[string]any{
		"tool":           call.Tool,
		"action":         call.Operation,
		"params":         params,
		"invocation_key": key,
	}); err != nil {
		return "", err
	}

	ctx, span := startSpan(rt.ctx, spanToolExecute, rt, attribute.String(attrToolName, call.Tool))
	result := rt.invoke(ctx, call)
	var spanErr error
	if result.Status != ports.ToolStatusOK {
		spanErr = errors.New(result.Message)
	}
	markSpanResult(span, spanErr)
	span.End()

	return rt.captureObservation(observationFromResult(call.Tool, result))
}

// invoke runs the tool to completion. Cancellation never interrupts an
// in-flight call; only the tool timeout does.
func (rt *runtime) invoke(ctx context.Context, call mission.ToolCall) (result ports.ToolResult) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.engine.toolTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			rt.engine.logger.Error("Run %s: tool %s panicked: %v", rt.runID, call.Tool, r)
			result = ports.ToolResult{Status: ports.ToolStatusError, Message: fmt.Sprintf("tool %s panicked", call.Tool)}
		}
	}()
	return rt.engine.tools.Invoke(callCtx, call.Tool, call.Operation, call.Input)
}

func (rt *runtime) requestApproval(call mission.ToolCall, spec ports.ToolSpec, key string) (mission.LoopState, error) {
	risk := spec.Risk
	if risk == "" {
		risk = ports.RiskMedium
	}
	thought := *rt.thought
	question := fmt.Sprintf("Allow %s to run (%s risk)?", call.Tool, risk)
	rt.pending = &mission.Pending{
		Kind:          mission.PendingApproval,
		Question:      question,
		Tool:          call.Tool,
		Risk:          string(risk),
		InvocationKey: key,
		Thought:       &thought,
	}
	rt.missingFields = []string{"approval"}
	rt.engine.metrics.ApprovalRequested(call.Tool)
	if err := rt.emit(mission.EventApproval, question, map[string]any{
		"status":         "requested",
		"tool":           call.Tool,
		"action":         call.Operation,
		"risk":           string(risk),
		"params":         redaction.RedactMap(call.Input),
		"invocation_key": key,
	}); err != nil {
		return "", err
	}
	if err := rt.saveState(mission.StatusPending); err != nil {
		return "", err
	}
	return mission.StateAwaitingUser, nil
}

func (rt *runtime) captureObservation(obs mission.Observation) (mission.LoopState, error) {
	rt.observation = &obs
	message := obs.Summary()
	data := map[string]any{
		"tool":   obs.Tool,
		"status": string(obs.Status),
	}
	if obs.Error != "" {
		data["error"] = obs.Error
	}
	if len(obs.Data) > 0 {
		data["result"] = redaction.RedactMap(obs.Data)
	}
	if err := rt.emit(mission.EventToolResult, message, data); err != nil {
		return "", err
	}
	return mission.StateObserving, nil
}

// observe folds the captured observation into history and decides whether
// the loop continues.
func (rt *runtime) observe() (mission.LoopState, error) {
	obs := rt.observation
	if obs == nil {
		return mission.StateThinking, nil
	}
	if err := rt.flushObservation(); err != nil {
		return "", err
	}

	if obs.Success && rt.thought != nil && rt.tasks.Complete(rt.thought.StepRef) {
		tasks := rt.tasks.Snapshot()
		if err := rt.engine.store.SaveTasks(rt.persistCtx, rt.runID, tasks); err != nil {
			return "", persistFailure(err)
		}
		task := tasks[rt.thought.StepRef]
		if err := rt.emitForTask(mission.EventPlanUpdated, fmt.Sprintf("Completed %s", task.Title), task.ID, map[string]any{
			"plan_id": rt.tasks.Plan().ID,
			"tasks":   taskPayload(tasks),
		}); err != nil {
			return "", err
		}
	}

	if obs.RequiresUser {
		question := obs.Question
		if question == "" {
			question = fmt.Sprintf("%s needs more input to continue.", obs.Tool)
		}
		rt.pending = &mission.Pending{
			Kind:      mission.PendingQuestion,
			Question:  question,
			AnswerKey: obs.Tool,
			Tool:      obs.Tool,
		}
		rt.missingFields = []string{obs.Tool}
		if err := rt.emit(mission.EventClarification, question, map[string]any{
			"question":   question,
			"answer_key": obs.Tool,
			"tool":       obs.Tool,
		}); err != nil {
			return "", err
		}
		if err := rt.saveState(mission.StatusPaused); err != nil {
			return "", err
		}
		return mission.StateAwaitingUser, nil
	}
	return mission.StateThinking, nil
}

func (rt *runtime) flushObservation() error {
	if rt.observation == nil {
		return nil
	}
	obs := *rt.observation
	rt.observation = nil
	return rt.record(mission.ObservationEntry(obs, rt.engine.clock.Now()))
}

func (rt *runtime) finish(status mission.Status) *mission.ExecutionResult {
	if status == mission.StatusCompleted {
		rt.pending = nil
		rt.missingFields = nil
		if err := rt.saveState(status); err != nil {
			rt.engine.logger.Error("Run %s: persist completion: %v", rt.runID, err)
			return rt.fail(err)
		}
	}
	rt.finishRun(status, false)

	message := rt.finalMessage
	if rt.pending != nil {
		message = rt.pending.Question
	}
	return rt.result(status, message)
}

func (rt *runtime) fail(err error) *mission.ExecutionResult {
	message := "The mission failed: " + apperrors.FormatForUser(err)
	var failure *runFailure
	if errors.As(err, &failure) {
		message = failure.message
	}
	rt.engine.logger.Warn("Run %s failed: %v", rt.runID, err)

	if flushErr := rt.flushObservation(); flushErr != nil {
		rt.engine.logger.Error("Run %s: persist observation: %v", rt.runID, flushErr)
	}
	if emitErr := rt.emit(mission.EventError, message, map[string]any{"steps": rt.steps}); emitErr != nil {
		rt.engine.logger.Error("Run %s: emit error event: %v", rt.runID, emitErr)
	}
	rt.pending = nil
	rt.missingFields = nil
	if saveErr := rt.saveState(mission.StatusFailed); saveErr != nil {
		rt.engine.logger.Error("Run %s: persist failure: %v", rt.runID, saveErr)
	}
	rt.finishRun(mission.StatusFailed, false)
	return rt.result(mission.StatusFailed, message)
}

func (rt *runtime) cancelled() *mission.ExecutionResult {
	const message = "cancelled"
	rt.engine.logger.Info("Run %s cancelled after %d steps", rt.runID, rt.steps)

	if err := rt.flushObservation(); err != nil {
		rt.engine.logger.Error("Run %s: persist observation: %v", rt.runID, err)
	}
	if err := rt.emit(mission.EventCancelled, "Run cancelled", map[string]any{"steps": rt.steps}); err != nil {
		rt.engine.logger.Error("Run %s: emit cancelled event: %v", rt.runID, err)
	}
	rt.pending = nil
	rt.missingFields = nil
	if err := rt.saveState(mission.StatusFailed); err != nil {
		rt.engine.logger.Error("Run %s: persist cancellation: %v", rt.runID, err)
	}
	rt.finishRun(mission.StatusFailed, true)
	return rt.result(mission.StatusFailed, message)
}

func (rt *runtime) finishRun(status mission.Status, cancelled bool) {
	if err := rt.engine.store.FinishRun(rt.persistCtx, rt.runID, status, cancelled, rt.engine.clock.Now()); err != nil {
		rt.engine.logger.Error("Run %s: finish run record: %v", rt.runID, err)
	}
}

func (rt *runtime) result(status mission.Status, message string) *mission.ExecutionResult {
	result := &mission.ExecutionResult{
		SessionID:    rt.sessionID,
		RunID:        rt.runID,
		Status:       status,
		FinalMessage: message,
		History:      rt.historyCopy(),
		PlanID:       rt.tasks.Plan().ID,
		Steps:        rt.steps,
	}
	if rt.pending != nil {
		pending := *rt.pending
		result.Pending = &pending
		result.PendingQuestion = pending.Question
	}
	return result
}

// record appends an entry to history after it is durably stored.
func (rt *runtime) record(entry mission.HistoryEntry) error {
	msg, err := entry.Message()
	if err != nil {
		return persistFailure(err)
	}
	if _, err := rt.engine.store.AppendMessage(rt.persistCtx, rt.sessionID, msg); err != nil {
		return persistFailure(err)
	}
	rt.history = append(rt.history, entry)
	return nil
}

func (rt *runtime) saveState(status mission.Status) error {
	plan := rt.tasks.Plan()
	state := mission.SessionState{
		Status:        status,
		MissingFields: rt.missingFields,
		Pending:       rt.pending,
	}
	if plan.ID != "" || len(plan.Tasks) > 0 {
		state.Plan = &plan
	}
	if err := rt.engine.store.SaveState(rt.persistCtx, rt.sessionID, state); err != nil {
		return persistFailure(err)
	}
	return nil
}

func (rt *runtime) emit(eventType mission.EventType, message string, data map[string]any) error {
	return rt.emitForTask(eventType, message, "", data)
}

func (rt *runtime) emitForTask(eventType mission.EventType, message, taskID string, data map[string]any) error {
	if err := rt.emitter.emit(rt.persistCtx, eventType, message, taskID, data); err != nil {
		return &runFailure{message: "Mission events could not be recorded.", cause: err}
	}
	return nil
}

func (rt *runtime) historyCopy() []mission.HistoryEntry {
	out := make([]mission.HistoryEntry, len(rt.history))
	copy(out, rt.history)
	return out
}

func (rt *runtime) toolAllowed(name string) bool {
	if rt.allowed == nil {
		return true
	}
	_, ok := rt.allowed[strings.TrimSpace(name)]
	return ok
}

func (rt *runtime) toolSpecs() []ports.ToolSpec {
	specs := rt.engine.tools.List()
	if rt.allowed == nil {
		return specs
	}
	filtered := specs[:0:0]
	for _, spec := range specs {
		if rt.toolAllowed(spec.Name) {
			filtered = append(filtered, spec)
		}
	}
	return filtered
}

func observationFromResult(tool string, result ports.ToolResult) mission.Observation {
	obs := mission.Observation{
		Tool: tool,
		Data: result.Data,
	}
	switch result.Status {
	case ports.ToolStatusOK:
		obs.Success = true
		obs.Status = mission.ObservationOK
	case ports.ToolStatusSkipped:
		obs.Status = mission.ObservationSkipped
		obs.Error = result.Message
	default:
		obs.Status = mission.ObservationError
		obs.Error = result.Message
		if obs.Error == "" {
			obs.Error = "tool failed"
		}
	}
	if needs, _ := result.Data["needs_user_input"].(bool); needs {
		obs.RequiresUser = true
		obs.Question, _ = result.Data["question_to_user"].(string)
	}
	return obs
}

func buildTasks(titles []string, previous []mission.PlannedTask) []mission.PlannedTask {
	done := make(map[string]bool, len(previous))
	for _, task := range previous {
		if task.Status == mission.TaskCompleted {
			done[strings.ToLower(strings.TrimSpace(task.Title))] = true
		}
	}
	tasks := make([]mission.PlannedTask, 0, len(titles))
	for _, title := range titles {
		title = strings.TrimSpace(title)
		if title == "" {
			continue
		}
		status := mission.TaskPending
		if done[strings.ToLower(title)] {
			status = mission.TaskCompleted
		}
		tasks = append(tasks, mission.PlannedTask{ID: id.NewTaskID(), Title: title, Status: status})
	}
	return tasks
}

func taskPayload(tasks []mission.PlannedTask) []map[string]any {
	out := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, map[string]any{"id": task.ID, "title": task.Title, "status": string(task.Status)})
	}
	return out
}
