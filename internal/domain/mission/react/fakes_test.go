package react

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"missionloop/internal/domain/mission"
	"missionloop/internal/domain/mission/ports"
)

// memStore is an in-memory SessionStore with failure injection.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]*mission.Conversation
	runs          map[string]*mission.RunRecord
	tasks         map[string][]mission.PlannedTask
	events        map[string][]mission.Event
	seq           int64

	failAppendEvent error
}

func newMemStore() *memStore {
	return &memStore{
		conversations: map[string]*mission.Conversation{},
		runs:          map[string]*mission.RunRecord{},
		tasks:         map[string][]mission.PlannedTask{},
		events:        map[string][]mission.Event{},
	}
}

func (s *memStore) Create(_ context.Context, id string) (*mission.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensure(id).Clone(), nil
}

func (s *memStore) ensure(id string) *mission.Conversation {
	conv, ok := s.conversations[id]
	if !ok {
		now := time.Now()
		conv = &mission.Conversation{ID: id, Status: mission.StatusRunning, CreatedAt: now, UpdatedAt: now}
		s.conversations[id] = conv
	}
	return conv
}

func (s *memStore) Get(_ context.Context, id string) (*mission.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, mission.ErrNotFound
	}
	return conv.Clone(), nil
}

func (s *memStore) AddMessage(ctx context.Context, id, role, content string) (*mission.Conversation, error) {
	return s.AppendMessage(ctx, id, mission.Message{Role: role, Content: content})
}

func (s *memStore) AppendMessage(_ context.Context, id string, msg mission.Message) (*mission.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.ensure(id)
	s.seq++
	msg.Seq = s.seq
	conv.Messages = append(conv.Messages, msg)
	return conv.Clone(), nil
}

func (s *memStore) SaveState(_ context.Context, id string, state mission.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.ensure(id)
	conv.Status = state.Status
	conv.MissingFields = append([]string(nil), state.MissingFields...)
	conv.Plan = state.Plan
	conv.Pending = state.Pending
	return nil
}

func (s *memStore) ListConversations(context.Context, int) ([]mission.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mission.ConversationSummary, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, mission.ConversationSummary{ID: conv.ID, Status: conv.Status, MessageCount: len(conv.Messages)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) StartRun(_ context.Context, run mission.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = &run
	return nil
}

func (s *memStore) FinishRun(_ context.Context, runID string, status mission.Status, cancelled bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return mission.ErrNotFound
	}
	run.Status = status
	run.Cancelled = cancelled
	run.CompletedAt = &at
	return nil
}

func (s *memStore) GetRun(_ context.Context, runID string) (*mission.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, mission.ErrNotFound
	}
	copy := *run
	return &copy, nil
}

func (s *memStore) SaveTasks(_ context.Context, runID string, tasks []mission.PlannedTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[runID] = append([]mission.PlannedTask(nil), tasks...)
	return nil
}

func (s *memStore) AppendEvent(_ context.Context, event mission.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppendEvent != nil {
		return s.failAppendEvent
	}
	s.events[event.RunID] = append(s.events[event.RunID], event)
	return nil
}

func (s *memStore) ListEvents(_ context.Context, runID string, afterSeq int64) ([]mission.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mission.Event
	for _, event := range s.events[runID] {
		if event.Seq > afterSeq {
			out = append(out, event)
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) hasEvent(runID string, seq int64) bool {
	events, _ := s.ListEvents(context.Background(), runID, seq-1)
	return len(events) > 0 && events[0].Seq == seq
}

// fakeRegistry is a minimal RunRegistry.
type fakeRegistry struct {
	mu        sync.Mutex
	cancelled map[string]bool
	tasks     map[string]*mission.TaskList
	finished  []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{cancelled: map[string]bool{}, tasks: map[string]*mission.TaskList{}}
}

func (r *fakeRegistry) Create(runID string, tasks *mission.TaskList) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled[runID] = false
	r.tasks[runID] = tasks
}

func (r *fakeRegistry) Cancel(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cancelled[runID]; !ok {
		return false
	}
	r.cancelled[runID] = true
	return true
}

func (r *fakeRegistry) IsCancelled(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled[runID]
}

func (r *fakeRegistry) GetTasks(runID string) (*mission.TaskList, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks, ok := r.tasks[runID]
	return tasks, ok
}

func (r *fakeRegistry) Finish(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, runID)
}

// scriptedProvider replays decisions in order; the last one repeats.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []scriptStep
	calls    int
	requests []ports.DecisionRequest
}

type scriptStep struct {
	thought mission.Thought
	err     error
}

func script(steps ...scriptStep) *scriptedProvider {
	return &scriptedProvider{steps: steps}
}

func decide(action mission.Action) scriptStep {
	return scriptStep{thought: mission.Thought{Rationale: "next", Action: action, Confidence: 0.9}}
}

func decideStep(stepRef int, action mission.Action) scriptStep {
	step := decide(action)
	step.thought.StepRef = stepRef
	return step
}

func failWith(err error) scriptStep {
	return scriptStep{err: err}
}

func (p *scriptedProvider) Decide(_ context.Context, req ports.DecisionRequest) (mission.Thought, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	idx := p.calls
	if idx >= len(p.steps) {
		idx = len(p.steps) - 1
	}
	p.calls++
	step := p.steps[idx]
	return step.thought, step.err
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// plannerProvider adds planning to a scripted provider.
type plannerProvider struct {
	*scriptedProvider
	titles  []string
	reasons []string
}

func (p *plannerProvider) Plan(_ context.Context, req ports.PlanRequest) ([]string, error) {
	p.reasons = append(p.reasons, req.Reason)
	return p.titles, nil
}

type invocation struct {
	tool   string
	action string
	params map[string]any
}

// fakeTools is an in-memory ToolInvoker.
type fakeTools struct {
	mu      sync.Mutex
	specs   map[string]ports.ToolSpec
	handler map[string]func(ctx context.Context, params map[string]any) ports.ToolResult
	calls   []invocation
}

func newFakeTools() *fakeTools {
	return &fakeTools{
		specs:   map[string]ports.ToolSpec{},
		handler: map[string]func(context.Context, map[string]any) ports.ToolResult{},
	}
}

func (t *fakeTools) add(spec ports.ToolSpec, fn func(context.Context, map[string]any) ports.ToolResult) {
	t.specs[spec.Name] = spec
	t.handler[spec.Name] = fn
}

func (t *fakeTools) Invoke(ctx context.Context, tool, action string, params map[string]any) ports.ToolResult {
	t.mu.Lock()
	t.calls = append(t.calls, invocation{tool: tool, action: action, params: params})
	fn, ok := t.handler[tool]
	t.mu.Unlock()
	if !ok {
		return ports.ToolResult{Status: ports.ToolStatusSkipped, Message: "unknown tool " + tool}
	}
	return fn(ctx, params)
}

func (t *fakeTools) Spec(tool string) (ports.ToolSpec, bool) {
	spec, ok := t.specs[tool]
	return spec, ok
}

func (t *fakeTools) List() []ports.ToolSpec {
	out := make([]ports.ToolSpec, 0, len(t.specs))
	for _, spec := range t.specs {
		out = append(out, spec)
	}
	return out
}

func (t *fakeTools) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// recordingSink captures published events and checks each was logged first.
type recordingSink struct {
	mu       sync.Mutex
	store    *memStore
	events   []mission.Event
	unlogged []mission.Event
}

func (s *recordingSink) Publish(event mission.Event) {
	logged := s.store == nil || s.store.hasEvent(event.RunID, event.Seq)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if !logged {
		s.unlogged = append(s.unlogged, event)
	}
}

func (s *recordingSink) types() []mission.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mission.EventType, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, event.Type)
	}
	return out
}

var errProviderDown = errors.New("connection refused")
