package ports

import (
	"context"

	"missionloop/internal/domain/mission"
)

// DecisionRequest is everything the decision provider sees for one step.
type DecisionRequest struct {
	RunID       string
	SessionID   string
	Mission     string
	Step        int
	History     []mission.HistoryEntry
	Plan        []mission.PlannedTask
	UserContext map[string]any
	Tools       []ToolSpec
}

// DecisionProvider maps loop state to the next Thought. Implementations may
// be slow or fail; the loop bounds both.
type DecisionProvider interface {
	Decide(ctx context.Context, req DecisionRequest) (mission.Thought, error)
}

// DecisionFunc adapts a function to DecisionProvider.
type DecisionFunc func(ctx context.Context, req DecisionRequest) (mission.Thought, error)

// Decide calls f.
func (f DecisionFunc) Decide(ctx context.Context, req DecisionRequest) (mission.Thought, error) {
	return f(ctx, req)
}

// PlanRequest asks a planner to decompose or revise a mission.
type PlanRequest struct {
	RunID       string
	Mission     string
	History     []mission.HistoryEntry
	Previous    []mission.PlannedTask
	Reason      string
	UserContext map[string]any
}

// Planner is implemented by providers that can decompose a mission into task
// titles. Providers without it get a single-task plan.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) ([]string, error)
}
