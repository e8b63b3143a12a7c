package mission

import "sync"

// TaskStatus is the progress of a planned task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
)

// PlannedTask is one step of a plan.
type PlannedTask struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Status TaskStatus `json:"status"`
}

// Plan is the ordered decomposition of a mission.
type Plan struct {
	ID    string        `json:"id"`
	Tasks []PlannedTask `json:"tasks"`
}

// TaskList is the live task list shared between a running loop and the run
// registry. Tasks keep their order; only status changes in place.
type TaskList struct {
	mu     sync.RWMutex
	planID string
	tasks  []PlannedTask
}

// NewTaskList returns a list seeded with a copy of tasks.
func NewTaskList(planID string, tasks []PlannedTask) *TaskList {
	return &TaskList{planID: planID, tasks: cloneTasks(tasks)}
}

// Snapshot returns a copy of the tasks in order.
func (l *TaskList) Snapshot() []PlannedTask {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneTasks(l.tasks)
}

// Plan returns the current plan id and tasks.
func (l *TaskList) Plan() Plan {
	if l == nil {
		return Plan{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Plan{ID: l.planID, Tasks: cloneTasks(l.tasks)}
}

// Replace swaps in a revised plan.
func (l *TaskList) Replace(planID string, tasks []PlannedTask) {
	l.mu.Lock()
	l.planID = planID
	l.tasks = cloneTasks(tasks)
	l.mu.Unlock()
}

// Complete marks the task at index as completed. It reports false when the
// index is out of range or the task was already completed.
func (l *TaskList) Complete(index int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.tasks) {
		return false
	}
	if l.tasks[index].Status == TaskCompleted {
		return false
	}
	l.tasks[index].Status = TaskCompleted
	return true
}

// Len returns the number of tasks.
func (l *TaskList) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tasks)
}

func cloneTasks(tasks []PlannedTask) []PlannedTask {
	if tasks == nil {
		return nil
	}
	out := make([]PlannedTask, len(tasks))
	copy(out, tasks)
	return out
}
