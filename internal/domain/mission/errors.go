package mission

import "errors"

var (
	// ErrNotFound is returned when a conversation or run does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidAction marks a decision whose action is malformed for its variant.
	ErrInvalidAction = errors.New("invalid action")
	// ErrInvalidThought marks a decision that fails validation outside its action.
	ErrInvalidThought = errors.New("invalid thought")
	// ErrStepLimit is recorded when a run exhausts its iteration budget.
	ErrStepLimit = errors.New("step limit exceeded")
	// ErrCancelled is recorded when a run observes its cancellation flag.
	ErrCancelled = errors.New("cancelled")
)
