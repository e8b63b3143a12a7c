package mission

// LoopState is a state of the reason-act-observe loop.
type LoopState string

const (
	StatePlanning     LoopState = "PLANNING"
	StateThinking     LoopState = "THINKING"
	StateActing       LoopState = "ACTING"
	StateObserving    LoopState = "OBSERVING"
	StateAwaitingUser LoopState = "AWAITING_USER"
	StateCompleted    LoopState = "COMPLETED"
	StateFailed       LoopState = "FAILED"
)

var transitions = map[LoopState][]LoopState{
	StatePlanning:  {StateThinking, StateFailed},
	StateThinking:  {StateActing, StateFailed},
	StateActing:    {StateObserving, StateAwaitingUser, StateCompleted, StatePlanning, StateFailed},
	StateObserving: {StateThinking, StateAwaitingUser, StateFailed},
}

// Terminal reports whether the loop exits in this state.
func (s LoopState) Terminal() bool {
	return s == StateAwaitingUser || s == StateCompleted || s == StateFailed
}

// CanTransition reports whether the loop may move from one state to another.
func CanTransition(from, to LoopState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
