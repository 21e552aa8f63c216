package job

// State is the fine-grained pipeline state of a job.
type State string

const (
	StatePending    State = "Pending"
	StateValidating State = "Validating"
	StateCompiling  State = "Compiling"
	StateQueued     State = "Queued"
	StateAllocating State = "Allocating"
	StateExecuting  State = "Executing"
	StateCompleting State = "Completing"
	StateCompleted  State = "Completed"
	StateFailed     State = "Failed"
	StateCancelled  State = "Cancelled"
	StateTimeout    State = "Timeout"
)

// forward holds the single successor of each non-terminal state on the
// success path.
var forward = map[State]State{
	StatePending:    StateValidating,
	StateValidating: StateCompiling,
	StateCompiling:  StateQueued,
	StateQueued:     StateAllocating,
	StateAllocating: StateExecuting,
	StateExecuting:  StateCompleting,
	StateCompleting: StateCompleted,
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := forward[s]
	return ok || s.Terminal()
}

// Next returns the success-path successor of s.
func (s State) Next() (State, bool) {
	next, ok := forward[s]
	return next, ok
}

// CanTransition reports whether from -> to is an edge of the transition
// table: the success-path successor, or any abort state from a
// non-terminal state.
func CanTransition(from, to State) bool {
	if from.Terminal() || !from.Valid() {
		return false
	}
	switch to {
	case StateFailed, StateCancelled, StateTimeout:
		return true
	}
	next, ok := forward[from]
	return ok && next == to
}

// ImmediatelyCancellable reports whether a cancel request moves a job in s
// straight to Cancelled. Later stages only get a best-effort signal.
func (s State) ImmediatelyCancellable() bool {
	switch s {
	case StatePending, StateValidating, StateCompiling, StateQueued, StateAllocating:
		return true
	}
	return false
}
