package job

import "testing"

var allStates = []State{
	StatePending, StateValidating, StateCompiling, StateQueued, StateAllocating,
	StateExecuting, StateCompleting, StateCompleted, StateFailed, StateCancelled, StateTimeout,
}

func TestCanTransition_SuccessPath(t *testing.T) {
	t.Parallel()
	path := []State{
		StatePending, StateValidating, StateCompiling, StateQueued,
		StateAllocating, StateExecuting, StateCompleting, StateCompleted,
	}
	for i := 0; i < len(path)-1; i++ {
		if !CanTransition(path[i], path[i+1]) {
			t.Errorf("CanTransition(%s, %s) = false, want true", path[i], path[i+1])
		}
	}
}

func TestCanTransition_AbortFromAnyNonTerminal(t *testing.T) {
	t.Parallel()
	for _, from := range allStates {
		for _, to := range []State{StateFailed, StateCancelled, StateTimeout} {
			want := !from.Terminal()
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCanTransition_RejectsSkipsAndBackwards(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to State
	}{
		{StatePending, StateCompiling},
		{StateQueued, StateExecuting},
		{StateAllocating, StateQueued},
		{StateExecuting, StateCompleted},
		{StateCompleted, StateFailed},
		{StateCancelled, StateCancelled},
		{StatePending, StatePending},
		{State("Bogus"), StateFailed},
	}
	for _, tt := range tests {
		if CanTransition(tt.from, tt.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tt.from, tt.to)
		}
	}
}

func TestImmediatelyCancellable(t *testing.T) {
	t.Parallel()
	want := map[State]bool{
		StatePending: true, StateValidating: true, StateCompiling: true,
		StateQueued: true, StateAllocating: true,
	}
	for _, s := range allStates {
		if got := s.ImmediatelyCancellable(); got != want[s] {
			t.Errorf("%s.ImmediatelyCancellable() = %v, want %v", s, got, want[s])
		}
	}
}

func TestClientStatusAndProgress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state    State
		status   ClientStatus
		progress float64
	}{
		{StatePending, StatusQueued, 0},
		{StateValidating, StatusCompiling, 0.25},
		{StateCompiling, StatusCompiling, 0.25},
		{StateQueued, StatusQueued, 0.5},
		{StateAllocating, StatusQueued, 0.5},
		{StateExecuting, StatusRunning, 0.75},
		{StateCompleting, StatusRunning, 0.75},
		{StateCompleted, StatusDone, 1},
		{StateFailed, StatusError, 1},
		{StateCancelled, StatusCancelled, 1},
		{StateTimeout, StatusTimeout, 1},
	}
	for _, tt := range tests {
		if got := ClientStatusOf(tt.state); got != tt.status {
			t.Errorf("ClientStatusOf(%s) = %s, want %s", tt.state, got, tt.status)
		}
		if got := Progress(tt.state); got != tt.progress {
			t.Errorf("Progress(%s) = %v, want %v", tt.state, got, tt.progress)
		}
	}
}
