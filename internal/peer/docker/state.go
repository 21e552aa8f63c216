package docker

import (
	"context"
	"qkernel/internal/apperrors"
	"sync"
)

// runState holds the container of one in-flight execution.
type runState struct {
	containerID string
	cancel      context.CancelFunc
}

// runRepo tracks in-flight executions by job id.
type runRepo struct {
	mu   sync.RWMutex
	runs map[string]*runState
}

func newRunRepo() *runRepo {
	return &runRepo{runs: make(map[string]*runState)}
}

// reserve claims a job id. The slot holds nil until commit is called.
func (r *runRepo) reserve(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[jobID]; exists {
		return apperrors.Conflict("execution", jobID, "job is already executing")
	}
	r.runs[jobID] = nil
	return nil
}

// commit fills in a reserved slot.
func (r *runRepo) commit(jobID string, rs *runState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[jobID] = rs
}

// release removes a job. Returns the state if it existed.
func (r *runRepo) release(jobID string) (*runState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, exists := r.runs[jobID]
	if exists {
		delete(r.runs, jobID)
	}
	return rs, exists
}

// get returns (nil, true) for a reserved but uncommitted job.
func (r *runRepo) get(jobID string) (*runState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, exists := r.runs[jobID]
	return rs, exists
}

// list returns a snapshot of all runs.
func (r *runRepo) list() map[string]*runState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*runState, len(r.runs))
	for id, rs := range r.runs {
		result[id] = rs
	}
	return result
}
