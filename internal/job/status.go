package job

import (
	"time"
)

// ClientStatus is the coarse status exposed to callers.
type ClientStatus string

const (
	StatusCompiling ClientStatus = "COMPILING"
	StatusQueued    ClientStatus = "QUEUED"
	StatusRunning   ClientStatus = "RUNNING"
	StatusDone      ClientStatus = "DONE"
	StatusError     ClientStatus = "ERROR"
	StatusCancelled ClientStatus = "CANCELLED"
	StatusTimeout   ClientStatus = "TIMEOUT"
)

// ClientStatusOf collapses a pipeline state into its caller-visible status.
func ClientStatusOf(s State) ClientStatus {
	switch s {
	case StateValidating, StateCompiling:
		return StatusCompiling
	case StateExecuting, StateCompleting:
		return StatusRunning
	case StateCompleted:
		return StatusDone
	case StateFailed:
		return StatusError
	case StateCancelled:
		return StatusCancelled
	case StateTimeout:
		return StatusTimeout
	default:
		return StatusQueued
	}
}

// Progress returns a coarse completion fraction for s.
func Progress(s State) float64 {
	switch s {
	case StatePending:
		return 0
	case StateValidating, StateCompiling:
		return 0.25
	case StateQueued, StateAllocating:
		return 0.5
	case StateExecuting, StateCompleting:
		return 0.75
	default:
		return 1.0
	}
}

// Status is the caller-facing status object.
type Status struct {
	ID              string       `json:"id"`
	Name            string       `json:"name,omitempty"`
	Status          ClientStatus `json:"status"`
	Stage           State        `json:"stage"`
	Progress        float64      `json:"progress"`
	Message         string       `json:"message"`
	Error           *ErrorInfo   `json:"error,omitempty"`
	CancelRequested bool         `json:"cancelRequested,omitempty"`
	Seq             uint64       `json:"seq"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// StatusOf builds the caller-facing status of a record.
func StatusOf(r Record) Status {
	return Status{
		ID:              r.ID,
		Name:            r.Spec.Name,
		Status:          ClientStatusOf(r.State),
		Stage:           r.State,
		Progress:        Progress(r.State),
		Message:         message(r),
		Error:           r.Error,
		CancelRequested: r.CancelRequested,
		Seq:             r.Seq,
		UpdatedAt:       r.UpdatedAt,
	}
}

func message(r Record) string {
	if r.Error != nil {
		if r.Result != nil && !r.Result.Persisted {
			return "results computed but not recorded: " + r.Error.Message
		}
		return r.Error.Message
	}
	if r.CancelRequested && !r.Terminal() {
		return "cancellation requested"
	}
	switch r.State {
	case StatePending:
		return "waiting for a worker"
	case StateValidating:
		return "validating job"
	case StateCompiling:
		return "compiling program"
	case StateQueued:
		return "waiting for device capacity"
	case StateAllocating:
		return "checking isolation"
	case StateExecuting:
		return "executing on " + r.Spec.Target
	case StateCompleting:
		return "persisting results"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	}
	return ""
}

// Results is the caller-facing results object.
type Results struct {
	ID          string            `json:"id"`
	Status      ClientStatus      `json:"status"`
	Counts      map[string]int64  `json:"counts,omitempty"`
	Shots       int               `json:"shots,omitempty"`
	Elapsed     float64           `json:"elapsedSeconds,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Error       *ErrorInfo        `json:"error,omitempty"`
	Degraded    bool              `json:"degraded,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// ResultsOf builds the caller-facing results of a record. Degraded is set
// when the computation succeeded but its results could not be persisted.
func ResultsOf(r Record) Results {
	out := Results{
		ID:     r.ID,
		Status: ClientStatusOf(r.State),
		Error:  r.Error,
	}
	if r.Result != nil {
		out.Counts = r.Result.Counts
		out.Shots = r.Result.Shots
		out.Elapsed = r.Result.Elapsed.Seconds()
		out.Metadata = r.Result.Metadata
		out.Degraded = !r.Result.Persisted
	}
	if r.Terminal() {
		at := r.UpdatedAt
		out.CompletedAt = &at
	}
	return out
}
