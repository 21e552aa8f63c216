// Package job holds the job registry, the pipeline state machine and the
// caller-facing status model.
package job

import (
	"maps"
	"qkernel/internal/apperrors"
	"slices"
	"time"
)

// Topology is an optional connectivity shape a job requires of its slots.
type Topology string

const (
	TopologyNone   Topology = ""
	TopologyLinear Topology = "linear"
)

// IsolationMode says what happens when a job cannot be separated from its
// neighbours by the requested distance.
type IsolationMode string

const (
	IsolationBestEffort IsolationMode = "best_effort"
	IsolationMandatory  IsolationMode = "mandatory"
)

// Program references the source to compile.
type Program struct {
	Source     string `json:"source"`
	Entrypoint string `json:"entrypoint"`
	Language   string `json:"language,omitempty"` // e.g. "eigen", "qasm"
}

// Isolation is the separation a job asks for from concurrent jobs on the
// same device, counted in connectivity graph hops.
type Isolation struct {
	MinDistance int           `json:"minDistance,omitempty"`
	Mode        IsolationMode `json:"mode,omitempty"`
}

// Callback configures webhook delivery of status events.
type Callback struct {
	URL string `json:"url"`
	Key string `json:"key,omitempty"` // HMAC signing key
}

// Spec is a job submission.
type Spec struct {
	Name            string            `json:"name"`
	Submitter       string            `json:"submitter,omitempty"`
	Program         Program           `json:"program"`
	Target          string            `json:"target"`
	Priority        int               `json:"priority"`
	CompilerOptions map[string]string `json:"compilerOptions,omitempty"`
	Shots           int               `json:"shots,omitempty"`
	Topology        Topology          `json:"topology,omitempty"`
	Isolation       Isolation         `json:"isolation,omitempty"`
	TimeoutSeconds  int               `json:"timeoutSeconds,omitempty"`
	Callback        *Callback         `json:"callback,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
}

// Timeout returns the pipeline deadline as a duration, zero when unset.
func (s Spec) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ErrorInfo is the structured last error of a job.
type ErrorInfo struct {
	Kind    apperrors.Kind `json:"kind"`
	Message string         `json:"message"`
}

// ErrorFrom classifies err for storage on a record.
func ErrorFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Kind: apperrors.KindOf(err), Message: err.Error()}
}

// ArtifactRef points at a persisted pipeline artifact.
type ArtifactRef struct {
	Name   string `json:"name"`
	Key    string `json:"key"`
	Format string `json:"format"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

// AllocationInfo summarizes the slots a job holds or held.
type AllocationInfo struct {
	DeviceID  string `json:"deviceId"`
	Slots     []int  `json:"slots"`
	Released  bool   `json:"released"`
	Violated  bool   `json:"isolationViolated,omitempty"`
	Degraded  bool   `json:"isolationDegraded,omitempty"`
	Observed  int    `json:"observedDistance,omitempty"`
	Requested int    `json:"requestedDistance,omitempty"`
}

// Result is the outcome of a successful execution. It is kept on the record
// even when persisting it to the fabric failed.
type Result struct {
	Counts    map[string]int64  `json:"counts"`
	Shots     int               `json:"shots"`
	Elapsed   time.Duration     `json:"elapsed"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Persisted bool              `json:"persisted"`
}

// StateChange is one entry of a record's history.
type StateChange struct {
	From State     `json:"from,omitempty"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Record is the registry's view of a job. Values returned by the registry
// are snapshots and safe to retain.
type Record struct {
	ID              string                 `json:"id"`
	Spec            Spec                   `json:"spec"`
	State           State                  `json:"state"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
	History         []StateChange          `json:"history"`
	Error           *ErrorInfo             `json:"error,omitempty"`
	Artifacts       map[string]ArtifactRef `json:"artifacts,omitempty"`
	Allocation      *AllocationInfo        `json:"allocation,omitempty"`
	Result          *Result                `json:"result,omitempty"`
	CancelRequested bool                   `json:"cancelRequested,omitempty"`
	ExecuteAttempts int                    `json:"executeAttempts,omitempty"`
	Seq             uint64                 `json:"seq"`
}

// Terminal reports whether the record is frozen.
func (r *Record) Terminal() bool {
	return r.State.Terminal()
}

// clone returns a copy that shares no mutable state with r.
func (r *Record) clone() Record {
	c := *r
	c.Spec.CompilerOptions = maps.Clone(r.Spec.CompilerOptions)
	c.Spec.Labels = maps.Clone(r.Spec.Labels)
	if r.Spec.Callback != nil {
		cb := *r.Spec.Callback
		c.Spec.Callback = &cb
	}
	c.History = slices.Clone(r.History)
	c.Artifacts = maps.Clone(r.Artifacts)
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.Allocation != nil {
		a := *r.Allocation
		a.Slots = slices.Clone(r.Allocation.Slots)
		c.Allocation = &a
	}
	if r.Result != nil {
		res := *r.Result
		res.Counts = maps.Clone(r.Result.Counts)
		res.Metadata = maps.Clone(r.Result.Metadata)
		c.Result = &res
	}
	return c
}
