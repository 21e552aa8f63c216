// Package peer defines the contracts of the compiler and execution backends
// the kernel drives, plus HTTP JSON clients for them.
package peer

import (
	"context"
	"errors"
	"fmt"
	"qkernel/pkg/circuitbreaker"
	"time"
)

// ErrorKind classifies a peer failure.
type ErrorKind string

const (
	KindValidation        ErrorKind = "Validation"
	KindUnsupported       ErrorKind = "Unsupported"
	KindInternal          ErrorKind = "Internal"
	KindInvalidPayload    ErrorKind = "InvalidPayload"
	KindDeviceUnavailable ErrorKind = "DeviceUnavailable"
	KindDeviceOffline     ErrorKind = "DeviceOffline"
)

// Error is a typed peer failure. Retryable marks transient failures that
// may succeed on another attempt.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds an Error. DeviceUnavailable is always retryable.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kind == KindDeviceUnavailable,
	}
}

// KindOf returns the peer kind of err, or "" if err is not a peer error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsRetryable reports whether err is transient: a retryable peer error, a
// per-call deadline, or an open breaker.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, circuitbreaker.ErrOpen)
}

// CompileRequest is the input of a compilation.
type CompileRequest struct {
	JobID      string            `json:"jobId"`
	Source     string            `json:"source"`
	Entrypoint string            `json:"entrypoint"`
	Language   string            `json:"language,omitempty"`
	Target     string            `json:"target"`
	Options    map[string]string `json:"options,omitempty"`
}

// Compiled is a compiled circuit. Slots is the number of logical slots it
// needs; Topology is an optional connectivity requirement.
type Compiled struct {
	Payload  []byte `json:"payload"`
	Format   string `json:"format"`
	Slots    int    `json:"slots"`
	Topology string `json:"topology,omitempty"`
}

// Compiler turns program source into an executable payload.
type Compiler interface {
	Compile(ctx context.Context, req CompileRequest) (Compiled, error)
}

// ExecuteRequest runs a compiled payload on reserved device slots.
// Slots[i] is the physical slot of logical slot i.
type ExecuteRequest struct {
	JobID    string            `json:"jobId"`
	DeviceID string            `json:"deviceId"`
	Slots    []int             `json:"slots"`
	Payload  []byte            `json:"payload"`
	Format   string            `json:"format"`
	Shots    int               `json:"shots"`
	Options  map[string]string `json:"options,omitempty"`
}

// Execution is the outcome of a run.
type Execution struct {
	Counts   map[string]int64  `json:"counts"`
	Elapsed  time.Duration     `json:"elapsed"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Executor runs payloads on devices.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (Execution, error)
}

// Pinger is implemented by peers that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
