// Package apperrors provides structured kernel errors with HTTP status mapping.
//
// Every failure that ends a job pipeline is classified under exactly one of
// the pipeline kinds (validation, compile, allocation, execute, persist) or
// the invariant kind reserved for state machine bugs. Classification is done
// with errors.Is against the sentinels below.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrPrecondition = errors.New("precondition failed")
	ErrInternal     = errors.New("internal error")

	ErrCompile    = errors.New("compile error")
	ErrAllocation = errors.New("allocation error")
	ErrExecute    = errors.New("execute error")
	ErrPersist    = errors.New("persist error")
	ErrTimeout    = errors.New("timeout")
	ErrInvariant  = errors.New("scheduler invariant violation")
)

// Kind is the caller-visible name of an error class. It is recorded on job
// records and emitted on the status feed.
type Kind string

const (
	KindValidation Kind = "ValidationError"
	KindCompile    Kind = "CompileError"
	KindAllocation Kind = "AllocationError"
	KindExecute    Kind = "ExecuteError"
	KindPersist    Kind = "PersistError"
	KindTimeout    Kind = "Timeout"
	KindInvariant  Kind = "SchedulerInvariantViolation"
	KindNotFound   Kind = "NotFound"
	KindConflict   Kind = "Conflict"
	KindInternal   Kind = "InternalError"
)

// FieldViolation describes one invalid field of a request.
type FieldViolation struct {
	Field       string `json:"field"`
	Description string `json:"description"`
}

// Error provides structured error with context.
type Error struct {
	Sentinel   error            // Wrapped sentinel for errors.Is() classification
	Message    string           // Human-readable message
	Field      string           // For single-field validation errors
	Violations []FieldViolation // For multi-field validation errors
	Resource   string           // For not found/conflict (e.g., "job", "device")
	Op         string           // Operation that failed (e.g., "fabric.put")
	Cause      error            // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel:   ErrValidation,
		Message:    message,
		Field:      field,
		Violations: []FieldViolation{{Field: field, Description: message}},
	}
}

// Violations creates a validation error reporting every violated field.
// It returns nil when the list is empty.
func Violations(vs []FieldViolation) error {
	if len(vs) == 0 {
		return nil
	}
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		parts = append(parts, v.Field+": "+v.Description)
	}
	return &Error{
		Sentinel:   ErrValidation,
		Message:    strings.Join(parts, "; "),
		Field:      vs[0].Field,
		Violations: vs,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Precondition reports an operation that is not allowed in the resource's
// current state, such as cancelling a finished job.
func Precondition(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrPrecondition,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, reason),
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Compile reports that the compiler rejected the program.
func Compile(cause error) error {
	return &Error{
		Sentinel: ErrCompile,
		Message:  fmt.Sprintf("compile failed: %v", cause),
		Op:       "compile",
		Cause:    cause,
	}
}

// Allocation reports that no slots could be reserved for a job.
func Allocation(reason string, cause error) error {
	msg := reason
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", reason, cause)
	}
	return &Error{
		Sentinel: ErrAllocation,
		Message:  msg,
		Op:       "allocate",
		Cause:    cause,
	}
}

// Execute reports an execution failure after the retry budget was spent.
func Execute(attempts int, cause error) error {
	return &Error{
		Sentinel: ErrExecute,
		Message:  fmt.Sprintf("execute failed after %d attempt(s): %v", attempts, cause),
		Op:       "execute",
		Cause:    cause,
	}
}

// Persist reports an artifact write failure after the retry budget was spent.
func Persist(artifact string, cause error) error {
	return &Error{
		Sentinel: ErrPersist,
		Message:  fmt.Sprintf("persist %s failed: %v", artifact, cause),
		Resource: artifact,
		Op:       "persist",
		Cause:    cause,
	}
}

// Timeout reports that a job exceeded its pipeline deadline.
func Timeout(stage string) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  fmt.Sprintf("deadline exceeded during %s", stage),
		Op:       stage,
	}
}

// Invariant reports a state machine bug. It is always fatal for the job.
func Invariant(op, message string) error {
	return &Error{
		Sentinel: ErrInvariant,
		Message:  fmt.Sprintf("%s: %s", op, message),
		Op:       op,
	}
}

// KindOf returns the kind name for err. Unclassified errors are internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvariant):
		return KindInvariant
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrCompile):
		return KindCompile
	case errors.Is(err, ErrAllocation):
		return KindAllocation
	case errors.Is(err, ErrExecute):
		return KindExecute
	case errors.Is(err, ErrPersist):
		return KindPersist
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrPrecondition):
		return KindConflict
	default:
		return KindInternal
	}
}

// FieldViolations returns the field violations carried by err, if any.
func FieldViolations(err error) []FieldViolation {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Violations
	}
	return nil
}
