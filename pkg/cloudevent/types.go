// Package cloudevent provides CloudEvents 1.0 types used for job status
// callbacks.
package cloudevent

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the kernel.
const (
	TypeJobStatus   = "io.qkernel.job.status"
	TypeJobTerminal = "io.qkernel.job.terminal"
)

// CloudEvent represents a CloudEvents 1.0 specification event.
// Sequence is carried as the "sequence" extension attribute so receivers
// can discard out of order deliveries.
type CloudEvent struct {
	SpecVersion     string    `json:"specversion"`
	Type            string    `json:"type"`
	Source          string    `json:"source"`
	Subject         string    `json:"subject"`
	ID              string    `json:"id"`
	Time            time.Time `json:"time"`
	DataContentType string    `json:"datacontenttype"`
	Sequence        string    `json:"sequence,omitempty"`
	Data            any       `json:"data"`
}

// New creates a new CloudEvent with default values. An empty id is replaced
// with a generated one.
func New(eventType, source, subject, id string, data any) *CloudEvent {
	if id == "" {
		id = uuid.NewString()
	}
	return &CloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// WithSequence sets the ordering extension and returns the event.
func (e *CloudEvent) WithSequence(seq uint64) *CloudEvent {
	e.Sequence = strconv.FormatUint(seq, 10)
	return e
}
