// Package dispatcher delivers job status callbacks as CloudEvents with
// buffering, retry and a circuit breaker per destination host.
package dispatcher

import (
	"context"
	"errors"
	"qkernel/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when the target queue is full and the event is dropped.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Dispatcher delivers callback events asynchronously.
type Dispatcher interface {
	// Dispatch queues an event. It never blocks; a full queue returns
	// ErrBufferFull.
	Dispatch(event *Event) error

	// Forget drops per-job delivery state for swept jobs.
	Forget(jobIDs ...string)

	Stats() Stats

	// Close delivers what is queued until ctx is done.
	Close(ctx context.Context) error
}

// Event is one callback delivery. Events sharing a Key are delivered in
// order; when Seq is set, an event older than one already delivered for
// its key is skipped as superseded.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key, empty for unsigned
	Key         string // job id
	Seq         uint64 // job status sequence, 0 for unordered
	Terminal    bool
	Requeues    int // times put back while the host breaker was open
}

// Stats holds dispatcher counters.
type Stats struct {
	QueueDepth    int
	Queued        int64
	Delivered     int64
	Failed        int64 // failed after retries
	Dropped       int64 // full buffer or max requeues
	Requeued      int64 // put back while a breaker was open
	Superseded    int64 // skipped because a newer status was already delivered
	RetriesTotal  int64
	BreakersTotal int
	BreakersOpen  int
}
