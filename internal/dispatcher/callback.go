package dispatcher

import (
	"context"
	"errors"
	"qkernel/internal/feed"
	"qkernel/pkg/cloudevent"
)

// CallbackSink turns feed events of jobs that registered a callback into
// CloudEvents and dispatches them. Jobs without a callback are skipped.
type CallbackSink struct {
	d      Dispatcher
	source string
}

// NewCallbackSink creates a feed sink backed by d.
func NewCallbackSink(d Dispatcher, source string) *CallbackSink {
	if source == "" {
		source = "qkernel"
	}
	return &CallbackSink{d: d, source: source}
}

func (s *CallbackSink) Name() string { return "callbacks" }

// Publish implements feed.Sink. A full buffer is reported but does not
// stop the feed.
func (s *CallbackSink) Publish(_ context.Context, ev feed.Event) error {
	if ev.Callback == nil || ev.Callback.URL == "" {
		return nil
	}

	eventType := cloudevent.TypeJobStatus
	if ev.Terminal {
		eventType = cloudevent.TypeJobTerminal
	}
	payload := cloudevent.New(eventType, s.source, "jobs/"+ev.JobID, ev.ID, ev.Status).WithSequence(ev.Seq)
	payload.Time = ev.Time.UTC()

	err := s.d.Dispatch(&Event{
		Payload:     payload,
		Destination: ev.Callback.URL,
		SigningKey:  ev.Callback.Key,
		Key:         ev.JobID,
		Seq:         ev.Seq,
		Terminal:    ev.Terminal,
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

var _ feed.Sink = (*CallbackSink)(nil)
