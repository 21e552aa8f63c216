// Package feed fans job status changes out to in-process subscribers and
// external sinks.
//
// Events for one job carry strictly increasing sequence numbers and exactly
// one of them is terminal. The feed is a job.Observer: it runs under the
// record lock, so it never blocks. Subscribers that fall behind are
// disconnected and sinks that fall behind drop events.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"qkernel/internal/job"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned when subscribing to a closed feed.
var ErrClosed = errors.New("feed is closed")

const (
	defaultSubscriberBuffer = 64
	defaultSinkBuffer       = 4096
)

// Event is one status change of one job.
type Event struct {
	ID       string     `json:"id"`
	JobID    string     `json:"jobId"`
	Seq      uint64     `json:"seq"`
	Status   job.Status `json:"status"`
	Terminal bool       `json:"terminal"`
	Time     time.Time  `json:"time"`

	// Callback is the job's webhook, if any. Not serialized.
	Callback *job.Callback `json:"-"`
	// Labels are the job's labels, used by sinks for routing.
	Labels map[string]string `json:"labels,omitempty"`
}

// Sink receives every event in order. Publish is called from a single
// goroutine per sink.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}

// MetricsRecorder is an optional interface for recording feed metrics.
type MetricsRecorder interface {
	RecordFeedEvent(ctx context.Context, terminal bool)
	RecordFeedDropped(ctx context.Context, target string)
}

// Config holds feed configuration.
type Config struct {
	SubscriberBuffer int // events buffered per subscriber (default: 64)
	SinkBuffer       int // events buffered per sink (default: 4096)
}

func (c Config) withDefaults() Config {
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = defaultSubscriberBuffer
	}
	if c.SinkBuffer <= 0 {
		c.SinkBuffer = defaultSinkBuffer
	}
	return c
}

// Subscription delivers events for one job, or for all jobs when its job id
// is empty. C is closed after a job subscription's terminal event, when the
// subscriber lags, or when the feed closes.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	jobID  string
	feed   *Feed
	lagged atomic.Bool
	once   sync.Once
}

// Lagged reports whether the subscription was dropped because its buffer
// filled up. A lagged reader should resync from the registry.
func (s *Subscription) Lagged() bool {
	return s.lagged.Load()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	s.feed.detach(s)
}

type sinkRunner struct {
	sink  Sink
	queue chan Event
	done  chan struct{}
}

// Feed is the status feed.
type Feed struct {
	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{} // by job id, "" for all jobs
	last    map[string]Event
	sinks   []*sinkRunner
	closed  bool
	config  Config
	logger  *slog.Logger
	metrics MetricsRecorder

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates a feed delivering to sinks. metrics may be nil.
func New(cfg Config, metrics MetricsRecorder, sinks ...Sink) *Feed {
	cfg = cfg.withDefaults()
	f := &Feed{
		subs:    make(map[string]map[*Subscription]struct{}),
		last:    make(map[string]Event),
		config:  cfg,
		logger:  slog.With("component", "feed"),
		metrics: metrics,
	}
	for _, s := range sinks {
		r := &sinkRunner{sink: s, queue: make(chan Event, cfg.SinkBuffer), done: make(chan struct{})}
		f.sinks = append(f.sinks, r)
		go f.runSink(r)
	}
	return f
}

// Observe converts a registry change into an event. It has the job.Observer
// signature.
func (f *Feed) Observe(c job.Change) {
	ev := Event{
		ID:       uuid.NewString(),
		JobID:    c.Record.ID,
		Seq:      c.Record.Seq,
		Status:   job.StatusOf(c.Record),
		Terminal: c.To.Terminal() && c.From != c.To,
		Time:     c.Record.UpdatedAt,
		Callback: c.Record.Spec.Callback,
		Labels:   c.Record.Spec.Labels,
	}
	f.Publish(ev)
}

// Publish delivers ev. Events that do not advance the job's sequence, and
// events after the job's terminal event, are discarded.
func (f *Feed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	if prev, ok := f.last[ev.JobID]; ok && (prev.Terminal || ev.Seq <= prev.Seq) {
		f.logger.Warn("Discarding out of order event", "jobId", ev.JobID, "seq", ev.Seq, "lastSeq", prev.Seq, "lastTerminal", prev.Terminal)
		return
	}
	f.last[ev.JobID] = ev
	f.published.Add(1)
	if f.metrics != nil {
		f.metrics.RecordFeedEvent(context.Background(), ev.Terminal)
	}

	for s := range f.subs[ev.JobID] {
		f.deliver(s, ev)
		if ev.Terminal {
			f.detach(s)
		}
	}
	for s := range f.subs[""] {
		f.deliver(s, ev)
	}

	for _, r := range f.sinks {
		select {
		case r.queue <- ev:
		default:
			f.drop(r.sink.Name(), ev)
		}
	}
}

// Subscribe follows jobID, or every job when jobID is empty. A job
// subscription first receives the job's latest event if one exists; if that
// event is terminal the subscription is already closed after it.
func (f *Feed) Subscribe(jobID string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, f.config.SubscriberBuffer)
	s := &Subscription{C: ch, ch: ch, jobID: jobID, feed: f}

	if last, ok := f.last[jobID]; ok && jobID != "" {
		ch <- last
		if last.Terminal {
			s.once.Do(func() { close(ch) })
			return s, nil
		}
	}

	set, ok := f.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		f.subs[jobID] = set
	}
	set[s] = struct{}{}
	return s, nil
}

// Last returns the latest event of a job.
func (f *Feed) Last(jobID string) (Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.last[jobID]
	return ev, ok
}

// Forget drops the replay state of swept jobs.
func (f *Feed) Forget(jobIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range jobIDs {
		delete(f.last, id)
	}
}

// Stats returns the number of published and dropped events.
func (f *Feed) Stats() (published, dropped int64) {
	return f.published.Load(), f.dropped.Load()
}

// Close disconnects subscribers and waits for sinks to drain their queues
// until ctx is done.
func (f *Feed) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, set := range f.subs {
		for s := range set {
			f.detach(s)
		}
	}
	for _, r := range f.sinks {
		close(r.queue)
	}
	f.mu.Unlock()

	for _, r := range f.sinks {
		select {
		case <-r.done:
		case <-ctx.Done():
			f.logger.Warn("Feed shutdown timed out", "sink", r.sink.Name(), "remaining", len(r.queue))
			return ctx.Err()
		}
	}
	return nil
}

func (f *Feed) runSink(r *sinkRunner) {
	defer close(r.done)
	for ev := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := r.sink.Publish(ctx, ev); err != nil {
			f.logger.Warn("Sink publish failed", "sink", r.sink.Name(), "jobId", ev.JobID, "seq", ev.Seq, "error", err)
		}
		cancel()
	}
}

// deliver sends without blocking; a full subscriber is disconnected.
// Caller holds f.mu.
func (f *Feed) deliver(s *Subscription, ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.lagged.Store(true)
		f.drop("subscriber", ev)
		f.detach(s)
	}
}

// detach removes and closes s. Caller holds f.mu.
func (f *Feed) detach(s *Subscription) {
	if set, ok := f.subs[s.jobID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(f.subs, s.jobID)
		}
	}
	s.once.Do(func() { close(s.ch) })
}

func (f *Feed) drop(target string, ev Event) {
	f.dropped.Add(1)
	if f.metrics != nil {
		f.metrics.RecordFeedDropped(context.Background(), target)
	}
	f.logger.Warn("Event dropped, buffer full", "target", target, "jobId", ev.JobID, "seq", ev.Seq)
}
