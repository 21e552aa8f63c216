package dispatcher

import (
	"context"
	"hash/fnv"
	"log/slog"
	"net"
	"net/url"
	"qkernel/pkg/backoff"
	"qkernel/pkg/circuitbreaker"
	"qkernel/pkg/cloudevent"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryDispatcher delivers callbacks from bounded in-memory queues. Each
// worker owns one queue and a job's events always hash to the same queue.
// Events put back while a host breaker is open can fall behind newer
// events of the same job; those are skipped once a newer status has gone
// out, so a receiver never sees a job's status move backwards.
type MemoryDispatcher struct {
	queues   []chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder
	next     atomic.Uint64 // round robin for unkeyed events

	// Internal counters (for Stats())
	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64
	superseded   atomic.Int64

	seqMu   sync.Mutex
	lastSeq map[string]uint64 // highest delivered seq per job

	mu       sync.RWMutex // guards closed against sends on closed queues
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a new in-memory dispatcher.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	perWorker := cfg.BufferSize / cfg.Workers
	if perWorker < 1 {
		perWorker = 1
	}

	d := &MemoryDispatcher{
		queues: make([]chan *Event, cfg.Workers),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		lastSeq:  make(map[string]uint64),
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for i := range d.queues {
		d.queues[i] = make(chan *Event, perWorker)
		go d.worker(d.queues[i])
	}

	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// reportQueueSize periodically reports the queue size metric.
func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(d.depth()))
		}
	}
}

// Dispatch queues an event for async delivery.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queueFor(event.Key) <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, "Event dropped, buffer full")
		return ErrBufferFull
	}
}

func (d *MemoryDispatcher) queueFor(key string) chan *Event {
	if key == "" {
		return d.queues[d.next.Add(1)%uint64(len(d.queues))]
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return d.queues[h.Sum32()%uint32(len(d.queues))]
}

func (d *MemoryDispatcher) depth() int {
	n := 0
	for _, q := range d.queues {
		n += len(q)
	}
	return n
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	return Stats{
		QueueDepth:    d.depth(),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		Superseded:    d.superseded.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Close gracefully shuts down the dispatcher. Queued events are delivered
// until ctx is done; events waiting for a breaker cooldown are abandoned.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.shutdown)
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	d.logger.Info("Dispatcher shutting down", "queued", d.depth())

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
			"superseded", d.superseded.Load(),
			"open_hosts", d.breakers.Open(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", d.depth())
		return ctx.Err()
	}
}

// worker delivers events from its queue until the queue is closed and
// drained.
func (d *MemoryDispatcher) worker(queue <-chan *Event) {
	defer d.wg.Done()
	for event := range queue {
		d.deliver(event)
	}
}

// Forget implements Dispatcher.
func (d *MemoryDispatcher) Forget(jobIDs ...string) {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	for _, id := range jobIDs {
		delete(d.lastSeq, id)
	}
}

// isSuperseded reports whether a newer status of the event's job was already
// handed to its receiver.
func (d *MemoryDispatcher) isSuperseded(event *Event) bool {
	if event.Seq == 0 || event.Key == "" {
		return false
	}
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	return event.Seq <= d.lastSeq[event.Key]
}

func (d *MemoryDispatcher) markHandled(event *Event) {
	if event.Seq == 0 || event.Key == "" {
		return
	}
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	if event.Seq > d.lastSeq[event.Key] {
		d.lastSeq[event.Key] = event.Seq
	}
}

// deliver sends one event through its host breaker with retries.
func (d *MemoryDispatcher) deliver(event *Event) {
	if d.isSuperseded(event) {
		d.superseded.Add(1)
		d.logger.Debug("Superseded status skipped", "jobId", event.Key, "seq", event.Seq)
		return
	}

	host := hostKey(event.Destination)
	breaker := d.breakers.Get(host)

	if !breaker.Allow() {
		d.requeue(event, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	err := d.sendWithRetry(ctx, event)
	// Failed deliveries advance the job's sequence too.
	d.markHandled(event)
	if err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Callback delivery failed",
			"jobId", event.Key,
			"destination", host,
			"type", event.Payload.Type,
			"terminal", event.Terminal,
			"error", err,
		)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue puts an event back in its queue after the breaker cooldown.
func (d *MemoryDispatcher) requeue(event *Event, host string) {
	if event.Requeues >= defaultMaxRequeues {
		d.drop(event, "Event dropped, max requeues reached")
		return
	}

	event.Requeues++
	requeues := event.Requeues
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	go func() {
		select {
		case <-d.shutdown:
			return
		case <-time.After(d.config.BreakerCooldown):
		}

		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.closed {
			return
		}
		select {
		case d.queueFor(event.Key) <- event:
			d.logger.Debug("Event requeued", "destination", host, "type", event.Payload.Type, "requeues", requeues)
		default:
			d.drop(event, "Event dropped on requeue, buffer full")
		}
	}()
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	policy := backoff.Policy{
		Config:      backoff.Config{Initial: defaultInitialBackoff, Max: defaultMaxBackoff},
		MaxAttempts: d.config.MaxRetries + 1,
		Delay:       cloudevent.RetryAfter,
		OnRetry: func(int, error, time.Duration) {
			d.retriesTotal.Add(1)
		},
	}
	retryable := func(err error) bool { return !cloudevent.IsClientError(err) }

	_, err := backoff.Retry(ctx, policy, retryable, func(ctx context.Context, _ int) error {
		return d.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey)
	})
	return err
}

func (d *MemoryDispatcher) drop(event *Event, msg string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn(msg,
		"jobId", event.Key,
		"destination", hostKey(event.Destination),
		"type", event.Payload.Type,
		"terminal", event.Terminal,
		"requeues", event.Requeues,
	)
}

// hostKey names the breaker for a callback URL. Hosts compare case
// insensitively and an explicit default port is dropped, so
// https://Hooks.example.com:443/a and https://hooks.example.com/b share a
// breaker. Unparseable URLs key on themselves.
func hostKey(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	host := strings.ToLower(parsed.Hostname())
	port := parsed.Port()
	switch {
	case port == "",
		port == "80" && parsed.Scheme == "http",
		port == "443" && parsed.Scheme == "https":
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	default:
		return net.JoinHostPort(host, port)
	}
}

// Verify MemoryDispatcher implements Dispatcher
var _ Dispatcher = (*MemoryDispatcher)(nil)
