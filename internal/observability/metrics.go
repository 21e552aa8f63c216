package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all kernel metrics, grouped by the golden 4 signals:
// - Latency: stage and job durations, HTTP latency
// - Traffic: submissions, terminal jobs, requests, feed events
// - Errors: failed jobs, retries, invariant violations, dropped events
// - Saturation: live jobs and queue depths
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics
	JobsSubmitted       metric.Int64Counter
	JobsTerminal        metric.Int64Counter
	JobDuration         metric.Float64Histogram
	JobsLive            metric.Int64UpDownCounter
	StageDuration       metric.Float64Histogram
	QueuePending        metric.Int64Gauge
	QueueWaiting        metric.Int64Gauge
	AllocationAttempts  metric.Int64Counter
	ExecuteRetries      metric.Int64Counter
	IsolationChecks     metric.Int64Counter
	InvariantViolations metric.Int64Counter

	// Fabric metrics
	PersistRetries metric.Int64Counter

	// Feed metrics
	FeedEvents  metric.Int64Counter
	FeedDropped metric.Int64Counter

	// Dispatcher metrics
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter on
// the default registry.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	m, err := newMetrics(ctx, promclient.DefaultRegisterer)
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func newMetrics(_ context.Context, reg promclient.Registerer) (*Metrics, error) {
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("qkernel")
	m := &Metrics{meter: meter}
	b := &builder{meter: meter}

	m.HTTPRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.JobsSubmitted = b.counter("jobs_submitted_total", "Total number of jobs accepted")
	m.JobsTerminal = b.counter("jobs_terminal_total", "Total number of jobs that reached a terminal state")
	m.JobDuration = b.histogram("job_duration_seconds", "Time from submission to terminal state in seconds",
		0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800)
	m.JobsLive = b.upDown("jobs_live", "Number of jobs not yet terminal (saturation)")
	m.StageDuration = b.histogram("stage_duration_seconds", "Pipeline stage latency in seconds",
		0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300)
	m.QueuePending = b.gauge("queue_pending", "Jobs waiting for a worker")
	m.QueueWaiting = b.gauge("queue_waiting_allocation", "Compiled jobs waiting for device capacity")
	m.AllocationAttempts = b.counter("allocation_attempts_total", "Allocation attempts by outcome")
	m.ExecuteRetries = b.counter("execute_retries_total", "Execution retries after transient failures")
	m.IsolationChecks = b.counter("isolation_checks_total", "Isolation checks by outcome")
	m.InvariantViolations = b.counter("scheduler_invariant_violations_total", "Rejected state machine transitions")

	m.PersistRetries = b.counter("fabric_persist_retries_total", "Artifact write retries")

	m.FeedEvents = b.counter("feed_events_total", "Status events published")
	m.FeedDropped = b.counter("feed_dropped_total", "Status events dropped by slow consumers")

	m.DispatcherDuration = b.histogram("dispatcher_duration_seconds", "Callback delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.DispatcherDelivered = b.counter("dispatcher_delivered_total", "Total events successfully delivered")
	m.DispatcherFailed = b.counter("dispatcher_failed_total", "Total events failed after retries")
	m.DispatcherDropped = b.counter("dispatcher_dropped_total", "Total events dropped (buffer full or max requeues)")
	m.DispatcherRequeued = b.counter("dispatcher_requeued_total", "Total events requeued due to open circuit")
	m.DispatcherQueueSize = b.gauge("dispatcher_queue_size", "Current number of events in dispatcher queue (saturation)")

	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// builder creates instruments and keeps the first error.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc))
	b.keep(err)
	return g
}

func (b *builder) histogram(name, desc string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.keep(err)
	return h
}

func (b *builder) keep(err error) {
	if b.err == nil {
		b.err = err
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records an accepted job.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, tier string) {
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(tierAttr(tier)))
	m.JobsLive.Add(ctx, 1)
}

// RecordJobTerminal records a job reaching a terminal state.
func (m *Metrics) RecordJobTerminal(ctx context.Context, state string, durationSeconds float64) {
	attrs := metric.WithAttributes(stateAttr(state))
	m.JobsTerminal.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsLive.Add(ctx, -1)
}

// RecordStageDuration records the time spent in one pipeline stage.
func (m *Metrics) RecordStageDuration(ctx context.Context, stage string, durationSeconds float64) {
	m.StageDuration.Record(ctx, durationSeconds, metric.WithAttributes(stageAttr(stage)))
}

// RecordAllocationAttempt records one allocation attempt.
func (m *Metrics) RecordAllocationAttempt(ctx context.Context, deviceID, outcome string) {
	m.AllocationAttempts.Add(ctx, 1, metric.WithAttributes(deviceAttr(deviceID), outcomeAttr(outcome)))
}

// RecordExecuteRetry records a retried execution.
func (m *Metrics) RecordExecuteRetry(ctx context.Context, deviceID string) {
	m.ExecuteRetries.Add(ctx, 1, metric.WithAttributes(deviceAttr(deviceID)))
}

// RecordIsolationCheck records the outcome of an isolation check.
func (m *Metrics) RecordIsolationCheck(ctx context.Context, outcome string) {
	m.IsolationChecks.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

// RecordInvariantViolation records a rejected state machine transition.
func (m *Metrics) RecordInvariantViolation(ctx context.Context, op string) {
	m.InvariantViolations.Add(ctx, 1, metric.WithAttributes(opAttr(op)))
}

// RecordQueueDepth records the number of pending and waiting jobs.
func (m *Metrics) RecordQueueDepth(ctx context.Context, pending, waiting int64) {
	m.QueuePending.Record(ctx, pending)
	m.QueueWaiting.Record(ctx, waiting)
}

// RecordPersistRetry records a retried artifact write.
func (m *Metrics) RecordPersistRetry(ctx context.Context, artifact string) {
	m.PersistRetries.Add(ctx, 1, metric.WithAttributes(artifactAttr(artifact)))
}

// RecordFeedEvent records a published status event.
func (m *Metrics) RecordFeedEvent(ctx context.Context, terminal bool) {
	m.FeedEvents.Add(ctx, 1, metric.WithAttributes(terminalAttr(terminal)))
}

// RecordFeedDropped records a status event dropped for a slow consumer.
func (m *Metrics) RecordFeedDropped(ctx context.Context, target string) {
	m.FeedDropped.Add(ctx, 1, metric.WithAttributes(targetAttr(target)))
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
