// Package scheduler drives jobs through the pipeline
//
//	Pending -> Validating -> Compiling -> Queued -> Allocating -> Executing -> Completing -> Completed
//
// A pool of workers pops the pending priority queue and runs the validate and
// compile stages. Compiled jobs wait in a second priority-ordered list until
// the allocation loop reserves slots for them; each allocated job then runs
// its remaining stages on its own goroutine.
//
// Every job owns a context derived from the scheduler's. Cancelling a job,
// exceeding its deadline or stopping the scheduler cancels that context with
// a cause, and whichever goroutine holds the job at that moment moves it to
// its terminal state. Allocations are released under the record lock in the
// same step that freezes the record.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"qkernel/internal/fabric"
	"qkernel/internal/isolation"
	"qkernel/internal/job"
	"qkernel/internal/peer"
	"qkernel/internal/resource"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrStopped is returned by Submit once Stop has been called.
var ErrStopped = errors.New("scheduler is stopped")

// Causes attached to job contexts.
var (
	errCancelled = errors.New("job cancelled")
	errShutdown  = errors.New("scheduler shutting down")
	errFinished  = errors.New("job finished")
)

// MetricsRecorder is an optional interface for recording scheduler metrics.
type MetricsRecorder interface {
	RecordJobSubmitted(ctx context.Context, tier string)
	RecordJobTerminal(ctx context.Context, state string, durationSeconds float64)
	RecordStageDuration(ctx context.Context, stage string, durationSeconds float64)
	RecordAllocationAttempt(ctx context.Context, deviceID, outcome string)
	RecordExecuteRetry(ctx context.Context, deviceID string)
	RecordIsolationCheck(ctx context.Context, outcome string)
	RecordInvariantViolation(ctx context.Context, op string)
	RecordQueueDepth(ctx context.Context, pending, waiting int64)
}

// Deps are the collaborators of a Scheduler. Isolation defaults to a
// manager with a logging enforcer; Metrics and OnSweep are optional.
type Deps struct {
	Registry  *job.Registry
	Allocator *resource.Allocator
	Isolation *isolation.Manager
	Fabric    *fabric.Coordinator
	Compiler  peer.Compiler
	Executor  peer.Executor
	Metrics   MetricsRecorder

	// OnSweep receives the ids of records removed by the retention sweeper.
	OnSweep func(ids []string)
}

// jobRun is the scheduler's private state for one live job.
type jobRun struct {
	id        string
	priority  int
	submitted time.Time
	ctx       context.Context
	cancel    context.CancelCauseFunc
	span      trace.Span
	stopReap  func() bool
	stopTimer context.CancelFunc
	once      sync.Once

	// Set by the worker before the job is parked for allocation.
	compiled peer.Compiled
	req      resource.Requirement
	queuedAt time.Time
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Pending int               `json:"pending"`
	Waiting int               `json:"waiting"`
	Running int64             `json:"running"`
	States  map[job.State]int `json:"states"`
}

// CancelResult reports the outcome of a cancel request. Accepted is always
// true when no error is returned; Immediate is false for jobs that were
// executing and only received the signal.
type CancelResult struct {
	Accepted  bool       `json:"accepted"`
	Immediate bool       `json:"immediate"`
	Status    job.Status `json:"status"`
}

// Scheduler owns the pipeline of every job.
type Scheduler struct {
	config    Config
	registry  *job.Registry
	allocator *resource.Allocator
	tracker   *resource.Tracker
	isolation *isolation.Manager
	fabric    *fabric.Coordinator
	compiler  peer.Compiler
	executor  peer.Executor
	metrics   MetricsRecorder
	onSweep   func([]string)
	tracer    trace.Tracer
	logger    *slog.Logger

	pending *queue
	waiting *queue
	kick    chan struct{}
	running atomic.Int64

	base       context.Context
	cancelBase context.CancelCauseFunc

	mu       sync.Mutex
	runs     map[string]*jobRun
	started  bool
	stopping bool
	wg       sync.WaitGroup // workers, loops and every live job
}

// New creates a scheduler. Call Start to begin processing.
func New(cfg Config, deps Deps) *Scheduler {
	cfg = cfg.withDefaults()
	base, cancel := context.WithCancelCause(context.Background())
	now := time.Now()
	iso := deps.Isolation
	if iso == nil {
		iso = isolation.NewManager(deps.Allocator.Tracker(), nil)
	}
	return &Scheduler{
		config:     cfg,
		registry:   deps.Registry,
		allocator:  deps.Allocator,
		tracker:    deps.Allocator.Tracker(),
		isolation:  iso,
		fabric:     deps.Fabric,
		compiler:   deps.Compiler,
		executor:   deps.Executor,
		metrics:    deps.Metrics,
		onSweep:    deps.OnSweep,
		tracer:     otel.Tracer("qkernel/scheduler"),
		logger:     slog.With("component", "scheduler"),
		pending:    newQueue(cfg.AgingPerMinute, now),
		waiting:    newQueue(cfg.AgingPerMinute, now),
		kick:       make(chan struct{}, 1),
		base:       base,
		cancelBase: cancel,
		runs:       make(map[string]*jobRun),
	}
}

// Start launches the workers, the allocation loop and the retention sweeper.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopping {
		return
	}
	s.started = true

	s.wg.Add(s.config.Workers + 2)
	for range s.config.Workers {
		go s.worker(s.base)
	}
	go s.allocationLoop(s.base)
	go s.sweepLoop(s.base)

	s.logger.Info("Scheduler started", "workers", s.config.Workers, "tick", s.config.Tick)
}

// Stop rejects new submissions, fails every live job and waits for all
// goroutines until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	live := len(s.runs)
	s.mu.Unlock()

	s.logger.Info("Scheduler shutting down", "live", live)
	s.cancelBase(errShutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler shutdown complete")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Scheduler shutdown timed out", "remaining", s.liveCount())
		return ctx.Err()
	}
}

// Ready reports whether the scheduler accepts jobs.
func (s *Scheduler) Ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || !s.started {
		return ErrStopped
	}
	return nil
}

// Submit validates spec, stores it and queues it for the pipeline.
func (s *Scheduler) Submit(spec job.Spec) (job.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return job.Record{}, ErrStopped
	}
	rec, err := s.registry.Create(spec)
	if err != nil {
		return job.Record{}, err
	}

	jr := s.newRun(rec)
	s.runs[rec.ID] = jr
	s.wg.Add(1)
	jr.stopReap = context.AfterFunc(jr.ctx, func() { s.reap(jr) })
	s.pending.push(rec.ID, rec.Spec.Priority, rec.CreatedAt)

	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(s.base, Tier(rec.Spec.Priority))
	}
	s.logger.Info("Job submitted", "jobId", rec.ID, "name", rec.Spec.Name, "target", rec.Spec.Target, "priority", rec.Spec.Priority)
	return rec, nil
}

func (s *Scheduler) newRun(rec job.Record) *jobRun {
	ctx, span := s.tracer.Start(s.base, "job", trace.WithAttributes(
		attribute.String("job.id", rec.ID),
		attribute.String("job.target", rec.Spec.Target),
		attribute.Int("job.priority", rec.Spec.Priority),
	))
	ctx, cancel := context.WithCancelCause(ctx)
	jr := &jobRun{
		id:        rec.ID,
		priority:  rec.Spec.Priority,
		submitted: rec.CreatedAt,
		cancel:    cancel,
		span:      span,
		ctx:       ctx,
	}
	if d := rec.Spec.Timeout(); d > 0 {
		jr.ctx, jr.stopTimer = context.WithTimeout(ctx, d)
	}
	return jr
}

// reap runs when a job's context is done. A job still sitting in a queue has
// no goroutine to notice, so it is aborted here.
func (s *Scheduler) reap(jr *jobRun) {
	if s.pending.remove(jr.id) || s.waiting.remove(jr.id) {
		s.abort(jr)
	}
}

// cleanup forgets a job that reached a terminal state. Safe to call more
// than once.
func (s *Scheduler) cleanup(jr *jobRun) {
	jr.once.Do(func() {
		if jr.stopReap != nil {
			jr.stopReap()
		}
		jr.cancel(errFinished)
		if jr.stopTimer != nil {
			jr.stopTimer()
		}
		jr.span.End()

		s.mu.Lock()
		delete(s.runs, jr.id)
		s.mu.Unlock()
		s.wg.Done()
	})
}

func (s *Scheduler) lookupRun(id string) *jobRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *Scheduler) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Status returns the caller-facing status of a job.
func (s *Scheduler) Status(id string) (job.Status, error) {
	rec, err := s.registry.Get(id)
	if err != nil {
		return job.Status{}, err
	}
	return job.StatusOf(rec), nil
}

// Results returns the caller-facing results of a job.
func (s *Scheduler) Results(id string) (job.Results, error) {
	rec, err := s.registry.Get(id)
	if err != nil {
		return job.Results{}, err
	}
	return job.ResultsOf(rec), nil
}

// Record returns the full record of a job.
func (s *Scheduler) Record(id string) (job.Record, error) {
	return s.registry.Get(id)
}

// List returns the status of every job matching f.
func (s *Scheduler) List(f job.Filter) []job.Status {
	recs := s.registry.List(f)
	out := make([]job.Status, len(recs))
	for i, r := range recs {
		out[i] = job.StatusOf(r)
	}
	return out
}

// Cancel requests cancellation of a job. Jobs that have not started
// executing are cancelled immediately and release any slots they hold;
// executing jobs have their run context cancelled.
func (s *Scheduler) Cancel(id string) (CancelResult, error) {
	out, err := s.registry.CancelWith(id, s.release)
	if err != nil {
		return CancelResult{}, err
	}
	if jr := s.lookupRun(id); jr != nil {
		jr.cancel(errCancelled)
	}

	s.logger.Info("Job cancel requested", "jobId", id, "previous", out.Previous, "immediate", out.Immediate)
	return CancelResult{Accepted: true, Immediate: out.Immediate, Status: job.StatusOf(out.Record)}, nil
}

// Devices returns the status of every device.
func (s *Scheduler) Devices() []resource.DeviceStatus {
	return s.tracker.Statuses()
}

// UpdateFidelity changes per-slot fidelity scores of a device. Waiting jobs
// are retried since the ranking of candidate slots may have changed.
func (s *Scheduler) UpdateFidelity(deviceID string, values map[int]float64) error {
	if err := s.tracker.UpdateFidelity(deviceID, values); err != nil {
		return err
	}
	s.kickAllocation()
	return nil
}

// Artifact reads a persisted artifact of a known job.
func (s *Scheduler) Artifact(ctx context.Context, id, name string) ([]byte, string, error) {
	if _, err := s.registry.Get(id); err != nil {
		return nil, "", err
	}
	return s.fabric.Get(ctx, id, name)
}

// Stats returns queue and state counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Pending: s.pending.len(),
		Waiting: s.waiting.len(),
		Running: s.running.Load(),
		States:  s.registry.Counts(),
	}
}

// NeighbourChanged folds an isolation update caused by a newly placed
// allocation into the affected job's record. It has the
// isolation.NeighbourHook signature.
func (s *Scheduler) NeighbourChanged(a resource.Allocation) {
	_, _ = s.registry.Update(a.JobID, func(r *job.Record) {
		if r.Allocation == nil || r.Allocation.Released {
			return
		}
		r.Allocation.Violated = a.Isolation.Violated
		r.Allocation.Degraded = a.Isolation.Degraded
		r.Allocation.Observed = a.Isolation.Observed
	})
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(time.Now().Add(-s.config.Retention))
		}
	}
}

func (s *Scheduler) sweep(cutoff time.Time) {
	ids := s.registry.Sweep(cutoff)
	if len(ids) == 0 {
		return
	}
	if s.onSweep != nil {
		s.onSweep(ids)
	}
	s.logger.Info("Swept terminal jobs", "count", len(ids))
}
