package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"qkernel/internal/apperrors"
	"qkernel/internal/fabric"
	"qkernel/internal/job"
	"qkernel/internal/peer"
	"qkernel/internal/resource"
	"qkernel/pkg/backoff"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	compileInitialBackoff = 100 * time.Millisecond
	compileMaxBackoff     = 2 * time.Second
)

// worker pops pending jobs and runs their validate and compile stages.
func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		id, err := s.pending.pop(ctx)
		if err != nil {
			return
		}
		if jr := s.lookupRun(id); jr != nil {
			s.prepare(jr)
		}
	}
}

// prepare validates and compiles a job, then parks it for allocation.
func (s *Scheduler) prepare(jr *jobRun) {
	if jr.ctx.Err() != nil {
		s.abort(jr)
		return
	}

	rec, err := s.registry.Transition(jr.id, job.StateValidating, nil)
	if err != nil {
		s.halt(jr, err)
		return
	}
	input, err := s.validate(jr, rec)
	if err != nil {
		s.halt(jr, err)
		return
	}

	rec, err = s.registry.TransitionWith(jr.id, job.StateCompiling, nil, func(r *job.Record) {
		attach(r, input)
	})
	if err != nil {
		s.halt(jr, err)
		return
	}
	compiled, handle, err := s.compile(jr, rec)
	if err != nil {
		s.halt(jr, err)
		return
	}

	jr.compiled = compiled
	jr.req = requirement(rec.Spec, compiled)
	jr.queuedAt = time.Now()
	if _, err := s.registry.TransitionWith(jr.id, job.StateQueued, nil, func(r *job.Record) {
		attach(r, handle)
	}); err != nil {
		s.halt(jr, err)
		return
	}
	s.park(jr)
}

// park adds a queued job to the allocation wait list. A job whose context
// ended before it was listed is missed by reap, so it is aborted here.
func (s *Scheduler) park(jr *jobRun) {
	s.waiting.push(jr.id, jr.priority, jr.submitted)
	if jr.ctx.Err() != nil {
		if s.waiting.remove(jr.id) {
			s.abort(jr)
		}
		return
	}
	s.kickAllocation()
}

// validate checks the target against the live inventory and persists the
// program source.
func (s *Scheduler) validate(jr *jobRun, rec job.Record) (fabric.Handle, error) {
	ctx, end := s.stage(jr, job.StateValidating)
	var err error
	defer func() { end(err) }()

	if !s.tracker.HasDevice(rec.Spec.Target) {
		err = apperrors.Validation("target", fmt.Sprintf("unknown target device %q", rec.Spec.Target))
		return fabric.Handle{}, err
	}

	format := "source"
	if rec.Spec.Program.Language != "" {
		format = "source/" + rec.Spec.Program.Language
	}
	h, err := s.fabric.Put(ctx, jr.id, fabric.Input, []byte(rec.Spec.Program.Source), format)
	if err != nil {
		err = persistError(ctx, fabric.Input, err)
		return fabric.Handle{}, err
	}
	return h, nil
}

// compile calls the compiler, retrying transient failures, and persists the
// compiled payload.
func (s *Scheduler) compile(jr *jobRun, rec job.Record) (peer.Compiled, fabric.Handle, error) {
	ctx, end := s.stage(jr, job.StateCompiling)
	var err error
	defer func() { end(err) }()

	req := peer.CompileRequest{
		JobID:      jr.id,
		Source:     rec.Spec.Program.Source,
		Entrypoint: rec.Spec.Program.Entrypoint,
		Language:   rec.Spec.Program.Language,
		Target:     rec.Spec.Target,
		Options:    rec.Spec.CompilerOptions,
	}
	policy := backoff.Policy{
		Config:      backoff.Config{Initial: compileInitialBackoff, Max: compileMaxBackoff},
		MaxAttempts: s.config.CompileMaxAttempts,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			s.logger.Warn("Compile failed, retrying", "jobId", jr.id, "attempt", attempt, "wait", wait, "error", err)
		},
	}

	var compiled peer.Compiled
	_, err = backoff.Retry(ctx, policy, peer.IsRetryable, func(ctx context.Context, _ int) error {
		var cerr error
		compiled, cerr = s.compiler.Compile(ctx, req)
		return cerr
	})
	if err != nil {
		if ctx.Err() == nil {
			err = apperrors.Compile(err)
		}
		return peer.Compiled{}, fabric.Handle{}, err
	}
	if compiled.Slots < 1 {
		err = apperrors.Compile(fmt.Errorf("compiler declared %d slots", compiled.Slots))
		return peer.Compiled{}, fabric.Handle{}, err
	}

	format := compiled.Format
	if format == "" {
		format = "circuit"
	}
	h, err := s.fabric.Put(ctx, jr.id, fabric.Compiled, compiled.Payload, format)
	if err != nil {
		err = persistError(ctx, fabric.Compiled, err)
		return peer.Compiled{}, fabric.Handle{}, err
	}
	return compiled, h, nil
}

// requirement sizes an allocation from the compiled circuit. A topology hint
// on the spec takes precedence over the compiler's.
func requirement(spec job.Spec, c peer.Compiled) resource.Requirement {
	topo := resource.TopologyAny
	switch {
	case spec.Topology != job.TopologyNone:
		topo = resource.Topology(spec.Topology)
	case c.Topology != "" && c.Topology != "none":
		topo = resource.Topology(c.Topology)
	}
	return resource.Requirement{
		Slots:    c.Slots,
		Topology: topo,
		Isolation: resource.IsolationRequirement{
			MinDistance: spec.Isolation.MinDistance,
			Mandatory:   spec.Isolation.Mode == job.IsolationMandatory,
		},
	}
}

// allocationLoop retries waiting jobs on every tick and whenever slots may
// have been freed. On exit it aborts every job still waiting.
func (s *Scheduler) allocationLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drainWaiting()
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.allocatePass()
	}
}

func (s *Scheduler) drainWaiting() {
	for _, id := range s.waiting.ordered() {
		if !s.waiting.remove(id) {
			continue
		}
		if jr := s.lookupRun(id); jr != nil {
			s.abort(jr)
		}
	}
}

// allocatePass attempts every waiting job in priority order. A job that
// does not fit does not block smaller jobs behind it.
func (s *Scheduler) allocatePass() {
	for _, id := range s.waiting.ordered() {
		if jr := s.lookupRun(id); jr != nil {
			s.tryAllocate(jr)
		}
	}
	if s.metrics != nil {
		s.metrics.RecordQueueDepth(s.base, int64(s.pending.len()), int64(s.waiting.len()))
	}
}

func (s *Scheduler) tryAllocate(jr *jobRun) {
	if jr.ctx.Err() != nil {
		if s.waiting.remove(jr.id) {
			s.abort(jr)
		}
		return
	}

	var alloc resource.Allocation
	rec, err := s.registry.With(jr.id, func(r *job.Record) error {
		a, err := s.allocator.Allocate(jr.id, r.Spec.Target, jr.req)
		if err != nil {
			return err
		}
		alloc = a
		r.Allocation = &job.AllocationInfo{
			DeviceID:  a.DeviceID,
			Slots:     slices.Clone(a.Slots),
			Requested: jr.req.Isolation.MinDistance,
			Observed:  resource.Unreachable,
		}
		return nil
	})

	outcome := "granted"
	switch {
	case err == nil:
	case errors.Is(err, resource.ErrInsufficientCapacity):
		outcome = "insufficient"
	case errors.Is(err, resource.ErrUnsupported):
		outcome = "unsupported"
	case errors.Is(err, job.ErrTerminal):
		// Cancelled while waiting.
		if s.waiting.remove(jr.id) {
			s.cleanup(jr)
		}
		return
	default:
		outcome = "error"
	}
	if s.metrics != nil {
		s.metrics.RecordAllocationAttempt(s.base, rec.Spec.Target, outcome)
	}

	switch outcome {
	case "granted":
		if !s.waiting.remove(jr.id) {
			// Reaped concurrently; the abort releases the slots.
			return
		}
		s.logger.Info("Allocation granted", "jobId", jr.id, "deviceId", alloc.DeviceID, "slots", alloc.Slots)
		go s.run(jr, alloc)
	case "insufficient":
		waited := time.Since(jr.queuedAt)
		limit := s.config.maxWait(jr.priority)
		if waited < limit {
			return
		}
		if s.waiting.remove(jr.id) {
			s.finish(jr, job.StateFailed, apperrors.Allocation(
				fmt.Sprintf("no capacity on %s within %s", rec.Spec.Target, limit), err), nil)
		}
	case "unsupported":
		if s.waiting.remove(jr.id) {
			s.finish(jr, job.StateFailed, apperrors.Allocation("requirement cannot be met", err), nil)
		}
	default:
		if s.waiting.remove(jr.id) {
			s.finish(jr, job.StateFailed, apperrors.Internal("allocate", err), nil)
		}
	}
}

// run drives an allocated job through isolation, execution and persistence.
func (s *Scheduler) run(jr *jobRun, alloc resource.Allocation) {
	s.running.Add(1)
	defer s.running.Add(-1)

	if _, err := s.registry.Transition(jr.id, job.StateAllocating, nil); err != nil {
		s.halt(jr, err)
		return
	}

	iso, err := s.checkIsolation(jr, alloc)
	if err != nil {
		s.halt(jr, err)
		return
	}
	if jr.ctx.Err() != nil {
		s.abort(jr)
		return
	}

	rec, err := s.registry.TransitionWith(jr.id, job.StateExecuting, nil, func(r *job.Record) {
		if r.Allocation != nil {
			r.Allocation.Violated = iso.Violated
			r.Allocation.Degraded = iso.Degraded
			r.Allocation.Observed = iso.Observed
		}
	})
	if err != nil {
		s.halt(jr, err)
		return
	}

	exec, attempts, err := s.execute(jr, rec, alloc)
	if err != nil {
		s.haltWith(jr, err, func(r *job.Record) { r.ExecuteAttempts = attempts })
		return
	}
	if jr.ctx.Err() != nil {
		s.abort(jr)
		return
	}

	result := &job.Result{
		Counts:   exec.Counts,
		Shots:    rec.Spec.Shots,
		Elapsed:  exec.Elapsed,
		Metadata: exec.Metadata,
	}
	rec, err = s.registry.TransitionWith(jr.id, job.StateCompleting, nil, func(r *job.Record) {
		r.ExecuteAttempts = attempts
		r.Result = result
	})
	if err != nil {
		s.halt(jr, err)
		return
	}

	handles, err := s.persist(jr, rec, alloc, iso)
	if err != nil {
		// The result stays on the record, unpersisted.
		s.halt(jr, err)
		return
	}
	s.finish(jr, job.StateCompleted, nil, func(r *job.Record) {
		if r.Result != nil {
			r.Result.Persisted = true
		}
		for _, h := range handles {
			attach(r, h)
		}
	})
}

func (s *Scheduler) checkIsolation(jr *jobRun, alloc resource.Allocation) (resource.IsolationContext, error) {
	ctx, end := s.stage(jr, job.StateAllocating)
	iso, err := s.isolation.CheckAndEnforce(ctx, alloc)
	end(err)

	if s.metrics != nil {
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "violated"
		case iso.Degraded:
			outcome = "degraded"
		}
		s.metrics.RecordIsolationCheck(s.base, outcome)
	}
	return iso, err
}

// execute runs the payload, retrying transient peer failures. It returns the
// number of attempts made.
func (s *Scheduler) execute(jr *jobRun, rec job.Record, alloc resource.Allocation) (peer.Execution, int, error) {
	ctx, end := s.stage(jr, job.StateExecuting)
	var err error
	defer func() { end(err) }()

	req := peer.ExecuteRequest{
		JobID:    jr.id,
		DeviceID: alloc.DeviceID,
		Slots:    slices.Clone(alloc.Slots),
		Payload:  jr.compiled.Payload,
		Format:   jr.compiled.Format,
		Shots:    rec.Spec.Shots,
	}
	policy := backoff.Policy{
		Config:      backoff.Config{Initial: s.config.ExecuteInitialBackoff, Max: s.config.ExecuteMaxBackoff},
		MaxAttempts: s.config.ExecuteMaxAttempts,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			s.logger.Warn("Execution failed, retrying", "jobId", jr.id, "deviceId", alloc.DeviceID,
				"attempt", attempt, "wait", wait, "error", err)
			if s.metrics != nil {
				s.metrics.RecordExecuteRetry(s.base, alloc.DeviceID)
			}
		},
	}

	var exec peer.Execution
	attempts, err := backoff.Retry(ctx, policy, peer.IsRetryable, func(ctx context.Context, _ int) error {
		var xerr error
		exec, xerr = s.executor.Execute(ctx, req)
		return xerr
	})
	if err != nil {
		if ctx.Err() == nil {
			err = apperrors.Execute(attempts, err)
		}
		return peer.Execution{}, attempts, err
	}
	return exec, attempts, nil
}

type resultsDoc struct {
	JobID  string           `json:"jobId"`
	Shots  int              `json:"shots"`
	Counts map[string]int64 `json:"counts"`
}

type metaDoc struct {
	JobID       string                    `json:"jobId"`
	Name        string                    `json:"name"`
	Submitter   string                    `json:"submitter,omitempty"`
	Target      string                    `json:"target"`
	Priority    int                       `json:"priority"`
	Slots       []int                     `json:"slots"`
	Shots       int                       `json:"shots"`
	Attempts    int                       `json:"executeAttempts"`
	ElapsedMs   int64                     `json:"elapsedMs"`
	Format      string                    `json:"payloadFormat"`
	Isolation   resource.IsolationContext `json:"isolation"`
	Metadata    map[string]string         `json:"metadata,omitempty"`
	Labels      map[string]string         `json:"labels,omitempty"`
	SubmittedAt time.Time                 `json:"submittedAt"`
	ExecutedAt  time.Time                 `json:"executedAt"`
}

// persist writes the results and meta artifacts.
func (s *Scheduler) persist(jr *jobRun, rec job.Record, alloc resource.Allocation, iso resource.IsolationContext) ([]fabric.Handle, error) {
	ctx, end := s.stage(jr, job.StateCompleting)
	var err error
	defer func() { end(err) }()

	results, err := json.Marshal(resultsDoc{JobID: jr.id, Shots: rec.Result.Shots, Counts: rec.Result.Counts})
	if err != nil {
		err = apperrors.Persist(fabric.Results, err)
		return nil, err
	}
	meta, err := json.Marshal(metaDoc{
		JobID:       jr.id,
		Name:        rec.Spec.Name,
		Submitter:   rec.Spec.Submitter,
		Target:      rec.Spec.Target,
		Priority:    rec.Spec.Priority,
		Slots:       alloc.Slots,
		Shots:       rec.Result.Shots,
		Attempts:    rec.ExecuteAttempts,
		ElapsedMs:   rec.Result.Elapsed.Milliseconds(),
		Format:      jr.compiled.Format,
		Isolation:   iso,
		Metadata:    rec.Result.Metadata,
		Labels:      rec.Spec.Labels,
		SubmittedAt: rec.CreatedAt,
		ExecutedAt:  rec.UpdatedAt,
	})
	if err != nil {
		err = apperrors.Persist(fabric.Meta, err)
		return nil, err
	}

	handles, err := s.fabric.PutAll(ctx, jr.id,
		fabric.Artifact{Name: fabric.Results, Data: results, Format: "json"},
		fabric.Artifact{Name: fabric.Meta, Data: meta, Format: "json"},
	)
	if err != nil {
		err = persistError(ctx, fabric.Results, err)
		return nil, err
	}
	return handles, nil
}

// halt ends a job after a stage returned err.
func (s *Scheduler) halt(jr *jobRun, err error) {
	s.haltWith(jr, err, nil)
}

func (s *Scheduler) haltWith(jr *jobRun, err error, mutate func(*job.Record)) {
	switch {
	case jr.ctx.Err() != nil:
		s.abort(jr)
	case errors.Is(err, job.ErrTerminal):
		s.cleanup(jr)
	default:
		s.finish(jr, job.StateFailed, err, mutate)
	}
}

// abort ends a job whose context is done, according to the cause.
func (s *Scheduler) abort(jr *jobRun) {
	dropResult := func(r *job.Record) { r.Result = nil }

	cause := context.Cause(jr.ctx)
	switch {
	case errors.Is(cause, errCancelled):
		s.finish(jr, job.StateCancelled, nil, dropResult)
	case errors.Is(cause, context.DeadlineExceeded):
		stage := "pipeline"
		if rec, err := s.registry.Get(jr.id); err == nil {
			stage = string(rec.State)
		}
		s.finish(jr, job.StateTimeout, apperrors.Timeout(stage), dropResult)
	case errors.Is(cause, errShutdown):
		s.finish(jr, job.StateFailed, apperrors.Internal("scheduler", errShutdown), nil)
	default:
		s.finish(jr, job.StateFailed, apperrors.Internal("scheduler", cause), nil)
	}
}

// finish moves a job to a terminal state, releasing its allocation in the
// same step.
func (s *Scheduler) finish(jr *jobRun, state job.State, cause error, mutate func(*job.Record)) {
	defer s.cleanup(jr)

	rec, err := s.registry.TransitionWith(jr.id, state, job.ErrorFrom(cause), func(r *job.Record) {
		if mutate != nil {
			mutate(r)
		}
		s.release(r)
	})
	switch {
	case err == nil:
	case errors.Is(err, job.ErrTerminal):
		return
	default:
		violation := err
		s.logger.Error("Terminal transition rejected", "jobId", jr.id, "to", state, "error", violation)
		if s.metrics != nil {
			s.metrics.RecordInvariantViolation(s.base, "finish")
		}
		rec, err = s.registry.TransitionWith(jr.id, job.StateFailed, job.ErrorFrom(violation), s.release)
		if err != nil {
			return
		}
		state, cause = job.StateFailed, violation
	}

	elapsed := rec.UpdatedAt.Sub(rec.CreatedAt)
	if s.metrics != nil {
		s.metrics.RecordJobTerminal(s.base, string(state), elapsed.Seconds())
	}
	if cause != nil {
		s.logger.Warn("Job ended", "jobId", jr.id, "state", state, "kind", apperrors.KindOf(cause), "error", cause)
	} else {
		s.logger.Info("Job ended", "jobId", jr.id, "state", state, "elapsed", elapsed)
	}
	if state == job.StateFailed || state == job.StateTimeout {
		s.writeErrorArtifact(jr, rec)
	}
}

// release frees the record's allocation. It runs under the record lock.
func (s *Scheduler) release(r *job.Record) {
	if r.Allocation == nil || r.Allocation.Released {
		return
	}
	if a, ok := s.tracker.Lookup(r.Allocation.DeviceID, r.ID); ok {
		s.allocator.Release(a)
	}
	r.Allocation.Released = true
	s.kickAllocation()
}

type errorDoc struct {
	JobID   string         `json:"jobId"`
	State   job.State      `json:"state"`
	Kind    apperrors.Kind `json:"kind"`
	Message string         `json:"message"`
	At      time.Time      `json:"at"`
}

// writeErrorArtifact records the failure in the fabric. Best effort.
func (s *Scheduler) writeErrorArtifact(jr *jobRun, rec job.Record) {
	if rec.Error == nil {
		return
	}
	data, err := json.Marshal(errorDoc{
		JobID:   rec.ID,
		State:   rec.State,
		Kind:    rec.Error.Kind,
		Message: rec.Error.Message,
		At:      rec.UpdatedAt,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(jr.ctx), defaultErrorArtifactTimeout)
	defer cancel()
	if _, err := s.fabric.Put(ctx, jr.id, fabric.Error, data, "json"); err != nil {
		s.logger.Warn("Failed to write error artifact", "jobId", jr.id, "error", err)
	}
}

func (s *Scheduler) kickAllocation() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// stage starts a span and a timer for one pipeline stage. The returned
// function ends both.
func (s *Scheduler) stage(jr *jobRun, st job.State) (context.Context, func(error)) {
	name := strings.ToLower(string(st))
	ctx, span := s.tracer.Start(jr.ctx, "stage."+name, trace.WithAttributes(attribute.String("job.id", jr.id)))
	start := time.Now()
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if s.metrics != nil {
			s.metrics.RecordStageDuration(s.base, name, time.Since(start).Seconds())
		}
	}
}

func attach(r *job.Record, h fabric.Handle) {
	if r.Artifacts == nil {
		r.Artifacts = make(map[string]job.ArtifactRef)
	}
	r.Artifacts[h.Name] = job.ArtifactRef{
		Name:   h.Name,
		Key:    h.Key,
		Format: h.Format,
		Size:   h.Size,
		Digest: h.Digest,
	}
}

// persistError classifies a fabric failure. Context errors are passed
// through so the caller aborts instead of failing.
func persistError(ctx context.Context, artifact string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	return apperrors.Persist(artifact, err)
}
