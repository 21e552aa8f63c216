package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"qkernel/internal/apperrors"
	"qkernel/internal/fabric"
	"qkernel/internal/job"
	"qkernel/internal/peer"
	"qkernel/internal/resource"
	"qkernel/internal/testutil"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeCompiler struct {
	mu    sync.Mutex
	order []string
	fn    func(ctx context.Context, req peer.CompileRequest) (peer.Compiled, error)
}

func (c *fakeCompiler) Compile(ctx context.Context, req peer.CompileRequest) (peer.Compiled, error) {
	c.mu.Lock()
	c.order = append(c.order, req.JobID)
	c.mu.Unlock()
	if c.fn != nil {
		return c.fn(ctx, req)
	}
	return peer.Compiled{Payload: []byte("circuit:" + req.Source), Format: "qir", Slots: 2}, nil
}

func (c *fakeCompiler) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

type fakeExecutor struct {
	calls atomic.Int64
	fn    func(ctx context.Context, req peer.ExecuteRequest) (peer.Execution, error)
}

func (e *fakeExecutor) Execute(ctx context.Context, req peer.ExecuteRequest) (peer.Execution, error) {
	e.calls.Add(1)
	if e.fn != nil {
		return e.fn(ctx, req)
	}
	return okExecution(), nil
}

func okExecution() peer.Execution {
	return peer.Execution{
		Counts:   map[string]int64{"00": 512, "11": 512},
		Elapsed:  3 * time.Millisecond,
		Metadata: map[string]string{"backend": "fake"},
	}
}

// countingStore counts writes per key and can fail writes below a prefix.
type countingStore struct {
	*fabric.MemoryStore
	mu       sync.Mutex
	puts     map[string]int
	failWith string // key substring
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: fabric.NewMemoryStore(), puts: map[string]int{}}
}

func (s *countingStore) Put(ctx context.Context, key string, data []byte, format string) error {
	s.mu.Lock()
	s.puts[key]++
	fail := s.failWith != "" && strings.Contains(key, s.failWith)
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.Put(ctx, key, data, format)
}

func (s *countingStore) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[key]
}

type harness struct {
	sched    *Scheduler
	registry *job.Registry
	tracker  *resource.Tracker
	store    *countingStore
	compiler *fakeCompiler
	executor *fakeExecutor
	swept    chan []string
}

type harnessOption func(*Config, *countingStore)

func withConfig(fn func(*Config)) harnessOption {
	return func(c *Config, _ *countingStore) { fn(c) }
}

func failingWrites(substr string) harnessOption {
	return func(_ *Config, s *countingStore) { s.failWith = substr }
}

func fullDevice(id string, n int) resource.Device {
	return resource.Device{ID: id, Slots: n, Edges: resource.FullEdges(n)}
}

func newHarness(t *testing.T, devices []resource.Device, c *fakeCompiler, e *fakeExecutor, opts ...harnessOption) *harness {
	t.Helper()
	tracker, err := resource.NewTracker(devices...)
	require.NoError(t, err)

	cfg := Config{
		Workers:               2,
		Tick:                  10 * time.Millisecond,
		ExecuteInitialBackoff: time.Millisecond,
		ExecuteMaxBackoff:     2 * time.Millisecond,
	}
	store := newCountingStore()
	for _, opt := range opts {
		opt(&cfg, store)
	}

	h := &harness{
		registry: job.NewRegistry(tracker),
		tracker:  tracker,
		store:    store,
		compiler: c,
		executor: e,
		swept:    make(chan []string, 1),
	}
	h.sched = New(cfg, Deps{
		Registry:  h.registry,
		Allocator: resource.NewAllocator(tracker),
		Fabric: fabric.NewCoordinator(store, fabric.CoordinatorConfig{
			MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond,
		}, nil),
		Compiler: c,
		Executor: e,
		OnSweep:  func(ids []string) { h.swept <- ids },
	})
	h.sched.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sched.Stop(ctx)
	})
	return h
}

func spec(target string, priority int) job.Spec {
	return job.Spec{
		Name:     "bell",
		Program:  job.Program{Source: "h q[0]; cx q[0], q[1];", Entrypoint: "main", Language: "qasm"},
		Target:   target,
		Priority: priority,
	}
}

func (h *harness) submit(t *testing.T, s job.Spec) string {
	t.Helper()
	rec, err := h.sched.Submit(s)
	require.NoError(t, err)
	return rec.ID
}

func (h *harness) waitState(t *testing.T, id string, want job.State) job.Record {
	t.Helper()
	testutil.MustWaitForValue(t, func() job.State {
		rec, err := h.registry.Get(id)
		if err != nil {
			return ""
		}
		return rec.State
	}, want)
	rec, err := h.registry.Get(id)
	require.NoError(t, err)
	return rec
}

func (h *harness) freeSlots(t *testing.T, device string) int {
	t.Helper()
	n, err := h.tracker.FreeSlots(device)
	require.NoError(t, err)
	return n
}

func TestScheduler_CompletesAndReleasesSlots(t *testing.T) {
	t.Parallel()
	c := &fakeCompiler{fn: func(_ context.Context, req peer.CompileRequest) (peer.Compiled, error) {
		return peer.Compiled{Payload: []byte("circuit"), Format: "qir", Slots: 2, Topology: "linear"}, nil
	}}
	h := newHarness(t, []resource.Device{fullDevice("dev", 4)}, c, &fakeExecutor{})

	id := h.submit(t, spec("dev", 4))
	rec := h.waitState(t, id, job.StateCompleted)

	require.Equal(t, 4, h.freeSlots(t, "dev"))
	require.NotNil(t, rec.Allocation)
	require.True(t, rec.Allocation.Released)
	require.Len(t, rec.Allocation.Slots, 2)
	require.Equal(t, 1, rec.ExecuteAttempts)
	for _, name := range []string{fabric.Input, fabric.Compiled, fabric.Results, fabric.Meta} {
		require.Contains(t, rec.Artifacts, name)
	}

	wantPath := []job.State{job.StatePending, job.StateValidating, job.StateCompiling, job.StateQueued,
		job.StateAllocating, job.StateExecuting, job.StateCompleting, job.StateCompleted}
	var path []job.State
	for _, ch := range rec.History {
		path = append(path, ch.To)
	}
	require.Equal(t, wantPath, path)

	res, err := h.sched.Results(id)
	require.NoError(t, err)
	require.Equal(t, job.StatusDone, res.Status)
	require.False(t, res.Degraded)
	require.Equal(t, int64(512), res.Counts["11"])
	require.NotNil(t, res.CompletedAt)

	data, format, err := h.sched.Artifact(context.Background(), id, fabric.Results)
	require.NoError(t, err)
	require.Equal(t, "json", format)
	var doc resultsDoc
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Equal(t, rec.Result.Counts, doc.Counts)
}

func TestScheduler_ConcurrentJobsNeverShareSlots(t *testing.T) {
	t.Parallel()
	var (
		mu       sync.Mutex
		owner    = map[int]string{}
		overlaps atomic.Int64
		peak     atomic.Int64
		active   atomic.Int64
	)
	e := &fakeExecutor{fn: func(_ context.Context, req peer.ExecuteRequest) (peer.Execution, error) {
		mu.Lock()
		for _, s := range req.Slots {
			if owner[s] != "" {
				overlaps.Add(1)
			}
			owner[s] = req.JobID
		}
		mu.Unlock()
		if n := active.Add(1); n > peak.Load() {
			peak.Store(n)
		}

		time.Sleep(15 * time.Millisecond)

		active.Add(-1)
		mu.Lock()
		for _, s := range req.Slots {
			owner[s] = ""
		}
		mu.Unlock()
		return okExecution(), nil
	}}
	h := newHarness(t, []resource.Device{fullDevice("dev", 4)}, &fakeCompiler{}, e,
		withConfig(func(c *Config) { c.Workers = 4 }))

	ids := make([]string, 8)
	for i := range ids {
		ids[i] = h.submit(t, spec("dev", 4))
	}
	for _, id := range ids {
		h.waitState(t, id, job.StateCompleted)
	}

	require.Zero(t, overlaps.Load())
	require.LessOrEqual(t, peak.Load(), int64(2))
	require.Equal(t, 4, h.freeSlots(t, "dev"))
}

func TestScheduler_CompilerUnsupportedFailsWithoutAllocation(t *testing.T) {
	t.Parallel()
	c := &fakeCompiler{fn: func(context.Context, peer.CompileRequest) (peer.Compiled, error) {
		return peer.Compiled{}, peer.NewError(peer.KindUnsupported, "gate %s not supported", "ccz")
	}}
	e := &fakeExecutor{}
	h := newHarness(t, []resource.Device{fullDevice("dev", 4)}, c, e)

	id := h.submit(t, spec("dev", 4))
	rec := h.waitState(t, id, job.StateFailed)

	require.Equal(t, apperrors.KindCompile, rec.Error.Kind)
	require.Nil(t, rec.Allocation)
	require.Zero(t, e.calls.Load())
	require.Len(t, c.calls(), 1, "non-transient compile errors are not retried")
	testutil.MustWaitFor(t, func() bool { return h.store.count("jobs/"+id+"/results/error.json") == 1 })
}

func TestScheduler_RetriesTransientExecuteFailures(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int64
	e := &fakeExecutor{fn: func(context.Context, peer.ExecuteRequest) (peer.Execution, error) {
		if attempts.Add(1) <= 2 {
			return peer.Execution{}, peer.NewError(peer.KindDeviceUnavailable, "calibrating")
		}
		return okExecution(), nil
	}}
	h := newHarness(t, []resource.Device{fullDevice("dev", 4)}, &fakeCompiler{}, e)

	id := h.submit(t, spec("dev", 4))
	rec := h.waitState(t, id, job.StateCompleted)

	require.Equal(t, 3, rec.ExecuteAttempts)
	require.Equal(t, 1, h.store.count("jobs/"+id+"/results/counts.json"))
	require.Equal(t, 1, h.store.count("jobs/"+id+"/meta.json"))
}

func TestScheduler_ExecuteErrorReleasesSlots(t *testing.T) {
	t.Parallel()
	e := &fakeExecutor{fn: func(context.Context, peer.ExecuteRequest) (peer.Execution, error) {
		return peer.Execution{}, peer.NewError(peer.KindInvalidPayload, "bad circuit")
	}}
	h := newHarness(t, []resource.Device{fullDevice("dev", 4)}, &fakeCompiler{}, e)

	id := h.submit(t, spec("dev", 4))
	rec := h.waitState(t, id, job.StateFailed)

	require.Equal(t, apperrors.KindExecute, rec.Error.Kind)
	require.Equal(t, 1, rec.ExecuteAttempts)
	require.True(t, rec.Allocation.Released)
	require.Equal(t, 4, h.freeSlots(t, "dev"))
}

func TestScheduler_PersistFailureKeepsDegradedResult(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []resource.Device{fullDevice("dev", 4)}, &fakeCompiler{}, &fakeExecutor{},
		failingWrites("/results/"))

	id := h.submit(t, spec("dev", 4))
	rec := h.waitState(t, id, job.StateFailed)

	require.Equal(t, apperrors.KindPersist, rec.Error.Kind)
	require.Equal(t, 4, h.freeSlots(t, "dev"))

	res, err := h.sched.Results(id)
	require.NoError(t, err)
	require.Equal(t, job.StatusError, res.Status)
	require.True(t, res.Degraded)
	require.Equal(t, int64(512), res.Counts["00"])

	st, err := h.sched.Status(id)
	require.NoError(t, err)
	require.Contains(t, st.Message, "not recorded")
}

func TestScheduler_CancelWhileWaitingForCapacity(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan string, 4)
	e := &fakeExecutor{fn: func(_ context.Context, req peer.ExecuteRequest) (peer.Execution, error) {
		started <- req.JobID
		<-release
		return okExecution(), nil
	}}
	h := newHarness(t, []resource.Device{fullDevice("dev", 2)}, &fakeCompiler{}, e)

	holder := h.submit(t, spec("dev", 4))
	require.Equal(t, holder, <-started)

	waiter := h.submit(t, spec("dev", 4))
	h.waitState(t, waiter, job.StateQueued)

	out, err := h.sched.Cancel(waiter)
	require.NoError(t, err)
	require.True(t, out.Accepted)
	require.True(t, out.Immediate)
	require.Equal(t, job.StatusCancelled, out.Status.Status)

	close(release)
	h.waitState(t, holder, job.StateCompleted)
	require.Equal(t, int64(1), e.calls.Load())
	require.Equal(t, 2, h.freeSlots(t, "dev"))

	_, err = h.sched.Cancel(waiter)
	require.ErrorIs(t, err, apperrors.ErrPrecondition)
}

func TestScheduler_CancelDuringExecutionDropsResult(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	e := &fakeExecutor{fn: func(ctx context.Context, _ peer.ExecuteRequest) (peer.Execution, error) {
		close(started)
		<-ctx.Done()
		return peer.Execution{}, ctx.Err()
	}}
	h := newHarness(t, []resource.Device{fullDevice("dev", 4)}, &fakeCompiler{}, e)

	id := h.submit(t, spec("dev", 4))
	<-started

	out, err := h.sched.Cancel(id)
	require.NoError(t, err)
	require.True(t, out.Accepted)
	require.False(t, out.Immediate)

	rec := h.waitState(t, id, job.StateCancelled)
	require.True(t, rec.CancelRequested)
	require.Nil(t, rec.Result)
	require.True(t, rec.Allocation.Released)
	require.Equal(t, 4, h.freeSlots(t, "dev"))
}

func TestScheduler_TimeoutDuringExecution(t *testing.T) {
	t.Parallel()
	e := &fakeExecutor{fn: func(ctx context.Context, _ peer.ExecuteRequest) (peer.Execution, error) {
		<-ctx.Done()
		return peer.Execution{}, ctx.Err()
	}}
	h := newHarness(t, []resource.Device{fullDevice("dev", 4)}, &fakeCompiler{}, e)

	s := spec("dev", 4)
	s.TimeoutSeconds = 1
	id := h.submit(t, s)
	rec := h.waitState(t, id, job.StateTimeout)

	require.Equal(t, apperrors.KindTimeout, rec.Error.Kind)
	require.Contains(t, rec.Error.Message, string(job.StateExecuting))
	require.Equal(t, 4, h.freeSlots(t, "dev"))

	st, err := h.sched.Status(id)
	require.NoError(t, err)
	require.Equal(t, job.StatusTimeout, st.Status)
}

func TestScheduler_DequeuesByPriority(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	c := &fakeCompiler{}
	c.fn = func(_ context.Context, req peer.CompileRequest) (peer.Compiled, error) {
		if req.Source == "blocker" {
			<-gate
		}
		return peer.Compiled{Payload: []byte("x"), Format: "qir", Slots: 1}, nil
	}
	h := newHarness(t, []resource.Device{fullDevice("dev", 4)}, c, &fakeExecutor{},
		withConfig(func(c *Config) { c.Workers = 1 }))

	blocker := spec("dev", 9)
	blocker.Program.Source = "blocker"
	first := h.submit(t, blocker)
	testutil.MustWaitFor(t, func() bool { return len(c.calls()) == 1 })

	low := h.submit(t, spec("dev", 1))
	high := h.submit(t, spec("dev", 8))
	normalA := h.submit(t, spec("dev", 5))
	normalB := h.submit(t, spec("dev", 5))
	close(gate)

	for _, id := range []string{first, low, high, normalA, normalB} {
		h.waitState(t, id, job.StateCompleted)
	}
	require.Equal(t, []string{first, high, normalA, normalB, low}, c.calls())
}

func TestScheduler_AllocationWaitBoundFails(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	e := &fakeExecutor{fn: func(ctx context.Context, _ peer.ExecuteRequest) (peer.Execution, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return okExecution(), nil
	}}
	h := newHarness(t, []resource.Device{fullDevice("dev", 2)}, &fakeCompiler{}, e,
		withConfig(func(c *Config) { c.MaxWaitNormal = 50 * time.Millisecond }))

	holder := h.submit(t, spec("dev", 9))
	h.waitState(t, holder, job.StateExecuting)

	starved := h.submit(t, spec("dev", 4))
	rec := h.waitState(t, starved, job.StateFailed)
	require.Equal(t, apperrors.KindAllocation, rec.Error.Kind)
	require.Nil(t, rec.Allocation)
}

func TestScheduler_UnsupportedRequirementFailsImmediately(t *testing.T) {
	t.Parallel()
	c := &fakeCompiler{fn: func(context.Context, peer.CompileRequest) (peer.Compiled, error) {
		return peer.Compiled{Payload: []byte("x"), Format: "qir", Slots: 5}, nil
	}}
	e := &fakeExecutor{}
	h := newHarness(t, []resource.Device{fullDevice("dev", 4)}, c, e)

	id := h.submit(t, spec("dev", 4))
	rec := h.waitState(t, id, job.StateFailed)
	require.Equal(t, apperrors.KindAllocation, rec.Error.Kind)
	require.Zero(t, e.calls.Load())
}

func TestScheduler_StopFailsLiveJobsAndRejectsSubmissions(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	e := &fakeExecutor{fn: func(ctx context.Context, _ peer.ExecuteRequest) (peer.Execution, error) {
		close(started)
		<-ctx.Done()
		return peer.Execution{}, ctx.Err()
	}}
	h := newHarness(t, []resource.Device{fullDevice("dev", 4)}, &fakeCompiler{}, e)

	id := h.submit(t, spec("dev", 4))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.sched.Stop(ctx))

	rec, err := h.registry.Get(id)
	require.NoError(t, err)
	require.Equal(t, job.StateFailed, rec.State)
	require.Equal(t, apperrors.KindInternal, rec.Error.Kind)
	require.Equal(t, 4, h.freeSlots(t, "dev"))

	_, err = h.sched.Submit(spec("dev", 4))
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, h.sched.Ready(), ErrStopped)
}

func TestScheduler_SweepForgetsTerminalJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []resource.Device{fullDevice("dev", 4)}, &fakeCompiler{}, &fakeExecutor{})

	id := h.submit(t, spec("dev", 4))
	h.waitState(t, id, job.StateCompleted)

	h.sched.sweep(time.Now().Add(time.Minute))
	require.Equal(t, []string{id}, <-h.swept)

	_, err := h.sched.Status(id)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestScheduler_StatsAndDevices(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []resource.Device{fullDevice("dev", 4), fullDevice("spare", 2)}, &fakeCompiler{}, &fakeExecutor{})

	id := h.submit(t, spec("dev", 4))
	h.waitState(t, id, job.StateCompleted)

	st := h.sched.Stats()
	require.Equal(t, 1, st.States[job.StateCompleted])
	require.Zero(t, st.Pending)
	require.Zero(t, st.Waiting)

	devices := h.sched.Devices()
	require.Len(t, devices, 2)
	require.NoError(t, h.sched.UpdateFidelity("dev", map[int]float64{0: 0.9}))
	require.Error(t, h.sched.UpdateFidelity("dev", map[int]float64{0: 1.5}))
	require.Len(t, h.sched.List(job.Filter{State: job.StateCompleted}), 1)
}

func TestRequirement_SpecHintWinsOverCompiler(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		hint     job.Topology
		compiled string
		want     resource.Topology
	}{
		{"no hints", job.TopologyNone, "", resource.TopologyAny},
		{"compiler linear", job.TopologyNone, "linear", resource.TopologyLinear},
		{"compiler none", job.TopologyNone, "none", resource.TopologyAny},
		{"spec linear", job.TopologyLinear, "", resource.TopologyLinear},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := spec("dev", 4)
			s.Topology = tt.hint
			s.Isolation = job.Isolation{MinDistance: 2, Mode: job.IsolationMandatory}
			got := requirement(s, peer.Compiled{Slots: 3, Topology: tt.compiled})
			require.Equal(t, tt.want, got.Topology)
			require.Equal(t, 3, got.Slots)
			require.Equal(t, 2, got.Isolation.MinDistance)
			require.True(t, got.Isolation.Mandatory)
		})
	}
}

func TestScheduler_IsolatedPairSharesDeviceWithoutOverlap(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		slots = map[string][]int{}
	)
	both := make(chan struct{})
	var arrived atomic.Int64
	e := &fakeExecutor{fn: func(ctx context.Context, req peer.ExecuteRequest) (peer.Execution, error) {
		mu.Lock()
		slots[req.JobID] = append([]int(nil), req.Slots...)
		mu.Unlock()
		if arrived.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
		case <-ctx.Done():
			return peer.Execution{}, ctx.Err()
		}
		return okExecution(), nil
	}}
	h := newHarness(t, []resource.Device{fullDevice("dev", 4)}, &fakeCompiler{}, e)

	isolated := spec("dev", 5)
	isolated.Isolation = job.Isolation{MinDistance: 1, Mode: job.IsolationMandatory}
	a := h.submit(t, isolated)
	b := h.submit(t, isolated)

	// The job placed second runs its check while the first still holds its
	// slots, so it always observes a neighbour.
	nearest := resource.Unreachable
	for _, id := range []string{a, b} {
		rec := h.waitState(t, id, job.StateCompleted)
		require.NotNil(t, rec.Allocation)
		require.False(t, rec.Allocation.Violated)
		if obs := rec.Allocation.Observed; obs != resource.Unreachable {
			require.GreaterOrEqual(t, obs, 1)
			nearest = obs
		}
	}
	require.GreaterOrEqual(t, nearest, 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, slots[a], 2)
	require.Len(t, slots[b], 2)
	for _, s := range slots[a] {
		require.NotContains(t, slots[b], s)
	}
	require.Equal(t, 4, h.freeSlots(t, "dev"))
}

// blockingUntilDone holds one execution until its context ends.
func blockingUntilDone(started chan<- string) *fakeExecutor {
	return &fakeExecutor{fn: func(ctx context.Context, req peer.ExecuteRequest) (peer.Execution, error) {
		started <- req.JobID
		<-ctx.Done()
		return peer.Execution{}, ctx.Err()
	}}
}

func TestScheduler_ParkingCancelledJobAbortsIt(t *testing.T) {
	t.Parallel()
	started := make(chan string, 1)
	h := newHarness(t, []resource.Device{fullDevice("dev", 2)}, &fakeCompiler{}, blockingUntilDone(started))

	holder := h.submit(t, spec("dev", 4))
	require.Equal(t, holder, <-started)
	waiter := h.submit(t, spec("dev", 4))
	h.waitState(t, waiter, job.StateQueued)

	// Take the job off the wait list so its cancellation finds it in no
	// queue, as when the context ends between Queued and parking.
	jr := h.sched.lookupRun(waiter)
	require.NotNil(t, jr)
	require.True(t, h.sched.waiting.remove(waiter))
	jr.cancel(errCancelled)
	<-jr.ctx.Done()

	h.sched.park(jr)

	h.waitState(t, waiter, job.StateCancelled)
	require.Zero(t, h.sched.waiting.len())
}

func TestScheduler_StopAbortsJobsLeftWaiting(t *testing.T) {
	t.Parallel()
	started := make(chan string, 1)
	h := newHarness(t, []resource.Device{fullDevice("dev", 2)}, &fakeCompiler{}, blockingUntilDone(started))

	holder := h.submit(t, spec("dev", 4))
	require.Equal(t, holder, <-started)
	waiter := h.submit(t, spec("dev", 4))
	h.waitState(t, waiter, job.StateQueued)

	// Without its reap hook only the allocation loop can end the job.
	jr := h.sched.lookupRun(waiter)
	require.NotNil(t, jr)
	jr.stopReap()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.sched.Stop(ctx))

	rec, err := h.registry.Get(waiter)
	require.NoError(t, err)
	require.Equal(t, job.StateFailed, rec.State)
	require.Equal(t, apperrors.KindInternal, rec.Error.Kind)
	require.Zero(t, h.sched.waiting.len())
}
