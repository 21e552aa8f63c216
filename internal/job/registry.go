package job

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"qkernel/internal/apperrors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTerminal is wrapped by errors returned when a frozen record is mutated.
var ErrTerminal = errors.New("job is in a terminal state")

// Change describes a registry mutation delivered to observers. From equals
// To for updates that do not move the state, such as a cancel request on
// an executing job.
type Change struct {
	Record Record
	From   State
	To     State
}

// Observer receives every change to every record. Observers run while the
// record's lock is held, so changes for one job arrive in order. They must
// not block and must not call back into the registry.
type Observer func(Change)

// CancelOutcome reports what a cancel request did.
type CancelOutcome struct {
	Immediate bool  // the job moved to Cancelled
	Previous  State // state at the time of the request
	Record    Record
}

// Filter selects records for List. Zero fields match everything.
type Filter struct {
	State     State
	Submitter string
	Limit     int
}

type entry struct {
	mu  sync.Mutex
	rec Record
}

// Registry is the authoritative in-memory store of job records.
//
// The record map is guarded by a registry-wide RWMutex that is held only for
// lookups and inserts. Each record has its own mutex so transitions on one
// job never wait on another, and status reads never block pipeline progress
// on other jobs.
type Registry struct {
	mu        sync.RWMutex
	records   map[string]*entry
	devices   DeviceCatalog
	observers []Observer
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver registers an observer for record changes.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observers = append(r.observers, o)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithIDGenerator overrides the job id generator.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) {
		r.newID = gen
	}
}

// NewRegistry creates an empty registry. devices is consulted by Create to
// reject unknown targets; nil disables the check.
func NewRegistry(devices DeviceCatalog, opts ...Option) *Registry {
	r := &Registry{
		records: make(map[string]*entry),
		devices: devices,
		now:     time.Now,
		newID:   newJobID,
		logger:  slog.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Create validates spec and stores a new record in Pending. Nothing is
// stored when validation fails.
func (r *Registry) Create(spec Spec) (Record, error) {
	ApplyDefaults(&spec)
	if err := Validate(&spec, r.devices); err != nil {
		return Record{}, err
	}

	now := r.now()
	e := &entry{rec: Record{
		ID:        r.newID(),
		Spec:      spec,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
		History:   []StateChange{{To: StatePending, At: now}},
		Seq:       1,
	}}
	e.rec = e.rec.clone()

	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	if _, exists := r.records[e.rec.ID]; exists {
		r.mu.Unlock()
		return Record{}, apperrors.Conflict("job", e.rec.ID, "job already exists")
	}
	r.records[e.rec.ID] = e
	r.mu.Unlock()

	snap := e.rec.clone()
	r.notify(Change{Record: snap, To: StatePending})
	return snap, nil
}

// Get returns a snapshot of the record.
func (r *Registry) Get(id string) (Record, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Record{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.clone(), nil
}

// List returns snapshots matching f ordered by creation time.
func (r *Registry) List(f Filter) []Record {
	r.mu.RLock()
	entries := slices.Collect(maps.Values(r.records))
	r.mu.RUnlock()

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		match := (f.State == "" || e.rec.State == f.State) &&
			(f.Submitter == "" || e.rec.Spec.Submitter == f.Submitter)
		if match {
			out = append(out, e.rec.clone())
		}
		e.mu.Unlock()
	}

	slices.SortFunc(out, func(a, b Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Transition moves the record to next, checking the transition table.
// errInfo, when non-nil, becomes the record's last error.
func (r *Registry) Transition(id string, next State, errInfo *ErrorInfo) (Record, error) {
	return r.TransitionWith(id, next, errInfo, nil)
}

// TransitionWith is Transition with an extra mutation applied atomically
// with the state change, before a terminal record is frozen. mutate must
// not touch the state, history or sequence fields.
//
// Requests on a frozen record return an error wrapping ErrTerminal; that is
// the normal outcome of racing a cancel or timeout. Any other rejected edge
// is a scheduler bug and returns a SchedulerInvariantViolation.
func (r *Registry) TransitionWith(id string, next State, errInfo *ErrorInfo, mutate func(*Record)) (Record, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Record{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.rec.State
	if from.Terminal() {
		return e.rec.clone(), terminalError(id, from)
	}
	if !CanTransition(from, next) {
		err := apperrors.Invariant("job.transition", fmt.Sprintf("job %s: illegal transition %s -> %s", id, from, next))
		r.logger.Error("Invalid state transition", "jobId", id, "from", from, "to", next)
		return e.rec.clone(), err
	}

	if mutate != nil {
		mutate(&e.rec)
	}
	r.apply(e, next, errInfo)
	snap := e.rec.clone()
	r.notify(Change{Record: snap, From: from, To: next})
	return snap, nil
}

// Update applies mutate to a non-terminal record without changing its
// state. It is used to attach artifacts, allocations and results.
func (r *Registry) Update(id string, mutate func(*Record)) (Record, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Record{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.State.Terminal() {
		return e.rec.clone(), terminalError(id, e.rec.State)
	}
	mutate(&e.rec)
	e.rec.UpdatedAt = r.now()
	return e.rec.clone(), nil
}

// With runs fn on a non-terminal record under its lock. A nil result
// commits whatever fn changed and bumps updated_at; fn must leave the
// record untouched when it returns an error, which is passed through.
// fn must not touch the state, history or sequence fields.
func (r *Registry) With(id string, fn func(*Record) error) (Record, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Record{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.State.Terminal() {
		return e.rec.clone(), terminalError(id, e.rec.State)
	}
	if err := fn(&e.rec); err != nil {
		return e.rec.clone(), err
	}
	e.rec.UpdatedAt = r.now()
	return e.rec.clone(), nil
}

// Cancel requests cancellation. Jobs that have not started executing are
// cancelled immediately; executing jobs are flagged and the caller is
// expected to forward the signal. Terminal jobs fail with a precondition
// error.
func (r *Registry) Cancel(id string) (CancelOutcome, error) {
	return r.CancelWith(id, nil)
}

// CancelWith is Cancel with a mutation applied atomically with an immediate
// cancellation, before the record is frozen. It is how resources held by a
// queued job are released before the job turns terminal.
func (r *Registry) CancelWith(id string, mutate func(*Record)) (CancelOutcome, error) {
	e, err := r.lookup(id)
	if err != nil {
		return CancelOutcome{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.rec.State
	if from.Terminal() {
		return CancelOutcome{Previous: from, Record: e.rec.clone()},
			apperrors.Precondition("job", id, fmt.Sprintf("cannot cancel, job is already %s", from))
	}

	already := e.rec.CancelRequested
	e.rec.CancelRequested = true
	if from.ImmediatelyCancellable() {
		if mutate != nil {
			mutate(&e.rec)
		}
		r.apply(e, StateCancelled, nil)
		snap := e.rec.clone()
		r.notify(Change{Record: snap, From: from, To: StateCancelled})
		return CancelOutcome{Immediate: true, Previous: from, Record: snap}, nil
	}

	// Best effort: the flag is visible to the pipeline at its next stage
	// boundary. A repeated request is not announced twice.
	if !already {
		e.rec.UpdatedAt = r.now()
		e.rec.Seq++
		r.notify(Change{Record: e.rec.clone(), From: from, To: from})
	}
	return CancelOutcome{Previous: from, Record: e.rec.clone()}, nil
}

// Sweep removes terminal records last updated before cutoff and returns
// their ids.
func (r *Registry) Sweep(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, e := range r.records {
		e.mu.Lock()
		expired := e.rec.State.Terminal() && e.rec.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(r.records, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Counts returns the number of records in each state.
func (r *Registry) Counts() map[State]int {
	r.mu.RLock()
	entries := slices.Collect(maps.Values(r.records))
	r.mu.RUnlock()

	counts := make(map[State]int)
	for _, e := range entries {
		e.mu.Lock()
		counts[e.rec.State]++
		e.mu.Unlock()
	}
	return counts
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return e, nil
}

// apply records a state change on a locked entry.
func (r *Registry) apply(e *entry, next State, errInfo *ErrorInfo) {
	now := r.now()
	e.rec.History = append(e.rec.History, StateChange{From: e.rec.State, To: next, At: now})
	e.rec.State = next
	e.rec.UpdatedAt = now
	e.rec.Seq++
	if errInfo != nil {
		e.rec.Error = errInfo
	}
}

func (r *Registry) notify(c Change) {
	for _, o := range r.observers {
		o(c)
	}
}

func terminalError(id string, s State) error {
	return &apperrors.Error{
		Sentinel: apperrors.ErrPrecondition,
		Message:  fmt.Sprintf("job %s is already %s", id, s),
		Resource: "job",
		Cause:    ErrTerminal,
	}
}
