package resource

import (
	"cmp"
	"errors"
	"fmt"
	"qkernel/internal/apperrors"
	"slices"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientCapacity means the requirement fits the device but not
	// its current free slots. Retry after a release.
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	// ErrUnsupported means the requirement can never be met on the device.
	ErrUnsupported = errors.New("unsupported requirement")
)

// Topology is the connectivity shape an allocation must have.
type Topology string

const (
	TopologyAny    Topology = ""
	TopologyLinear Topology = "linear"
)

// IsolationRequirement is the hop distance an allocation wants from every
// other live allocation on the device.
type IsolationRequirement struct {
	MinDistance int
	Mandatory   bool
}

// mandatory returns the distance this requirement enforces as a hard limit.
func (r IsolationRequirement) mandatory() int {
	if r.Mandatory {
		return r.MinDistance
	}
	return 0
}

// Requirement describes what a job needs from a device.
type Requirement struct {
	Slots     int
	Topology  Topology
	Isolation IsolationRequirement
}

// DefaultSearchBudget bounds the number of partial paths a topology search
// expands.
const DefaultSearchBudget = 200_000

type feasibilityKey struct {
	topology Topology
	slots    int
}

// Allocator places requirements on devices and reserves the chosen slots.
type Allocator struct {
	tracker *Tracker
	budget  int
	newID   func() string
}

// AllocatorOption configures an Allocator.
type AllocatorOption func(*Allocator)

// WithSearchBudget overrides DefaultSearchBudget.
func WithSearchBudget(n int) AllocatorOption {
	return func(a *Allocator) {
		if n > 0 {
			a.budget = n
		}
	}
}

// NewAllocator creates an allocator over the tracker's devices.
func NewAllocator(t *Tracker, opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		tracker: t,
		budget:  DefaultSearchBudget,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Tracker returns the tracker the allocator reserves against.
func (a *Allocator) Tracker() *Tracker { return a.tracker }

// Allocate finds the best placement of req on deviceID for jobID and
// reserves it. Errors wrap ErrUnsupported or ErrInsufficientCapacity.
func (a *Allocator) Allocate(jobID, deviceID string, req Requirement) (Allocation, error) {
	ds, ok := a.tracker.lookup(deviceID)
	if !ok {
		return Allocation{}, fmt.Errorf("%w: unknown device %s", ErrUnsupported, deviceID)
	}
	if req.Slots < 1 {
		return Allocation{}, fmt.Errorf("%w: slot count must be positive, got %d", ErrUnsupported, req.Slots)
	}
	if req.Slots > ds.dev.Slots {
		return Allocation{}, fmt.Errorf("%w: %d slots requested, device %s has %d", ErrUnsupported, req.Slots, deviceID, ds.dev.Slots)
	}
	if req.Topology != TopologyAny && req.Topology != TopologyLinear {
		return Allocation{}, fmt.Errorf("%w: topology %q", ErrUnsupported, req.Topology)
	}
	if req.Isolation.MinDistance < 0 {
		return Allocation{}, fmt.Errorf("%w: negative isolation distance", ErrUnsupported)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if live, exists := ds.allocs[jobID]; exists {
		return Allocation{}, apperrors.Conflict("allocation", live.ID, fmt.Sprintf("job %s already holds an allocation on %s", jobID, deviceID))
	}

	c := a.constraints(ds, req)
	var slots []int
	switch req.Topology {
	case TopologyLinear:
		slots = a.bestPath(ds, c, req.Slots)
	default:
		slots = bestSet(ds, c, req.Slots)
	}

	if slots == nil {
		if !a.feasible(ds, req) {
			return Allocation{}, fmt.Errorf("%w: no %s embedding of %d slots on device %s", ErrUnsupported, topologyName(req.Topology), req.Slots, deviceID)
		}
		return Allocation{}, fmt.Errorf("%w: device %s cannot place %d slots now", ErrInsufficientCapacity, deviceID, req.Slots)
	}

	alloc := &Allocation{
		ID:       a.newID(),
		JobID:    jobID,
		DeviceID: deviceID,
		Slots:    slots,
		Isolation: IsolationContext{
			MinDistance: req.Isolation.MinDistance,
			Mandatory:   req.Isolation.Mandatory,
			Observed:    Unreachable,
		},
		CreatedAt: a.tracker.now(),
	}
	for _, s := range slots {
		ds.owner[s] = jobID
	}
	ds.allocs[jobID] = alloc
	return alloc.clone(), nil
}

// Release frees an allocation. It is idempotent.
func (a *Allocator) Release(alloc Allocation) bool {
	return a.tracker.Release(alloc)
}

// constraints classifies the free slots of a device against the live
// allocations. eligible slots respect every mandatory distance; clean slots
// additionally respect every best-effort distance.
type constraints struct {
	eligible []bool
	clean    []bool
}

func (a *Allocator) constraints(ds *deviceState, req Requirement) constraints {
	n := ds.dev.Slots
	c := constraints{eligible: make([]bool, n), clean: make([]bool, n)}
	for v := 0; v < n; v++ {
		free := ds.owner[v] == ""
		c.eligible[v] = free
		c.clean[v] = free
	}

	for _, other := range ds.allocs {
		theirs := IsolationRequirement{MinDistance: other.Isolation.MinDistance, Mandatory: other.Isolation.Mandatory}
		hard := max(req.Isolation.mandatory(), theirs.mandatory())
		soft := max(req.Isolation.MinDistance, theirs.MinDistance)
		if hard == 0 && soft == 0 {
			continue
		}
		dist := ds.graph.DistanceFrom(other.Slots)
		for v := 0; v < n; v++ {
			d := dist[v]
			if d == Unreachable {
				continue
			}
			if d < hard {
				c.eligible[v] = false
			}
			if d < soft {
				c.clean[v] = false
			}
		}
	}
	return c
}

// bestSet picks k slots without a shape constraint. Clean slots are used
// when enough exist; otherwise any eligible slots. The set maximizes its
// minimum fidelity first, then minimizes total degree, then prefers lower
// slot numbers.
func bestSet(ds *deviceState, c constraints, k int) []int {
	pick := func(allowed []bool) []int {
		var cand []int
		for v, ok := range allowed {
			if ok {
				cand = append(cand, v)
			}
		}
		if len(cand) < k {
			return nil
		}
		byFidelity := slices.Clone(cand)
		slices.SortStableFunc(byFidelity, func(x, y int) int {
			return cmp.Compare(ds.fidelity[y], ds.fidelity[x])
		})
		floor := ds.fidelity[byFidelity[k-1]]

		var pool []int
		for _, v := range cand {
			if ds.fidelity[v] >= floor {
				pool = append(pool, v)
			}
		}
		slices.SortStableFunc(pool, func(x, y int) int {
			return cmp.Compare(ds.graph.Degree(x), ds.graph.Degree(y))
		})
		chosen := slices.Clone(pool[:k])
		slices.Sort(chosen)
		return chosen
	}

	if s := pick(c.clean); s != nil {
		return s
	}
	return pick(c.eligible)
}

// pathScore ranks complete path embeddings. Higher is better for clean and
// minFid; lower is better for degree and lexicographic order.
type pathScore struct {
	clean  bool
	minFid float64
	degree int
	path   []int
}

func (s pathScore) better(o pathScore) bool {
	if s.clean != o.clean {
		return s.clean
	}
	if s.minFid != o.minFid {
		return s.minFid > o.minFid
	}
	if s.degree != o.degree {
		return s.degree < o.degree
	}
	return slices.Compare(s.path, o.path) < 0
}

// bestPath searches simple paths of k eligible slots and returns the best
// scoring one, or nil.
func (a *Allocator) bestPath(ds *deviceState, c constraints, k int) []int {
	var (
		best    *pathScore
		budget  = a.budget
		path    = make([]int, 0, k)
		visited = make([]bool, ds.dev.Slots)
	)

	var walk func(v int)
	walk = func(v int) {
		if budget <= 0 {
			return
		}
		budget--
		path = append(path, v)
		visited[v] = true
		defer func() {
			path = path[:len(path)-1]
			visited[v] = false
		}()

		if len(path) == k {
			s := scorePath(ds, c, path)
			if best == nil || s.better(*best) {
				s.path = slices.Clone(path)
				best = &s
			}
			return
		}
		for _, n := range ds.graph.Neighbors(v) {
			if c.eligible[n] && !visited[n] {
				walk(n)
			}
		}
	}

	for v := 0; v < ds.dev.Slots && budget > 0; v++ {
		if c.eligible[v] {
			walk(v)
		}
	}
	if best == nil {
		return nil
	}
	return best.path
}

func scorePath(ds *deviceState, c constraints, path []int) pathScore {
	s := pathScore{clean: true, minFid: 1, path: path}
	for _, v := range path {
		s.clean = s.clean && c.clean[v]
		s.minFid = min(s.minFid, ds.fidelity[v])
		s.degree += ds.graph.Degree(v)
	}
	return s
}

// feasible reports whether req embeds on the device with every slot free.
// Results are cached per device since graphs never change. A search that
// runs out of budget counts as feasible so the caller keeps waiting rather
// than failing a job that might fit.
func (a *Allocator) feasible(ds *deviceState, req Requirement) bool {
	if req.Topology == TopologyAny {
		return req.Slots <= ds.dev.Slots
	}
	key := feasibilityKey{topology: req.Topology, slots: req.Slots}
	if ok, cached := ds.feasible[key]; cached {
		return ok
	}

	all := make([]bool, ds.dev.Slots)
	for i := range all {
		all[i] = true
	}
	found := a.pathExists(ds, all, req.Slots)
	ds.feasible[key] = found
	return found
}

// pathExists stops at the first embedding or when the budget runs out, in
// which case it reports true.
func (a *Allocator) pathExists(ds *deviceState, allowed []bool, k int) bool {
	budget := a.budget
	visited := make([]bool, ds.dev.Slots)

	var walk func(v, depth int) bool
	walk = func(v, depth int) bool {
		if budget <= 0 || depth == k {
			return true
		}
		budget--
		visited[v] = true
		defer func() { visited[v] = false }()
		for _, n := range ds.graph.Neighbors(v) {
			if allowed[n] && !visited[n] && walk(n, depth+1) {
				return true
			}
		}
		return false
	}

	for v := 0; v < ds.dev.Slots; v++ {
		if allowed[v] && walk(v, 1) {
			return true
		}
	}
	return false
}

func topologyName(t Topology) string {
	if t == TopologyAny {
		return "unconstrained"
	}
	return string(t)
}
