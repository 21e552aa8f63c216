package resource

import (
	"fmt"
	"maps"
	"qkernel/internal/apperrors"
	"slices"
	"sort"
	"sync"
	"time"
)

// IsolationContext records the separation an allocation asked for and what
// the isolation check observed.
type IsolationContext struct {
	MinDistance int  `json:"minDistance"`
	Mandatory   bool `json:"mandatory"`
	Observed    int  `json:"observedDistance"` // Unreachable when no neighbour
	Violated    bool `json:"violated"`
	Degraded    bool `json:"degraded"`
	Checked     bool `json:"checked"`
}

// Allocation is a reservation of device slots for one job. Slots[i] is the
// physical slot backing logical slot i.
type Allocation struct {
	ID        string           `json:"id"`
	JobID     string           `json:"jobId"`
	DeviceID  string           `json:"deviceId"`
	Slots     []int            `json:"slots"`
	Isolation IsolationContext `json:"isolation"`
	CreatedAt time.Time        `json:"createdAt"`
	Released  bool             `json:"released"`
}

// clone returns a copy with its own slot slice.
func (a *Allocation) clone() Allocation {
	c := *a
	c.Slots = slices.Clone(a.Slots)
	return c
}

type deviceState struct {
	mu       sync.Mutex
	dev      Device
	graph    *Graph
	fidelity []float64
	owner    []string // job id per slot, "" when free
	allocs   map[string]*Allocation
	feasible map[feasibilityKey]bool
}

// DeviceStatus is a point-in-time view of a device.
type DeviceStatus struct {
	ID          string       `json:"id"`
	Slots       int          `json:"slots"`
	Edges       int          `json:"edges"`
	Free        int          `json:"free"`
	Fidelity    []float64    `json:"fidelity"`
	Allocations []Allocation `json:"allocations"`
}

// Tracker holds the reservation state of every device.
//
// The device map is guarded by an RWMutex that is only held to look up or
// register devices. All slot state lives behind per-device mutexes, so
// requests for different devices never block each other.
type Tracker struct {
	mu      sync.RWMutex
	devices map[string]*deviceState
	now     func() time.Time
}

// NewTracker creates a tracker with the given devices.
func NewTracker(devices ...Device) (*Tracker, error) {
	t := &Tracker{
		devices: make(map[string]*deviceState),
		now:     time.Now,
	}
	for _, d := range devices {
		if err := t.AddDevice(d); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// AddDevice registers a device. Registering an existing id is a conflict.
func (t *Tracker) AddDevice(d Device) error {
	if err := d.Validate(); err != nil {
		return apperrors.Validation("device", err.Error())
	}

	fidelity := make([]float64, d.Slots)
	for i := range fidelity {
		fidelity[i] = 1
	}
	copy(fidelity, d.Fidelity)

	ds := &deviceState{
		dev:      d,
		graph:    NewGraph(d.Slots, d.Edges),
		fidelity: fidelity,
		owner:    make([]string, d.Slots),
		allocs:   make(map[string]*Allocation),
		feasible: make(map[feasibilityKey]bool),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.devices[d.ID]; exists {
		return apperrors.Conflict("device", d.ID, fmt.Sprintf("device %s already registered", d.ID))
	}
	t.devices[d.ID] = ds
	return nil
}

// HasDevice reports whether id is a registered device.
func (t *Tracker) HasDevice(id string) bool {
	_, ok := t.lookup(id)
	return ok
}

// DeviceIDs returns registered device ids in sorted order.
func (t *Tracker) DeviceIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := slices.Collect(maps.Keys(t.devices))
	slices.Sort(ids)
	return ids
}

// Graph returns the connectivity graph of a device. Graphs are immutable.
func (t *Tracker) Graph(deviceID string) (*Graph, error) {
	ds, ok := t.lookup(deviceID)
	if !ok {
		return nil, apperrors.NotFound("device", deviceID)
	}
	return ds.graph, nil
}

// Status returns a snapshot of one device.
func (t *Tracker) Status(deviceID string) (DeviceStatus, error) {
	ds, ok := t.lookup(deviceID)
	if !ok {
		return DeviceStatus{}, apperrors.NotFound("device", deviceID)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.status(), nil
}

// Statuses returns snapshots of every device ordered by id.
func (t *Tracker) Statuses() []DeviceStatus {
	var out []DeviceStatus
	for _, id := range t.DeviceIDs() {
		if st, err := t.Status(id); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// FreeSlots returns the number of unreserved slots on a device.
func (t *Tracker) FreeSlots(deviceID string) (int, error) {
	st, err := t.Status(deviceID)
	if err != nil {
		return 0, err
	}
	return st.Free, nil
}

// Active returns the live allocations on a device ordered by creation.
func (t *Tracker) Active(deviceID string) []Allocation {
	ds, ok := t.lookup(deviceID)
	if !ok {
		return nil
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.active()
}

// UpdateFidelity replaces fidelity estimates for the given slots. It is fed
// out of band by driver integrations.
func (t *Tracker) UpdateFidelity(deviceID string, values map[int]float64) error {
	ds, ok := t.lookup(deviceID)
	if !ok {
		return apperrors.NotFound("device", deviceID)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	for slot, f := range values {
		if slot < 0 || slot >= ds.dev.Slots {
			return apperrors.Validation("slot", fmt.Sprintf("slot %d out of range for device %s", slot, deviceID))
		}
		if f < 0 || f > 1 {
			return apperrors.Validation("fidelity", fmt.Sprintf("fidelity %v out of [0,1]", f))
		}
	}
	for slot, f := range values {
		ds.fidelity[slot] = f
	}
	return nil
}

// SetIsolation stores the isolation context computed for a live
// allocation. It reports false when the allocation is no longer live.
func (t *Tracker) SetIsolation(a Allocation, ctx IsolationContext) bool {
	ds, ok := t.lookup(a.DeviceID)
	if !ok {
		return false
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	live, ok := ds.allocs[a.JobID]
	if !ok || live.ID != a.ID {
		return false
	}
	live.Isolation = ctx
	return true
}

// Release returns an allocation's slots to the free pool. Releasing an
// allocation that is already released, or that has been superseded, is a
// no-op. It reports whether slots were freed.
func (t *Tracker) Release(a Allocation) bool {
	ds, ok := t.lookup(a.DeviceID)
	if !ok {
		return false
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	live, ok := ds.allocs[a.JobID]
	if !ok || live.ID != a.ID {
		return false
	}
	for _, s := range live.Slots {
		ds.owner[s] = ""
	}
	live.Released = true
	delete(ds.allocs, a.JobID)
	return true
}

// Lookup returns the live allocation of a job on a device.
func (t *Tracker) Lookup(deviceID, jobID string) (Allocation, bool) {
	ds, ok := t.lookup(deviceID)
	if !ok {
		return Allocation{}, false
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	a, ok := ds.allocs[jobID]
	if !ok {
		return Allocation{}, false
	}
	return a.clone(), true
}

func (t *Tracker) lookup(id string) (*deviceState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ds, ok := t.devices[id]
	return ds, ok
}

// status builds a snapshot. Caller holds ds.mu.
func (ds *deviceState) status() DeviceStatus {
	free := 0
	for _, o := range ds.owner {
		if o == "" {
			free++
		}
	}
	edges := 0
	for v := 0; v < ds.graph.Len(); v++ {
		edges += ds.graph.Degree(v)
	}
	return DeviceStatus{
		ID:          ds.dev.ID,
		Slots:       ds.dev.Slots,
		Edges:       edges / 2,
		Free:        free,
		Fidelity:    slices.Clone(ds.fidelity),
		Allocations: ds.active(),
	}
}

// active returns live allocations. Caller holds ds.mu.
func (ds *deviceState) active() []Allocation {
	out := make([]Allocation, 0, len(ds.allocs))
	for _, a := range ds.allocs {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
