// Package isolation measures how far a new allocation sits from its
// neighbours on a device and asks the execution layer to keep the gap idle.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"qkernel/internal/apperrors"
	"qkernel/internal/resource"
	"slices"
)

// ErrViolation is wrapped by the error returned for an unmet mandatory
// isolation requirement.
var ErrViolation = errors.New("isolation requirement not met")

// Request asks the execution layer to isolate a job's slots. Guard lists
// the free slots within MinDistance-1 hops that must stay idle.
type Request struct {
	DeviceID    string `json:"deviceId"`
	JobID       string `json:"jobId"`
	Slots       []int  `json:"slots"`
	Guard       []int  `json:"guard"`
	MinDistance int    `json:"minDistance"`
	Mandatory   bool   `json:"mandatory"`
}

// Enforcer applies isolation on the device. Implementations must not block
// beyond ctx.
type Enforcer interface {
	Isolate(ctx context.Context, req Request) error
}

// LogEnforcer is an Enforcer for backends with no isolation control. It only
// records the request.
type LogEnforcer struct{}

func (LogEnforcer) Isolate(_ context.Context, req Request) error {
	slog.Debug("Isolation requested", "component", "isolation",
		"jobId", req.JobID, "deviceId", req.DeviceID, "slots", req.Slots, "guard", req.Guard)
	return nil
}

// NeighbourHook is called for each existing allocation whose context
// changed because a new allocation was placed near it.
type NeighbourHook func(resource.Allocation)

// Manager checks and enforces isolation for new allocations.
type Manager struct {
	tracker  *resource.Tracker
	enforcer Enforcer
	onChange NeighbourHook
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithNeighbourHook registers a hook for neighbour context updates.
func WithNeighbourHook(h NeighbourHook) Option {
	return func(m *Manager) { m.onChange = h }
}

// NewManager creates a manager. A nil enforcer is replaced by LogEnforcer.
func NewManager(tracker *resource.Tracker, enforcer Enforcer, opts ...Option) *Manager {
	if enforcer == nil {
		enforcer = LogEnforcer{}
	}
	m := &Manager{
		tracker:  tracker,
		enforcer: enforcer,
		logger:   slog.With("component", "isolation"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckAndEnforce computes the observed distance between alloc and every
// other live allocation on its device, updates both sides' contexts and
// requests enforcement.
//
// A mandatory requirement that is not met, or whose enforcement fails,
// returns an allocation error wrapping ErrViolation. A best-effort shortfall
// marks the context degraded and returns no error.
func (m *Manager) CheckAndEnforce(ctx context.Context, alloc resource.Allocation) (resource.IsolationContext, error) {
	iso := alloc.Isolation
	graph, err := m.tracker.Graph(alloc.DeviceID)
	if err != nil {
		return iso, err
	}

	dist := graph.DistanceFrom(alloc.Slots)
	occupied := map[int]bool{}
	for _, s := range alloc.Slots {
		occupied[s] = true
	}

	observed := resource.Unreachable
	for _, other := range m.tracker.Active(alloc.DeviceID) {
		if other.ID == alloc.ID {
			continue
		}
		for _, s := range other.Slots {
			occupied[s] = true
		}

		d := nearest(dist, other.Slots)
		observed = closer(observed, d)
		m.updateNeighbour(other, d)
	}

	iso.Observed = observed
	iso.Checked = true
	iso.Violated = violates(iso.MinDistance, observed)
	iso.Degraded = iso.Violated && !iso.Mandatory

	if iso.Violated && iso.Mandatory {
		m.tracker.SetIsolation(alloc, iso)
		return iso, apperrors.Allocation(ErrViolation.Error(),
			fmt.Errorf("%w: observed distance %d, required %d", ErrViolation, observed, iso.MinDistance))
	}
	if iso.Degraded {
		m.logger.Warn("Isolation degraded", "jobId", alloc.JobID, "deviceId", alloc.DeviceID,
			"observed", observed, "required", iso.MinDistance)
	}

	if iso.MinDistance > 1 {
		req := Request{
			DeviceID:    alloc.DeviceID,
			JobID:       alloc.JobID,
			Slots:       slices.Clone(alloc.Slots),
			MinDistance: iso.MinDistance,
			Mandatory:   iso.Mandatory,
		}
		for _, s := range graph.Within(alloc.Slots, iso.MinDistance-1) {
			if !occupied[s] {
				req.Guard = append(req.Guard, s)
			}
		}

		if err := m.enforcer.Isolate(ctx, req); err != nil {
			if iso.Mandatory {
				m.tracker.SetIsolation(alloc, iso)
				return iso, apperrors.Allocation("isolation enforcement failed", fmt.Errorf("%w: %w", ErrViolation, err))
			}
			iso.Degraded = true
			m.logger.Warn("Isolation enforcement failed", "jobId", alloc.JobID, "error", err)
		}
	}

	m.tracker.SetIsolation(alloc, iso)
	return iso, nil
}

// updateNeighbour folds the new distance d into other's context.
func (m *Manager) updateNeighbour(other resource.Allocation, d int) {
	iso := other.Isolation
	obs := closer(iso.Observed, d)
	if obs == iso.Observed {
		return
	}
	iso.Observed = obs
	if violates(iso.MinDistance, obs) {
		iso.Violated = true
		if !iso.Mandatory {
			iso.Degraded = true
		}
	}
	if !m.tracker.SetIsolation(other, iso) {
		return
	}
	if iso.Violated && !other.Isolation.Violated {
		m.logger.Warn("Neighbour isolation degraded", "jobId", other.JobID, "deviceId", other.DeviceID,
			"observed", obs, "required", iso.MinDistance)
	}
	if m.onChange != nil {
		other.Isolation = iso
		m.onChange(other)
	}
}

func nearest(dist []int, slots []int) int {
	best := resource.Unreachable
	for _, s := range slots {
		best = closer(best, dist[s])
	}
	return best
}

// closer returns the smaller reachable distance.
func closer(a, b int) int {
	switch {
	case a == resource.Unreachable:
		return b
	case b == resource.Unreachable:
		return a
	default:
		return min(a, b)
	}
}

func violates(required, observed int) bool {
	return required > 0 && observed != resource.Unreachable && observed < required
}
