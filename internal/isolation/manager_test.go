package isolation

import (
	"context"
	"errors"
	"qkernel/internal/apperrors"
	"qkernel/internal/resource"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingEnforcer struct {
	mu   sync.Mutex
	reqs []Request
	err  error
}

func (e *recordingEnforcer) Isolate(_ context.Context, req Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqs = append(e.reqs, req)
	return e.err
}

func setup(t *testing.T, slots int) (*resource.Tracker, *resource.Allocator) {
	t.Helper()
	tr, err := resource.NewTracker(resource.Device{ID: "chain", Slots: slots, Edges: resource.LinearEdges(slots)})
	require.NoError(t, err)
	return tr, resource.NewAllocator(tr)
}

func TestCheckAndEnforce_NoNeighbours(t *testing.T) {
	t.Parallel()
	tr, a := setup(t, 4)
	m := NewManager(tr, nil)

	alloc, err := a.Allocate("job", "chain", resource.Requirement{Slots: 2, Isolation: resource.IsolationRequirement{MinDistance: 2, Mandatory: true}})
	require.NoError(t, err)

	iso, err := m.CheckAndEnforce(context.Background(), alloc)
	require.NoError(t, err)
	require.Equal(t, resource.Unreachable, iso.Observed)
	require.True(t, iso.Checked)
	require.False(t, iso.Violated)
	require.False(t, iso.Degraded)
}

func TestCheckAndEnforce_DegradesBestEffortNeighbour(t *testing.T) {
	t.Parallel()
	tr, a := setup(t, 4)

	var (
		mu      sync.Mutex
		changed []resource.Allocation
	)
	m := NewManager(tr, nil, WithNeighbourHook(func(al resource.Allocation) {
		mu.Lock()
		defer mu.Unlock()
		changed = append(changed, al)
	}))

	first, err := a.Allocate("first", "chain", resource.Requirement{Slots: 2, Topology: resource.TopologyLinear, Isolation: resource.IsolationRequirement{MinDistance: 3}})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, first.Slots)
	_, err = m.CheckAndEnforce(context.Background(), first)
	require.NoError(t, err)

	second, err := a.Allocate("second", "chain", resource.Requirement{Slots: 1})
	require.NoError(t, err)
	require.Equal(t, []int{3}, second.Slots)

	iso, err := m.CheckAndEnforce(context.Background(), second)
	require.NoError(t, err)
	require.Equal(t, 2, iso.Observed)
	require.False(t, iso.Degraded, "the newcomer asked for no distance")

	require.Len(t, changed, 1)
	require.Equal(t, "first", changed[0].JobID)
	require.True(t, changed[0].Isolation.Violated)
	require.True(t, changed[0].Isolation.Degraded)
	require.Equal(t, 2, changed[0].Isolation.Observed)

	live, ok := tr.Lookup("chain", "first")
	require.True(t, ok)
	require.True(t, live.Isolation.Degraded)
}

func TestCheckAndEnforce_MandatoryViolation(t *testing.T) {
	t.Parallel()
	tr, a := setup(t, 4)
	m := NewManager(tr, nil)

	_, err := a.Allocate("first", "chain", resource.Requirement{Slots: 1})
	require.NoError(t, err)
	second, err := a.Allocate("second", "chain", resource.Requirement{Slots: 1})
	require.NoError(t, err)
	require.Equal(t, []int{3}, second.Slots)

	// Tighten the requirement after placement, as a racing placement would.
	second.Isolation.MinDistance = 4
	second.Isolation.Mandatory = true
	require.True(t, tr.SetIsolation(second, second.Isolation))

	iso, err := m.CheckAndEnforce(context.Background(), second)
	require.ErrorIs(t, err, ErrViolation)
	require.ErrorIs(t, err, apperrors.ErrAllocation)
	require.Equal(t, apperrors.KindAllocation, apperrors.KindOf(err))
	require.True(t, iso.Violated)
	require.Equal(t, 3, iso.Observed)
}

func TestCheckAndEnforce_GuardBand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		mandatory    bool
		enforceErr   error
		wantErr      bool
		wantDegraded bool
	}{
		{"mandatory ok", true, nil, false, false},
		{"mandatory enforcement failure", true, errors.New("driver offline"), true, false},
		{"best effort enforcement failure", false, errors.New("driver offline"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr, a := setup(t, 6)
			enf := &recordingEnforcer{err: tt.enforceErr}
			m := NewManager(tr, enf)

			_, err := a.Allocate("first", "chain", resource.Requirement{Slots: 1})
			require.NoError(t, err)
			alloc, err := a.Allocate("second", "chain", resource.Requirement{
				Slots:     1,
				Isolation: resource.IsolationRequirement{MinDistance: 2, Mandatory: tt.mandatory},
			})
			require.NoError(t, err)
			require.Equal(t, []int{5}, alloc.Slots)

			iso, err := m.CheckAndEnforce(context.Background(), alloc)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrViolation)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.wantDegraded, iso.Degraded)

			require.Len(t, enf.reqs, 1)
			require.Equal(t, Request{
				DeviceID:    "chain",
				JobID:       "second",
				Slots:       []int{5},
				Guard:       []int{4},
				MinDistance: 2,
				Mandatory:   tt.mandatory,
			}, enf.reqs[0])
		})
	}
}
