package fabric

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"qkernel/internal/apperrors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// flakyStore fails the first n Puts with a transient error.
type flakyStore struct {
	*MemoryStore
	failures atomic.Int32
	puts     atomic.Int32
}

func (s *flakyStore) Put(ctx context.Context, key string, data []byte, format string) error {
	s.puts.Add(1)
	if s.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return s.MemoryStore.Put(ctx, key, data, format)
}

type retryCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *retryCounter) RecordPersistRetry(_ context.Context, artifact string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[artifact]++
}

var fastRetry = CoordinatorConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

func TestKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		jobID, name, want string
		wantErr           bool
	}{
		{"job-1", Input, "jobs/job-1/input/program", false},
		{"job-1", Compiled, "jobs/job-1/compiled/circuit", false},
		{"job-1", Results, "jobs/job-1/results/counts.json", false},
		{"job-1", Meta, "jobs/job-1/meta.json", false},
		{"job-1", Error, "jobs/job-1/results/error.json", false},
		{"job-1", "logs", "", true},
		{"../x", Input, "", true},
		{"a/b", Input, "", true},
		{"", Input, "", true},
	}
	for _, tt := range tests {
		got, err := Key(tt.jobID, tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("Key(%q, %q) error = %v, wantErr %v", tt.jobID, tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Key(%q, %q) = %q, want %q", tt.jobID, tt.name, got, tt.want)
		}
		if tt.wantErr && !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("Key(%q, %q) error = %v, want validation", tt.jobID, tt.name, err)
		}
	}
}

func TestCoordinator_PutIsIdempotent(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(NewMemoryStore(), fastRetry, nil)
	ctx := context.Background()

	h, err := c.Put(ctx, "job-1", Results, []byte(`{"00":3}`), "json")
	require.NoError(t, err)
	sum := sha256.Sum256([]byte(`{"00":3}`))
	require.Equal(t, Handle{
		Key:    "jobs/job-1/results/counts.json",
		Name:   Results,
		Format: "json",
		Size:   8,
		Digest: hex.EncodeToString(sum[:]),
	}, h)

	again, err := c.Put(ctx, "job-1", Results, []byte(`{"00":3}`), "json")
	require.NoError(t, err)
	require.Equal(t, h, again)

	_, err = c.Put(ctx, "job-1", Results, []byte(`{"11":3}`), "json")
	require.ErrorIs(t, err, ErrExists)
	require.ErrorIs(t, err, apperrors.ErrConflict)

	data, format, err := c.Get(ctx, "job-1", Results)
	require.NoError(t, err)
	require.Equal(t, `{"00":3}`, string(data))
	require.Equal(t, "json", format)
}

func TestCoordinator_RetriesTransientFailures(t *testing.T) {
	t.Parallel()
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(2)
	metrics := &retryCounter{}
	c := NewCoordinator(store, fastRetry, metrics)

	_, err := c.Put(context.Background(), "job-1", Meta, []byte("{}"), "json")
	require.NoError(t, err)
	require.Equal(t, int32(3), store.puts.Load())
	require.Equal(t, 2, metrics.counts[Meta])
}

func TestCoordinator_GivesUpAfterBudget(t *testing.T) {
	t.Parallel()
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(10)
	c := NewCoordinator(store, fastRetry, nil)

	_, err := c.Put(context.Background(), "job-1", Meta, []byte("{}"), "json")
	require.Error(t, err)
	require.Equal(t, int32(3), store.puts.Load())
}

func TestCoordinator_PutAllAndList(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(NewMemoryStore(), fastRetry, nil)
	ctx := context.Background()

	handles, err := c.PutAll(ctx, "job-1",
		Artifact{Name: Results, Data: []byte("{}"), Format: "json"},
		Artifact{Name: Meta, Data: []byte(`{"a":1}`), Format: "json"},
	)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	require.Equal(t, Results, handles[0].Name)
	require.Equal(t, Meta, handles[1].Name)

	_, err = c.Put(ctx, "job-2", Input, []byte("x"), "eigen")
	require.NoError(t, err)

	names, err := c.List(ctx, "job-1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{Results, Meta}, names)

	_, err = c.PutAll(ctx, "job-1", Artifact{Name: "bogus", Data: []byte("x")})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCoordinator_GetMissing(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(NewMemoryStore(), fastRetry, nil)
	_, _, err := c.Get(context.Background(), "job-1", Compiled)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

// stallingStore blocks the first n Puts until their context ends.
type stallingStore struct {
	*MemoryStore
	stalls atomic.Int32
	puts   atomic.Int32
}

func (s *stallingStore) Put(ctx context.Context, key string, data []byte, format string) error {
	s.puts.Add(1)
	if s.stalls.Add(-1) >= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.MemoryStore.Put(ctx, key, data, format)
}

func TestCoordinator_StalledCallIsBoundedAndRetried(t *testing.T) {
	t.Parallel()
	store := &stallingStore{MemoryStore: NewMemoryStore()}
	store.stalls.Store(1)
	cfg := fastRetry
	cfg.CallTimeout = 20 * time.Millisecond
	c := NewCoordinator(store, cfg, nil)

	start := time.Now()
	_, err := c.Put(context.Background(), "job-1", Results, []byte("{}"), "json")
	require.NoError(t, err)
	require.Equal(t, int32(2), store.puts.Load())
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestCoordinator_StalledStoreGivesUp(t *testing.T) {
	t.Parallel()
	store := &stallingStore{MemoryStore: NewMemoryStore()}
	store.stalls.Store(10)
	cfg := fastRetry
	cfg.CallTimeout = 5 * time.Millisecond
	c := NewCoordinator(store, cfg, nil)

	_, err := c.Put(context.Background(), "job-1", Meta, []byte("{}"), "json")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, int32(3), store.puts.Load())
}

func TestCoordinator_ExpiredParentIsNotRetried(t *testing.T) {
	t.Parallel()
	store := &stallingStore{MemoryStore: NewMemoryStore()}
	store.stalls.Store(10)
	c := NewCoordinator(store, fastRetry, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Put(ctx, "job-1", Meta, []byte("{}"), "json")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, int32(1), store.puts.Load())
}
