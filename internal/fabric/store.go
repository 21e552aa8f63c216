// Package fabric persists pipeline artifacts for jobs.
//
// A Store is a flat, write-once key/value store. The Coordinator maps
// artifact names onto keys of the form jobs/{job_id}/..., retries transient
// failures and turns a repeated identical write into a no-op.
package fabric

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrExists is returned by Store.Put when the key is already written.
	ErrExists = errors.New("artifact already exists")
	// ErrNotFound is returned by Store.Get for a missing key.
	ErrNotFound = errors.New("artifact not found")
)

// Store is an artifact backend. Put must fail with ErrExists rather than
// overwrite.
type Store interface {
	Put(ctx context.Context, key string, data []byte, format string) error
	Get(ctx context.Context, key string) ([]byte, string, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
}

type memoryObject struct {
	data   []byte
	format string
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, format string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		return ErrExists
	}
	s.objects[key] = memoryObject{data: slices.Clone(data), format: format}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	return slices.Clone(obj.data), obj.format, nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
