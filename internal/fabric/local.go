package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const sidecarSuffix = ".meta.json"

type sidecar struct {
	Format string `json:"format"`
}

// LocalStore keeps artifacts under a root directory. Writes go to a
// temporary file that is renamed into place, so readers never see partial
// content.
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("fabric root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create fabric root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *LocalStore) Put(ctx context.Context, key string, data []byte, format string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := s.path(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dest); err == nil {
		return ErrExists
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	meta, err := json.Marshal(sidecar{Format: format})
	if err != nil {
		return err
	}
	if err := writeAtomic(dir, dest+sidecarSuffix, meta); err != nil {
		return err
	}

	tmp, err := writeTemp(dir, data)
	if err != nil {
		return err
	}
	// Link fails if dest appeared concurrently; rename would replace it.
	if err := os.Link(tmp, dest); err != nil {
		os.Remove(tmp)
		if errors.Is(err, fs.ErrExist) {
			return ErrExists
		}
		return fmt.Errorf("failed to publish artifact: %w", err)
	}
	os.Remove(tmp)

	slog.Debug("Wrote artifact", "bytes", len(data), "path", dest)
	return nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	src, err := s.path(key)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read artifact: %w", err)
	}

	var meta sidecar
	if raw, err := os.ReadFile(src + sidecarSuffix); err == nil {
		_ = json.Unmarshal(raw, &meta)
	}
	return data, meta.Format, nil
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, sidecarSuffix) || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	slices.Sort(keys)
	return keys, nil
}

// Ping checks the root is a writable directory.
func (s *LocalStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.CreateTemp(s.root, ".tmp-ping-")
	if err != nil {
		return fmt.Errorf("fabric root not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

func writeTemp(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func writeAtomic(dir, dest string, data []byte) error {
	tmp, err := writeTemp(dir, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// validateKey rejects absolute keys and traversal.
func validateKey(key string) error {
	if key == "" {
		return errors.New("key is required")
	}
	if strings.HasPrefix(key, "/") || filepath.IsAbs(key) {
		return errors.New("key must be relative, not absolute")
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid key segment in %q", key)
		}
	}
	return nil
}
