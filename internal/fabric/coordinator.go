package fabric

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"qkernel/internal/apperrors"
	"qkernel/pkg/backoff"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Canonical artifact names.
const (
	Input    = "input"
	Compiled = "compiled"
	Results  = "results"
	Meta     = "meta"
	Error    = "error"
)

// layout maps artifact names to paths below jobs/{job_id}/.
var layout = map[string]string{
	Input:    "input/program",
	Compiled: "compiled/circuit",
	Results:  "results/counts.json",
	Meta:     "meta.json",
	Error:    "results/error.json",
}

var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

// Handle describes a persisted artifact.
type Handle struct {
	Key    string
	Name   string
	Format string
	Size   int64
	Digest string // hex sha256
}

// Artifact is one named payload to persist.
type Artifact struct {
	Name   string
	Data   []byte
	Format string
}

// MetricsRecorder is an optional interface for recording fabric metrics.
type MetricsRecorder interface {
	RecordPersistRetry(ctx context.Context, artifact string)
}

// CoordinatorConfig bounds the retry loop around store writes and the
// deadline of every single store call.
type CoordinatorConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration // per store call (default: 10s)
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 50 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// Coordinator writes and reads job artifacts through a Store.
type Coordinator struct {
	store   Store
	config  CoordinatorConfig
	metrics MetricsRecorder
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewCoordinator wraps store. metrics may be nil.
func NewCoordinator(store Store, cfg CoordinatorConfig, metrics MetricsRecorder) *Coordinator {
	return &Coordinator{
		store:   store,
		config:  cfg.withDefaults(),
		metrics: metrics,
		tracer:  otel.Tracer("qkernel/fabric"),
		logger:  slog.With("component", "fabric"),
	}
}

// Key returns the store key of a job artifact.
func Key(jobID, name string) (string, error) {
	if !jobIDPattern.MatchString(jobID) {
		return "", apperrors.Validation("job_id", fmt.Sprintf("invalid job id %q", jobID))
	}
	rel, ok := layout[name]
	if !ok {
		return "", apperrors.Validation("name", fmt.Sprintf("unknown artifact %q", name))
	}
	return path.Join("jobs", jobID, rel), nil
}

// Put persists an artifact. Writing the same bytes again returns the
// existing handle; different bytes are a conflict.
func (c *Coordinator) Put(ctx context.Context, jobID, name string, data []byte, format string) (Handle, error) {
	key, err := Key(jobID, name)
	if err != nil {
		return Handle{}, err
	}

	ctx, span := c.tracer.Start(ctx, "fabric.Put", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("artifact", name),
		attribute.Int("bytes", len(data)),
	))
	defer span.End()

	policy := backoff.Policy{
		Config:      backoff.Config{Initial: c.config.InitialBackoff, Max: c.config.MaxBackoff},
		MaxAttempts: c.config.MaxAttempts,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			c.logger.Warn("Artifact write failed, retrying",
				"jobId", jobID, "artifact", name, "attempt", attempt, "wait", wait, "error", err)
			if c.metrics != nil {
				c.metrics.RecordPersistRetry(ctx, name)
			}
		},
	}

	_, err = backoff.Retry(ctx, policy, retryableFor(ctx), func(ctx context.Context, _ int) error {
		callCtx, cancel := c.call(ctx)
		defer cancel()
		return c.store.Put(callCtx, key, data, format)
	})
	if errors.Is(err, ErrExists) {
		err = c.compareExisting(ctx, jobID, name, key, data)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Handle{}, err
	}

	sum := sha256.Sum256(data)
	return Handle{
		Key:    key,
		Name:   name,
		Format: format,
		Size:   int64(len(data)),
		Digest: hex.EncodeToString(sum[:]),
	}, nil
}

// call bounds one store round trip.
func (c *Coordinator) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.config.CallTimeout)
}

func (c *Coordinator) compareExisting(ctx context.Context, jobID, name, key string, data []byte) error {
	ctx, cancel := c.call(ctx)
	defer cancel()
	existing, _, err := c.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("reading existing %s: %w", name, err)
	}
	if bytes.Equal(existing, data) {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrExists, apperrors.Conflict("artifact", key, fmt.Sprintf("%s for job %s already written with different content", name, jobID)))
}

// PutAll persists several artifacts concurrently. Handles are returned in
// input order.
func (c *Coordinator) PutAll(ctx context.Context, jobID string, artifacts ...Artifact) ([]Handle, error) {
	handles := make([]Handle, len(artifacts))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range artifacts {
		g.Go(func() error {
			h, err := c.Put(gctx, jobID, a.Name, a.Data, a.Format)
			if err != nil {
				return fmt.Errorf("%s: %w", a.Name, err)
			}
			handles[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return handles, nil
}

// Get reads an artifact and its format tag.
func (c *Coordinator) Get(ctx context.Context, jobID, name string) ([]byte, string, error) {
	key, err := Key(jobID, name)
	if err != nil {
		return nil, "", err
	}
	ctx, cancel := c.call(ctx)
	defer cancel()
	data, format, err := c.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, "", apperrors.NotFound("artifact", key)
	}
	return data, format, err
}

// List returns the artifact names written for a job.
func (c *Coordinator) List(ctx context.Context, jobID string) ([]string, error) {
	if !jobIDPattern.MatchString(jobID) {
		return nil, apperrors.Validation("job_id", fmt.Sprintf("invalid job id %q", jobID))
	}
	prefix := path.Join("jobs", jobID) + "/"
	ctx, cancel := c.call(ctx)
	defer cancel()
	keys, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]string, len(layout))
	for name, rel := range layout {
		byPath[rel] = name
	}
	var names []string
	for _, k := range keys {
		if name, ok := byPath[strings.TrimPrefix(k, prefix)]; ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// Ping checks the backing store.
func (c *Coordinator) Ping(ctx context.Context) error {
	ctx, cancel := c.call(ctx)
	defer cancel()
	return c.store.Ping(ctx)
}

// retryableFor retries transient store failures, including a call that hit
// its own deadline, as long as parent is still live.
func retryableFor(parent context.Context) func(error) bool {
	return func(err error) bool {
		if parent.Err() != nil {
			return false
		}
		return !errors.Is(err, ErrExists) &&
			!errors.Is(err, apperrors.ErrValidation) &&
			!errors.Is(err, context.Canceled)
	}
}
