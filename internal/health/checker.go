// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"
)

// CheckFunc reports whether one dependency can serve work.
type CheckFunc func(ctx context.Context) error

// Pinger is implemented by peers, artifact stores and event sinks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependency is one named readiness check. A failing optional dependency
// degrades readiness instead of failing it.
type Dependency struct {
	Name     string
	Check    CheckFunc
	Optional bool
}

// Ping adapts a Pinger into a required dependency.
func Ping(name string, p Pinger) Dependency {
	return Dependency{Name: name, Check: p.Ping}
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker performs health checks on dependencies.
type Checker struct {
	deps     []Dependency
	timeout  time.Duration
	cacheTTL time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a new health checker.
func NewChecker(deps ...Dependency) *Checker {
	return &Checker{
		deps:     deps,
		timeout:  5 * time.Second,
		cacheTTL: time.Second,
	}
}

// Liveness reports the process as alive. It never contacts a peer.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks every dependency concurrently under a shared timeout.
// Results are cached for a second.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	if c.cachedReady != nil && time.Since(c.lastCheck) < c.cacheTTL {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	response := c.check(ctx)

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) check(ctx context.Context) *Response {
	if len(c.deps) == 0 {
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"dependencies": {Status: StatusUnhealthy, Message: "no dependencies configured"},
			},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make([]CheckResult, len(c.deps))
	var wg sync.WaitGroup
	for i, dep := range c.deps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = run(ctx, dep)
		}()
	}
	wg.Wait()

	response := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(c.deps))}
	for i, dep := range c.deps {
		result := results[i]
		response.Checks[dep.Name] = result
		switch {
		case result.Status == StatusHealthy:
		case dep.Optional:
			if response.Status == StatusHealthy {
				response.Status = StatusDegraded
			}
		default:
			response.Status = StatusUnhealthy
		}
	}
	return response
}

func run(ctx context.Context, dep Dependency) CheckResult {
	if dep.Check == nil {
		return CheckResult{Status: StatusUnhealthy, Message: dep.Name + " not configured"}
	}
	start := time.Now()
	err := dep.Check(ctx)
	result := CheckResult{Status: StatusHealthy, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status = StatusUnhealthy
		if dep.Optional {
			result.Status = StatusDegraded
		}
		result.Message = err.Error()
	}
	return result
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady returns true unless a required dependency failed.
func (r *Response) IsReady() bool {
	return r.Status != StatusUnhealthy
}

// SetShuttingDown makes every later readiness check fail.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
