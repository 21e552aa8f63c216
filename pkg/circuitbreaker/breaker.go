// Package circuitbreaker implements the circuit breaker pattern.
//
// A circuit breaker prevents cascading failures by tracking consecutive failures
// and temporarily blocking requests to failing services.
//
// States:
//   - Closed: Normal operation, requests allowed
//   - Open: Too many failures, requests blocked
//   - HalfOpen: Testing if service recovered, one probe request allowed
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do when the breaker rejects a request.
var ErrOpen = errors.New("circuit breaker open")

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, requests allowed
	Open                  // Failing, requests blocked
	HalfOpen              // Testing if recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker implements the circuit breaker pattern for a single resource.
type Breaker struct {
	mu          sync.Mutex
	name        string
	state       State
	failures    int  // consecutive failures
	probing     bool // a half-open probe is in flight
	threshold   int
	lastFailure time.Time
	cooldown    time.Duration
	onChange    func(name string, from, to State)
	now         func() time.Time
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // Failures before circuit opens (default: 5)
	Cooldown  time.Duration // Time before half-open (default: 30s)

	// OnStateChange is invoked outside the breaker lock after a transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	return newNamed("", cfg)
}

func newNamed(name string, cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		state:     Closed,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		onChange:  cfg.OnStateChange,
		now:       time.Now,
	}
}

// Allow reports whether a request should be attempted. In the half-open
// state only one caller is let through until it records an outcome.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := true

	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailure) >= b.cooldown {
			b.state = HalfOpen
			b.probing = true
		} else {
			allowed = false
		}
	case HalfOpen:
		if b.probing {
			allowed = false
		} else {
			b.probing = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.probing = false
	b.state = Closed
	b.mu.Unlock()

	b.notify(from, Closed)
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.lastFailure = b.now()
	b.probing = false

	if b.state == HalfOpen || b.failures >= b.threshold {
		b.state = Open
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// Do runs fn when the breaker allows it and records the outcome. Errors for
// which countable returns false are passed through without being counted as
// failures; a nil countable counts every error.
func (b *Breaker) Do(fn func() error, countable func(error) bool) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	switch {
	case err == nil:
		b.RecordSuccess()
	case countable == nil || countable(err):
		b.RecordFailure()
	default:
		// Not a health signal; release a half-open probe without changing state.
		b.mu.Lock()
		b.probing = false
		b.mu.Unlock()
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset resets the breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()

	b.notify(from, Closed)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
