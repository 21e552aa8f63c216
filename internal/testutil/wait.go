// Package testutil holds polling helpers for tests that wait on pipeline
// goroutines.
package testutil

import (
	"fmt"
	"testing"
	"time"
)

const (
	defaultTimeout  = 5 * time.Second
	defaultInterval = 5 * time.Millisecond
)

type waitConfig struct {
	timeout  time.Duration
	interval time.Duration
	what     string
}

// WaitOption adjusts a single wait.
type WaitOption func(*waitConfig)

// WithTimeout bounds the wait (default 5s).
func WithTimeout(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.timeout = d }
}

// WithInterval sets the poll period (default 5ms).
func WithInterval(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.interval = d }
}

// Describe names the awaited condition in the failure message.
func Describe(format string, args ...any) WaitOption {
	return func(c *waitConfig) { c.what = fmt.Sprintf(format, args...) }
}

func newWaitConfig(opts []WaitOption) waitConfig {
	c := waitConfig{timeout: defaultTimeout, interval: defaultInterval, what: "condition"}
	for _, opt := range opts {
		opt(&c)
	}
	if c.interval <= 0 {
		c.interval = defaultInterval
	}
	return c
}

// WaitFor polls condition until it holds or the timeout passes. The
// condition is always evaluated at least once.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	return poll(newWaitConfig(opts), condition)
}

func poll(c waitConfig, condition func() bool) bool {
	if condition() {
		return true
	}
	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.interval)
	defer tick.Stop()

	for {
		select {
		case <-deadline.C:
			return condition()
		case <-tick.C:
			if condition() {
				return true
			}
		}
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	c := newWaitConfig(opts)
	if !poll(c, condition) {
		tb.Fatalf("timed out after %v waiting for %s", c.timeout, c.what)
	}
}

// MustWaitForValue polls get until it returns want and returns the match.
// On timeout the test fails with the last value seen.
func MustWaitForValue[T comparable](tb testing.TB, get func() T, want T, opts ...WaitOption) T {
	tb.Helper()
	c := newWaitConfig(opts)
	var last T
	if !poll(c, func() bool {
		last = get()
		return last == want
	}) {
		tb.Fatalf("timed out after %v waiting for %s to be %v (last: %v)", c.timeout, c.what, want, last)
	}
	return last
}
