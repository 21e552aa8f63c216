// Package backoff provides exponential backoff calculation and a bounded
// retry loop built on it.
package backoff

import (
	"context"
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial    time.Duration // default: 100ms
	Max        time.Duration // default: 5s
	Multiplier float64       // default: 2
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*multiplier, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	multiplier := 2.0
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
		if cfg.Multiplier > 1 {
			multiplier = cfg.Multiplier
		}
	}

	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

func (c Config) ceiling() time.Duration {
	if c.Max > 0 {
		return c.Max
	}
	return 5 * time.Second
}

// Policy bounds a retry loop.
type Policy struct {
	Config
	MaxAttempts int // total attempts including the first (default: 3)

	// Delay overrides the computed wait when it returns true, for example
	// with a server's Retry-After. The result is capped at Max. Optional.
	Delay func(err error) (time.Duration, bool)

	// OnRetry is called before sleeping between attempts. Optional.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Retry calls fn until it succeeds, returns an error that retryable rejects,
// or the attempt budget is spent. It returns the number of attempts made and
// the last error. If ctx is done while waiting, ctx.Err() is returned.
// A nil retryable treats every error as retryable.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return attempt, nil
		}
		if retryable != nil && !retryable(err) {
			return attempt, err
		}
		if attempt == maxAttempts {
			return attempt, err
		}

		wait := Exponential(attempt, &p.Config)
		if p.Delay != nil {
			if d, ok := p.Delay(err); ok {
				wait = min(d, p.ceiling())
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return maxAttempts, err
}
