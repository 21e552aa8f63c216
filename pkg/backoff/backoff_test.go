package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponential_Defaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{6, 3200 * time.Millisecond},
		{7, 5 * time.Second}, // capped at max
	}

	for _, tt := range tests {
		got := Exponential(tt.attempt, nil)
		if got != tt.want {
			t.Errorf("Exponential(%d, nil) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CustomConfig(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Initial:    10 * time.Millisecond,
		Max:        500 * time.Millisecond,
		Multiplier: 3,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 30 * time.Millisecond},
		{3, 90 * time.Millisecond},
		{4, 270 * time.Millisecond},
		{5, 500 * time.Millisecond}, // capped at max
	}

	for _, tt := range tests {
		got := Exponential(tt.attempt, cfg)
		if got != tt.want {
			t.Errorf("Exponential(%d, cfg) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

var errTransient = errors.New("transient")

func fastPolicy(attempts int) Policy {
	return Policy{
		Config:      Config{Initial: time.Millisecond, Max: 2 * time.Millisecond},
		MaxAttempts: attempts,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	var retried []int
	p := fastPolicy(5)
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		retried = append(retried, attempt)
	}

	attempts, err := Retry(context.Background(), p, nil, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("Retry() attempts = %d, calls = %d, want 3", attempts, calls)
	}
	if len(retried) != 2 {
		t.Errorf("OnRetry called %d times, want 2", len(retried))
	}
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	t.Parallel()

	permanent := errors.New("permanent")
	attempts, err := Retry(context.Background(), fastPolicy(5),
		func(err error) bool { return errors.Is(err, errTransient) },
		func(ctx context.Context, attempt int) error { return permanent },
	)
	if !errors.Is(err, permanent) {
		t.Fatalf("Retry() error = %v, want permanent", err)
	}
	if attempts != 1 {
		t.Errorf("Retry() attempts = %d, want 1", attempts)
	}
}

func TestRetry_ExhaustsBudget(t *testing.T) {
	t.Parallel()

	attempts, err := Retry(context.Background(), fastPolicy(3), nil, func(ctx context.Context, attempt int) error {
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("Retry() error = %v, want transient", err)
	}
	if attempts != 3 {
		t.Errorf("Retry() attempts = %d, want 3", attempts)
	}
}

func TestRetry_ContextCancelledDuringWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Config: Config{Initial: time.Hour, Max: time.Hour}, MaxAttempts: 3}

	attempts, err := Retry(ctx, p, nil, func(ctx context.Context, attempt int) error {
		cancel()
		return errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry() error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("Retry() attempts = %d, want 1", attempts)
	}
}

func TestRetry_DelayOverride(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		max   time.Duration
		delay time.Duration
		want  time.Duration
	}{
		{"server delay used", time.Second, time.Millisecond, time.Millisecond},
		{"capped at max", 2 * time.Millisecond, time.Hour, 2 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var waits []time.Duration
			p := Policy{
				Config:      Config{Initial: time.Hour, Max: tt.max},
				MaxAttempts: 2,
				Delay:       func(error) (time.Duration, bool) { return tt.delay, true },
				OnRetry:     func(_ int, _ error, wait time.Duration) { waits = append(waits, wait) },
			}

			_, err := Retry(context.Background(), p, nil, func(ctx context.Context, attempt int) error {
				if attempt == 1 {
					return errTransient
				}
				return nil
			})
			if err != nil {
				t.Fatalf("Retry() error = %v", err)
			}
			if len(waits) != 1 || waits[0] != tt.want {
				t.Errorf("waits = %v, want [%v]", waits, tt.want)
			}
		})
	}
}
