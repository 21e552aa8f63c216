package scheduler

import (
	"qkernel/internal/config"
	"time"
)

const (
	defaultWorkers               = 4
	defaultTick                  = 500 * time.Millisecond
	defaultMaxWaitHigh           = time.Minute
	defaultMaxWaitNormal         = 5 * time.Minute
	defaultMaxWaitLow            = 15 * time.Minute
	defaultCompileMaxAttempts    = 3
	defaultExecuteMaxAttempts    = 3
	defaultExecuteInitialBackoff = 200 * time.Millisecond
	defaultExecuteMaxBackoff     = 5 * time.Second
	defaultRetention             = time.Hour
	defaultSweepInterval         = time.Minute
	defaultErrorArtifactTimeout  = 5 * time.Second
)

// Priority tiers for the allocation wait budget.
const (
	highPriority   = 7 // and above
	normalPriority = 3 // up to highPriority-1
)

// Config holds scheduler configuration.
type Config struct {
	Workers int           // goroutines running validate and compile (default: 4)
	Tick    time.Duration // allocation retry interval (default: 500ms)

	// Longest time a job may wait for capacity, by priority tier.
	MaxWaitHigh   time.Duration // priority >= 7 (default: 1m)
	MaxWaitNormal time.Duration // priority 3..6 (default: 5m)
	MaxWaitLow    time.Duration // priority <= 2 (default: 15m)

	// AgingPerMinute is the priority credit a job earns per minute of
	// waiting. Zero keeps strict priority order.
	AgingPerMinute float64

	CompileMaxAttempts    int           // total compile attempts on transient errors (default: 3)
	ExecuteMaxAttempts    int           // total execute attempts on transient errors (default: 3)
	ExecuteInitialBackoff time.Duration // default: 200ms
	ExecuteMaxBackoff     time.Duration // default: 5s

	Retention     time.Duration // how long terminal records are kept (default: 1h)
	SweepInterval time.Duration // default: 1m
}

// LoadConfigFromEnv loads scheduler configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Workers:               config.GetIntEnv("SCHEDULER_WORKERS", defaultWorkers),
		Tick:                  config.GetDurationEnv("SCHEDULER_TICK", defaultTick),
		MaxWaitHigh:           config.GetDurationEnv("SCHEDULER_MAX_WAIT_HIGH", defaultMaxWaitHigh),
		MaxWaitNormal:         config.GetDurationEnv("SCHEDULER_MAX_WAIT_NORMAL", defaultMaxWaitNormal),
		MaxWaitLow:            config.GetDurationEnv("SCHEDULER_MAX_WAIT_LOW", defaultMaxWaitLow),
		AgingPerMinute:        config.GetFloatEnv("SCHEDULER_AGING_PER_MINUTE", 0),
		CompileMaxAttempts:    config.GetIntEnv("SCHEDULER_COMPILE_MAX_ATTEMPTS", defaultCompileMaxAttempts),
		ExecuteMaxAttempts:    config.GetIntEnv("SCHEDULER_EXECUTE_MAX_ATTEMPTS", defaultExecuteMaxAttempts),
		ExecuteInitialBackoff: config.GetDurationEnv("SCHEDULER_EXECUTE_INITIAL_BACKOFF", defaultExecuteInitialBackoff),
		ExecuteMaxBackoff:     config.GetDurationEnv("SCHEDULER_EXECUTE_MAX_BACKOFF", defaultExecuteMaxBackoff),
		Retention:             config.GetDurationEnv("JOB_RETENTION", defaultRetention),
		SweepInterval:         config.GetDurationEnv("JOB_SWEEP_INTERVAL", defaultSweepInterval),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	if c.MaxWaitHigh <= 0 {
		c.MaxWaitHigh = defaultMaxWaitHigh
	}
	if c.MaxWaitNormal <= 0 {
		c.MaxWaitNormal = defaultMaxWaitNormal
	}
	if c.MaxWaitLow <= 0 {
		c.MaxWaitLow = defaultMaxWaitLow
	}
	if c.AgingPerMinute < 0 {
		c.AgingPerMinute = 0
	}
	if c.CompileMaxAttempts <= 0 {
		c.CompileMaxAttempts = defaultCompileMaxAttempts
	}
	if c.ExecuteMaxAttempts <= 0 {
		c.ExecuteMaxAttempts = defaultExecuteMaxAttempts
	}
	if c.ExecuteInitialBackoff <= 0 {
		c.ExecuteInitialBackoff = defaultExecuteInitialBackoff
	}
	if c.ExecuteMaxBackoff <= 0 {
		c.ExecuteMaxBackoff = defaultExecuteMaxBackoff
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	return c
}

// maxWait returns how long a job of the given priority may wait for
// capacity.
func (c Config) maxWait(priority int) time.Duration {
	switch {
	case priority >= highPriority:
		return c.MaxWaitHigh
	case priority >= normalPriority:
		return c.MaxWaitNormal
	default:
		return c.MaxWaitLow
	}
}

// Tier names a priority tier for metrics.
func Tier(priority int) string {
	switch {
	case priority >= highPriority:
		return "high"
	case priority >= normalPriority:
		return "normal"
	default:
		return "low"
	}
}
