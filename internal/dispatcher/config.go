package dispatcher

import (
	"qkernel/internal/config"
	"time"
)

const (
	defaultBufferSize       = 10000
	defaultWorkers          = 10
	defaultHTTPTimeout      = 10 * time.Second
	defaultMaxRetries       = 3
	defaultInitialBackoff   = 100 * time.Millisecond
	defaultMaxBackoff       = 5 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int           // pending events buffer, split across workers (default: 10000)
	Workers     int           // concurrent delivery goroutines (default: 10)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	MaxRetries  int           // retries after the first attempt (default: 3, negative for none)

	BreakerThreshold int           // failed deliveries before a host's breaker opens (default: 5)
	BreakerCooldown  time.Duration // time before a requeued event is retried (default: 30s)
	Source           string        // CloudEvents source attribute (default: qkernel)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:       config.GetIntEnv("DISPATCHER_BUFFER_SIZE", defaultBufferSize),
		Workers:          config.GetIntEnv("DISPATCHER_WORKERS", defaultWorkers),
		HTTPTimeout:      config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", defaultHTTPTimeout),
		MaxRetries:       config.GetIntEnv("DISPATCHER_MAX_RETRIES", defaultMaxRetries),
		BreakerThreshold: config.GetIntEnv("DISPATCHER_BREAKER_THRESHOLD", defaultBreakerThreshold),
		BreakerCooldown:  config.GetDurationEnv("DISPATCHER_BREAKER_COOLDOWN", defaultBreakerCooldown),
		Source:           config.GetEnv("DISPATCHER_EVENT_SOURCE", "qkernel"),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = defaultBreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
	if c.Source == "" {
		c.Source = "qkernel"
	}
	return c
}
