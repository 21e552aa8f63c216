package peer

import (
	"qkernel/internal/config"
	"time"
)

// LoadClientConfigFromEnv loads an HTTP peer client configuration from
// <prefix>_URL, <prefix>_TIMEOUT, <prefix>_BREAKER_THRESHOLD and
// <prefix>_BREAKER_COOLDOWN, e.g. prefix "EXECUTOR".
func LoadClientConfigFromEnv(prefix string) ClientConfig {
	return ClientConfig{
		BaseURL:          config.GetEnv(prefix+"_URL", ""),
		Timeout:          config.GetDurationEnv(prefix+"_TIMEOUT", 30*time.Second),
		BreakerThreshold: config.GetIntEnv(prefix+"_BREAKER_THRESHOLD", 0),
		BreakerCooldown:  config.GetDurationEnv(prefix+"_BREAKER_COOLDOWN", 0),
	}
}
