package docker

import (
	"qkernel/internal/config"
	"time"
)

const (
	defaultImage       = "qkernel/simulator:latest"
	defaultStopTimeout = 10 * time.Second
	defaultRunTimeout  = 5 * time.Minute
)

// Config holds configuration for the simulator executor.
type Config struct {
	Image       string        // Simulator image run once per execution
	Command     []string      // Overrides the image command when set
	CPU         float64       // CPU limit per container, 0 for none
	MemoryMB    int           // Memory limit per container, 0 for none
	StopTimeout time.Duration // Grace period when a run is cancelled
	RunTimeout  time.Duration // Upper bound on one run from create to exit (default: 5m)
	ExtraHosts  []string      // Extra /etc/hosts entries (e.g., ["fabric.local:host-gateway"])
}

// LoadConfigFromEnv loads simulator configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Image:       config.GetEnv("SIMULATOR_IMAGE", defaultImage),
		CPU:         config.GetFloatEnv("SIMULATOR_CPU", 1),
		MemoryMB:    config.GetIntEnv("SIMULATOR_MEMORY_MB", 512),
		StopTimeout: config.GetDurationEnv("SIMULATOR_STOP_TIMEOUT", defaultStopTimeout),
		RunTimeout:  config.GetDurationEnv("SIMULATOR_RUN_TIMEOUT", defaultRunTimeout),
		ExtraHosts:  config.GetListEnv("SIMULATOR_EXTRA_HOSTS"),
	}
}

func (c Config) withDefaults() Config {
	if c.Image == "" {
		c.Image = defaultImage
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaultRunTimeout
	}
	return c
}
