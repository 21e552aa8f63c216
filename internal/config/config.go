// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// Executor backends
const (
	ExecutorHTTP   = "http"
	ExecutorDocker = "docker"
)

// ServiceConfig holds configuration for the kernel service process.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	ShutdownTimeout   time.Duration // Upper bound for in-flight pipelines to finish
	DevicesFile       string        // YAML device inventory
	ExecutorBackend   string        // http or docker
	ServiceVersion    string
	OTLPEndpoint      string  // Trace exporter endpoint, tracing disabled when empty
	TraceSampleRatio  float64 // Fraction of jobs traced
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecret("API_KEY"),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		ShutdownTimeout:   GetDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DevicesFile:       GetEnv("DEVICES_FILE", "devices.yaml"),
		ExecutorBackend:   GetEnv("EXECUTOR_BACKEND", ExecutorHTTP),
		ServiceVersion:    GetEnv("SERVICE_VERSION", "dev"),
		OTLPEndpoint:      GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TraceSampleRatio:  GetFloatEnv("OTEL_TRACE_SAMPLE_RATIO", 1),
	}
}
