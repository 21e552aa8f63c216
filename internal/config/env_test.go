package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	if got := GetEnv("QK_TEST_NONEXISTENT_VAR", "default"); got != "default" {
		t.Errorf("Expected 'default', got %q", got)
	}

	t.Setenv("QK_TEST_GET_ENV", "custom")
	if got := GetEnv("QK_TEST_GET_ENV", "default"); got != "custom" {
		t.Errorf("Expected 'custom', got %q", got)
	}
}

func TestGetIntEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"unset", "", 42},
		{"valid", "123", 123},
		{"invalid", "not-a-number", 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("QK_TEST_INT", tt.value)
			if got := GetIntEnv("QK_TEST_INT", 42); got != tt.want {
				t.Errorf("GetIntEnv() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGetFloatEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  float64
	}{
		{"unset", "", 0.5},
		{"valid", "1.25", 1.25},
		{"invalid", "fast", 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("QK_TEST_FLOAT", tt.value)
			if got := GetFloatEnv("QK_TEST_FLOAT", 0.5); got != tt.want {
				t.Errorf("GetFloatEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetBoolEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  bool
	}{
		{"unset", "", true},
		{"false", "false", false},
		{"zero", "0", false},
		{"invalid", "maybe", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("QK_TEST_BOOL", tt.value)
			if got := GetBoolEnv("QK_TEST_BOOL", true); got != tt.want {
				t.Errorf("GetBoolEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetDurationEnv(t *testing.T) {
	defaultDuration := 5 * time.Second

	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"unset", "", defaultDuration},
		{"seconds", "30s", 30 * time.Second},
		{"milliseconds", "100ms", 100 * time.Millisecond},
		{"invalid", "not-a-duration", defaultDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("QK_TEST_DURATION", tt.value)
			if got := GetDurationEnv("QK_TEST_DURATION", defaultDuration); got != tt.want {
				t.Errorf("GetDurationEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetListEnv(t *testing.T) {
	t.Setenv("QK_TEST_LIST", " a, b ,,c ")
	got := GetListEnv("QK_TEST_LIST")
	if !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("GetListEnv() = %v", got)
	}

	t.Setenv("QK_TEST_LIST", "")
	if got := GetListEnv("QK_TEST_LIST"); got != nil {
		t.Errorf("GetListEnv() = %v, want nil", got)
	}
}

func TestGetSecretFile(t *testing.T) {
	if got := GetSecretFile(""); got != "" {
		t.Errorf("Expected empty string for empty path, got %q", got)
	}
	if got := GetSecretFile("/nonexistent/path/to/secret"); got != "" {
		t.Errorf("Expected empty string for nonexistent file, got %q", got)
	}

	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("my-secret-value\n"), 0o600); err != nil {
		t.Fatalf("Failed to write secret file: %v", err)
	}
	if got := GetSecretFile(path); got != "my-secret-value" {
		t.Errorf("Expected %q, got %q", "my-secret-value", got)
	}
}

func TestGetSecret(t *testing.T) {
	t.Setenv("QK_TEST_TOKEN", "plain")
	t.Setenv("QK_TEST_TOKEN_FILE", "")
	if got := GetSecret("QK_TEST_TOKEN"); got != "plain" {
		t.Errorf("GetSecret() = %q, want plain", got)
	}

	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("from-file"), 0o600); err != nil {
		t.Fatalf("Failed to write secret file: %v", err)
	}
	t.Setenv("QK_TEST_TOKEN_FILE", path)
	if got := GetSecret("QK_TEST_TOKEN"); got != "from-file" {
		t.Errorf("GetSecret() = %q, want from-file", got)
	}
}

func TestLoadServiceConfig(t *testing.T) {
	t.Setenv("PORT", "8181")
	t.Setenv("EXECUTOR_BACKEND", ExecutorDocker)
	t.Setenv("SHUTDOWN_TIMEOUT", "45s")
	t.Setenv("OTEL_TRACE_SAMPLE_RATIO", "0.1")

	cfg := LoadServiceConfig()

	if cfg.Port != "8181" || cfg.MetricsPort != "9090" {
		t.Errorf("ports = %q/%q", cfg.Port, cfg.MetricsPort)
	}
	if cfg.ExecutorBackend != ExecutorDocker {
		t.Errorf("ExecutorBackend = %q", cfg.ExecutorBackend)
	}
	if cfg.ShutdownTimeout != 45*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if cfg.TraceSampleRatio != 0.1 {
		t.Errorf("TraceSampleRatio = %v", cfg.TraceSampleRatio)
	}
	if cfg.DevicesFile != "devices.yaml" {
		t.Errorf("DevicesFile = %q", cfg.DevicesFile)
	}
}
