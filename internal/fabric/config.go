package fabric

import (
	"context"
	"fmt"
	"qkernel/internal/config"
	"time"
)

// Store backends
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendMinio  = "minio"
)

// Config selects and configures the artifact store and the write retries
// around it.
type Config struct {
	Backend     string // memory, local or minio (default: memory)
	LocalRoot   string
	Minio       MinioConfig
	Coordinator CoordinatorConfig
}

// LoadConfigFromEnv loads fabric configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Backend:   config.GetEnv("FABRIC_BACKEND", BackendMemory),
		LocalRoot: config.GetEnv("FABRIC_ROOT", "/var/lib/qkernel/fabric"),
		Minio: MinioConfig{
			Endpoint:  config.GetEnv("MINIO_ENDPOINT", ""),
			AccessKey: config.GetSecret("MINIO_ACCESS_KEY"),
			SecretKey: config.GetSecret("MINIO_SECRET_KEY"),
			Bucket:    config.GetEnv("MINIO_BUCKET", "qkernel-artifacts"),
			UseSSL:    config.GetBoolEnv("MINIO_USE_SSL", false),
		},
		Coordinator: CoordinatorConfig{
			MaxAttempts:    config.GetIntEnv("FABRIC_WRITE_ATTEMPTS", 3),
			InitialBackoff: config.GetDurationEnv("FABRIC_WRITE_INITIAL_BACKOFF", 100*time.Millisecond),
			MaxBackoff:     config.GetDurationEnv("FABRIC_WRITE_MAX_BACKOFF", 2*time.Second),
			CallTimeout:    config.GetDurationEnv("FABRIC_CALL_TIMEOUT", 10*time.Second),
		},
	}
}

// Open creates the configured store. The returned close func releases the
// backend's idle connections and is never nil.
func Open(ctx context.Context, cfg Config) (Store, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), noop, nil
	case BackendLocal:
		s, err := NewLocalStore(cfg.LocalRoot)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case BackendMinio:
		s, err := NewMinioStore(ctx, cfg.Minio)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown fabric backend %q", cfg.Backend)
	}
}
