package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"qkernel/internal/config"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to "<job id>.status".
const DefaultSubjectPrefix = "qkernel.jobs"

// NATSConfig holds configuration for the NATS sink.
type NATSConfig struct {
	URL           string // empty disables the sink
	SubjectPrefix string // default: qkernel.jobs
	Name          string // connection name (default: qkernel)
}

// LoadNATSConfigFromEnv loads NATS sink configuration from environment variables.
func LoadNATSConfigFromEnv() NATSConfig {
	return NATSConfig{
		URL:           config.GetEnv("NATS_URL", ""),
		SubjectPrefix: config.GetEnv("NATS_SUBJECT_PREFIX", DefaultSubjectPrefix),
		Name:          config.GetEnv("NATS_CLIENT_NAME", "qkernel"),
	}
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Name == "" {
		c.Name = "qkernel"
	}
	return c
}

// NATSSink publishes events to <prefix>.<job id>.status. The event id is set
// as the message id so JetStream streams bound to the subject deduplicate
// redeliveries.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSSink connects to the server. The connection reconnects forever.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	cfg = cfg.withDefaults()
	logger := slog.With("component", "feed-nats")

	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Name(cfg.Name),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSSink{conn: nc, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

// Subject returns the subject events of jobID are published on.
func (s *NATSSink) Subject(jobID string) string {
	return s.prefix + "." + jobID + ".status"
}

func (s *NATSSink) Name() string { return "nats" }

// Publish implements Sink.
func (s *NATSSink) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := nats.NewMsg(s.Subject(ev.JobID))
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	msg.Data = data
	return s.conn.PublishMsg(msg)
}

// Ping reports whether the connection is up.
func (s *NATSSink) Ping(ctx context.Context) error {
	if !s.conn.IsConnected() {
		return fmt.Errorf("nats not connected: %s", s.conn.Status())
	}
	return nil
}

// Close drains pending messages and waits for the connection to close until
// ctx is done.
func (s *NATSSink) Close(ctx context.Context) error {
	done := make(chan struct{})
	s.conn.SetClosedHandler(func(_ *nats.Conn) {
		close(done)
	})

	if err := s.conn.Drain(); err != nil {
		s.logger.Warn("Failed to drain nats connection", "error", err)
		s.conn.Close()
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.conn.Close()
		return ctx.Err()
	}
}
