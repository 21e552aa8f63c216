package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"qkernel/internal/isolation"
	"qkernel/pkg/circuitbreaker"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxErrorBody = 64 << 10

// ClientConfig configures an HTTP peer client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration // per call (default 30s)

	// Executor only. Zero values use circuitbreaker defaults.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	OnBreakerChange  func(device string, from, to circuitbreaker.State)
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

type client struct {
	base    string
	http    *http.Client
	timeout time.Duration
	// statusKind picks a kind for error responses without one.
	statusKind func(status int) ErrorKind
}

func newClient(cfg ClientConfig, statusKind func(int) ErrorKind) (*client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("peer base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid peer URL: %w", err)
	}
	return &client{
		base: cfg.BaseURL,
		http: &http.Client{
			// Propagates the job span to the peer.
			Transport: otelhttp.NewTransport(&http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			}),
		},
		timeout:    cfg.Timeout,
		statusKind: statusKind,
	}, nil
}

// errorBody accepts both {"kind","message"} and {"error": "..."} bodies.
type errorBody struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Error     string    `json:"error"`
}

// do sends in as JSON and decodes a 2xx response into out. The call is
// bounded by the client timeout on top of ctx.
func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", method, path, ctxErr)
		}
		return &Error{Kind: KindInternal, Message: fmt.Sprintf("request failed: %v", err), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Kind: KindInternal, Message: fmt.Sprintf("malformed response: %v", err)}
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)

	pe := &Error{Kind: eb.Kind, Message: eb.Message, Retryable: eb.Retryable}
	if pe.Kind == "" {
		pe.Kind = c.statusKind(resp.StatusCode)
	}
	if pe.Message == "" {
		pe.Message = eb.Error
	}
	if pe.Message == "" {
		pe.Message = strings.TrimSpace(string(raw))
	}
	if pe.Message == "" {
		pe.Message = http.StatusText(resp.StatusCode)
	}
	if pe.Kind == KindDeviceUnavailable || resp.StatusCode == http.StatusServiceUnavailable {
		pe.Retryable = true
	}
	return pe
}

func (c *client) ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// HTTPCompiler calls POST {base}/v1/compile.
type HTTPCompiler struct {
	c *client
}

// NewHTTPCompiler creates a compiler client.
func NewHTTPCompiler(cfg ClientConfig) (*HTTPCompiler, error) {
	c, err := newClient(cfg.withDefaults(), func(status int) ErrorKind {
		switch status {
		case http.StatusBadRequest:
			return KindValidation
		case http.StatusUnprocessableEntity, http.StatusNotImplemented:
			return KindUnsupported
		default:
			return KindInternal
		}
	})
	if err != nil {
		return nil, err
	}
	return &HTTPCompiler{c: c}, nil
}

func (h *HTTPCompiler) Compile(ctx context.Context, req CompileRequest) (Compiled, error) {
	var out Compiled
	if err := h.c.do(ctx, http.MethodPost, "/v1/compile", req, &out); err != nil {
		return Compiled{}, err
	}
	if len(out.Payload) == 0 {
		return Compiled{}, &Error{Kind: KindInternal, Message: "compiler returned an empty payload"}
	}
	return out, nil
}

func (h *HTTPCompiler) Ping(ctx context.Context) error { return h.c.ping(ctx) }

// executionWire is the executor's response body.
type executionWire struct {
	Counts    map[string]int64  `json:"counts"`
	ElapsedMs int64             `json:"elapsedMs"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HTTPExecutor calls POST {base}/v1/execute through a circuit breaker per
// device. It also forwards isolation requests to the device driver.
type HTTPExecutor struct {
	c        *client
	breakers *circuitbreaker.Registry
}

// NewHTTPExecutor creates an executor client.
func NewHTTPExecutor(cfg ClientConfig) (*HTTPExecutor, error) {
	cfg = cfg.withDefaults()
	c, err := newClient(cfg, func(status int) ErrorKind {
		switch status {
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return KindInvalidPayload
		case http.StatusServiceUnavailable, http.StatusTooManyRequests:
			return KindDeviceUnavailable
		case http.StatusNotFound, http.StatusGone:
			return KindDeviceOffline
		default:
			return KindInternal
		}
	})
	if err != nil {
		return nil, err
	}
	return &HTTPExecutor{
		c: c,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold:     cfg.BreakerThreshold,
			Cooldown:      cfg.BreakerCooldown,
			OnStateChange: cfg.OnBreakerChange,
		}),
	}, nil
}

// Execute runs a payload. An open breaker for the device fails fast with an
// error wrapping circuitbreaker.ErrOpen.
func (h *HTTPExecutor) Execute(ctx context.Context, req ExecuteRequest) (Execution, error) {
	var out executionWire
	err := h.breakers.Get(req.DeviceID).Do(func() error {
		return h.c.do(ctx, http.MethodPost, "/v1/execute", req, &out)
	}, deviceFailure)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return Execution{}, fmt.Errorf("device %s: %w", req.DeviceID, err)
	}
	if err != nil {
		return Execution{}, err
	}
	return Execution{
		Counts:   out.Counts,
		Elapsed:  time.Duration(out.ElapsedMs) * time.Millisecond,
		Metadata: out.Metadata,
	}, nil
}

// Isolate implements isolation.Enforcer.
func (h *HTTPExecutor) Isolate(ctx context.Context, req isolation.Request) error {
	path := "/v1/devices/" + url.PathEscape(req.DeviceID) + "/isolation"
	return h.c.do(ctx, http.MethodPost, path, req, nil)
}

func (h *HTTPExecutor) Ping(ctx context.Context) error { return h.c.ping(ctx) }

// BreakerStates returns the breaker state per device.
func (h *HTTPExecutor) BreakerStates() map[string]circuitbreaker.State {
	return h.breakers.States()
}

// deviceFailure reports whether err says something about device health.
// Payload errors and caller cancellation do not trip the breaker.
func deviceFailure(err error) bool {
	switch KindOf(err) {
	case KindDeviceUnavailable, KindDeviceOffline, KindInternal:
		return true
	case "":
		return errors.Is(err, context.DeadlineExceeded)
	default:
		return false
	}
}
