package cloudevent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature-256"

const userAgent = "qkernel-callbacks/1"

// Sender posts CloudEvents in structured content mode, with the binary mode
// Ce-* headers set as well so receivers can route without parsing the body.
type Sender struct {
	client *http.Client
}

// NewSender creates a sender. Requests carry the caller's trace context.
func NewSender(timeout time.Duration) *Sender {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Sender{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		},
	}
}

// Send posts event to url. A non-empty signingKey adds the signature header.
// Non-2xx replies return *HTTPError.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, signingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	h := req.Header
	h.Set("Content-Type", "application/cloudevents+json")
	h.Set("User-Agent", userAgent)
	h.Set("Ce-Specversion", event.SpecVersion)
	h.Set("Ce-Type", event.Type)
	h.Set("Ce-Source", event.Source)
	h.Set("Ce-Subject", event.Subject)
	h.Set("Ce-Id", event.ID)
	h.Set("Ce-Time", event.Time.Format(time.RFC3339Nano))
	if event.Sequence != "" {
		h.Set("Ce-Sequence", event.Sequence)
	}
	if signingKey != "" {
		h.Set(SignatureHeader, Sign(body, signingKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", event.Type, err)
	}
	defer resp.Body.Close()
	// Drain a little so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// parseRetryAfter accepts delay seconds or an HTTP date. Zero means absent
// or unparseable.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// Sign computes the "sha256=<hex>" HMAC of payload with key.
func Sign(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches payload under key.
func Verify(payload []byte, key, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, key)), []byte(signature))
}

// HTTPError is a non-2xx reply from a receiver.
type HTTPError struct {
	StatusCode int
	RetryAfter time.Duration // from the Retry-After header, 0 when absent
}

func (e *HTTPError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d (retry after %s)", e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsClientError returns true for 4xx errors that should not be retried.
// 408 and 429 are treated as transient.
func IsClientError(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	if he.StatusCode == http.StatusRequestTimeout || he.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return he.StatusCode >= 400 && he.StatusCode < 500
}

// RetryAfter returns the receiver's requested delay, if err carries one.
func RetryAfter(err error) (time.Duration, bool) {
	var he *HTTPError
	if errors.As(err, &he) && he.RetryAfter > 0 {
		return he.RetryAfter, true
	}
	return 0, false
}
