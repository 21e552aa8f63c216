package cloudevent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIsClientError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"400 Bad Request", &HTTPError{StatusCode: 400}, true},
		{"404 Not Found", &HTTPError{StatusCode: 404}, true},
		{"408 is transient", &HTTPError{StatusCode: 408}, false},
		{"429 is transient", &HTTPError{StatusCode: 429}, false},
		{"500 Internal Server Error", &HTTPError{StatusCode: 500}, false},
		{"wrapped 403", fmt.Errorf("deliver: %w", &HTTPError{StatusCode: 403}), true},
		{"non-HTTP error", context.DeadlineExceeded, false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := IsClientError(tt.err)
			if got != tt.expected {
				t.Errorf("IsClientError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestSignAndVerify(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"job":"abc"}`)

	signature := Sign(payload, "secret-key")
	if len(signature) != len("sha256=")+64 || signature[:7] != "sha256=" {
		t.Fatalf("unexpected signature format %q", signature)
	}
	if !Verify(payload, "secret-key", signature) {
		t.Error("expected signature to verify")
	}
	if Verify(payload, "other-key", signature) {
		t.Error("expected signature with different key to fail")
	}
}

func TestSender_Send(t *testing.T) {
	t.Parallel()

	type captured struct {
		header http.Header
		body   []byte
	}
	got := make(chan captured, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	event := New(TypeJobStatus, "qkernel", "job-1", "evt-1", map[string]any{"status": "QUEUED"}).WithSequence(3)
	if err := NewSender(5*time.Second).Send(context.Background(), server.URL, event, "k"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	c := <-got
	if c.header.Get("Ce-Type") != TypeJobStatus {
		t.Errorf("Ce-Type = %q", c.header.Get("Ce-Type"))
	}
	if c.header.Get("User-Agent") != userAgent {
		t.Errorf("User-Agent = %q", c.header.Get("User-Agent"))
	}
	if c.header.Get("Ce-Sequence") != "3" {
		t.Errorf("Ce-Sequence = %q, want 3", c.header.Get("Ce-Sequence"))
	}
	if !Verify(c.body, "k", c.header.Get(SignatureHeader)) {
		t.Error("signature header does not match body")
	}

	var decoded CloudEvent
	if err := json.Unmarshal(c.body, &decoded); err != nil {
		t.Fatalf("body is not a CloudEvent: %v", err)
	}
	if decoded.Subject != "job-1" || decoded.Sequence != "3" {
		t.Errorf("decoded event = %+v", decoded)
	}
}

func TestSender_SendReturnsHTTPError(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewSender(time.Second).Send(context.Background(), server.URL, New(TypeJobTerminal, "qkernel", "j", "", nil), "")
	if err == nil || IsClientError(err) {
		t.Fatalf("Send() error = %v, want retryable HTTP error", err)
	}
	if wait, ok := RetryAfter(err); !ok || wait != 7*time.Second {
		t.Errorf("RetryAfter() = %v, %v, want 7s", wait, ok)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"120", 2 * time.Minute},
		{"0", 0},
		{"-3", 0},
		{now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.value, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
