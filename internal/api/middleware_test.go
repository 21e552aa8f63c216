package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"qkernel/internal/apperrors"
	"strings"
	"testing"
)

func TestMiddleware_LoggingRecordsRoute(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs/{jobId}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	})
	handler := loggingMiddleware(logger)(mux)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/jobs/j-42", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["route"] != "GET /v1/jobs/{jobId}" || entry["jobId"] != "j-42" {
		t.Errorf("route/jobId = %v/%v", entry["route"], entry["jobId"])
	}
	if entry["status"] != float64(http.StatusOK) || entry["bytes"] != float64(5) {
		t.Errorf("status/bytes = %v/%v", entry["status"], entry["bytes"])
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", entry["level"])
	}
}

func TestMiddleware_LoggingProbesAtDebug(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := loggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if buf.Len() != 0 {
		t.Errorf("expected probe request below info level, got %s", buf.String())
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	handler := RecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
	var body errorResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Kind != apperrors.KindInternal {
		t.Errorf("Kind = %q, want %q", body.Kind, apperrors.KindInternal)
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		method      string
		contentType string
		wantCalled  bool
	}{
		{"json post", http.MethodPost, "application/json", true},
		{"json with charset", http.MethodPut, "application/json; charset=utf-8", true},
		{"missing header", http.MethodPost, "", true},
		{"plain text", http.MethodPost, "text/plain", false},
		{"malformed", http.MethodPut, "application/json; =", false},
		{"get ignores header", http.MethodGet, "text/plain", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			called := false
			handler := ContentTypeMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(tt.method, "/v1/jobs", strings.NewReader("{}"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if called != tt.wantCalled {
				t.Errorf("called = %v, want %v", called, tt.wantCalled)
			}
			if !tt.wantCalled && w.Code != http.StatusUnsupportedMediaType {
				t.Errorf("Expected status %d, got %d", http.StatusUnsupportedMediaType, w.Code)
			}
		})
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	called := false
	handler := CORSMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/v1/jobs", nil))

	if called {
		t.Error("preflight should not reach the handler")
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status %d, got %d", http.StatusNoContent, w.Code)
	}
	h := w.Header()
	if h.Get("Access-Control-Allow-Origin") != "*" || !strings.Contains(h.Get("Access-Control-Allow-Methods"), "PUT") {
		t.Errorf("unexpected CORS headers %v", h)
	}
	if !strings.Contains(h.Get("Access-Control-Expose-Headers"), "Location") {
		t.Errorf("Location not exposed: %q", h.Get("Access-Control-Expose-Headers"))
	}
}

func TestMiddleware_Auth(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		apiKey string
		header string
		want   int
	}{
		{"disabled", "", "", http.StatusOK},
		{"valid", "secret", "Bearer secret", http.StatusOK},
		{"scheme is case insensitive", "secret", "bearer secret", http.StatusOK},
		{"missing header", "secret", "", http.StatusUnauthorized},
		{"wrong scheme", "secret", "Basic secret", http.StatusUnauthorized},
		{"no token", "secret", "Bearer", http.StatusUnauthorized},
		{"wrong token", "secret", "Bearer guess", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			handler := AuthMiddleware(tt.apiKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

			req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestResponseWriter(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	wrapped := wrap(rec)

	wrapped.WriteHeader(http.StatusAccepted)
	wrapped.WriteHeader(http.StatusInternalServerError)
	_, _ = wrapped.Write([]byte("abc"))

	if wrapped.statusCode != http.StatusAccepted || wrapped.written != 3 {
		t.Errorf("status/written = %d/%d, want 202/3", wrapped.statusCode, wrapped.written)
	}
	if err := http.NewResponseController(wrapped).Flush(); err != nil {
		t.Fatalf("Flush through wrapper: %v", err)
	}
	if !rec.Flushed {
		t.Error("Expected the underlying recorder to be flushed")
	}
}
