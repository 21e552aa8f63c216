package api

import (
	"net/http"
	"qkernel/internal/feed"
	"qkernel/internal/health"
	"qkernel/internal/observability"
	"qkernel/internal/scheduler"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Scheduler     *scheduler.Scheduler
	Feed          *feed.Feed
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Scheduler, cfg.Feed, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Kernel endpoints - auth required
	auth := AuthMiddleware(cfg.APIKey)
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}
	route("POST /v1/jobs", handler.CreateJob)
	route("GET /v1/jobs", handler.ListJobs)
	route("GET /v1/jobs/{jobId}", handler.GetJob)
	route("DELETE /v1/jobs/{jobId}", handler.DeleteJob)
	route("GET /v1/jobs/{jobId}/results", handler.GetResults)
	route("GET /v1/jobs/{jobId}/events", handler.StreamEvents)
	route("GET /v1/jobs/{jobId}/artifacts/{name}", handler.GetArtifact)
	route("GET /v1/devices", handler.ListDevices)
	route("PUT /v1/devices/{deviceId}/fidelity", handler.UpdateFidelity)
	route("GET /v1/stats", handler.GetStats)

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)
	h = otelhttp.NewHandler(h, "qkernel.api",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/livez" && r.URL.Path != "/readyz"
		}),
	)

	return h
}
