// Package api provides the HTTP API handlers and routing for the kernel service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"qkernel/internal/apperrors"
	"qkernel/internal/fabric"
	"qkernel/internal/feed"
	"qkernel/internal/health"
	"qkernel/internal/job"
	"qkernel/internal/scheduler"
	"strconv"
	"time"
)

// maxRequestBodySize limits request body to 2MB; program sources may be up to 1MB.
const maxRequestBodySize = 2 << 20

// keepAliveInterval is how often an idle event stream receives a comment line.
const keepAliveInterval = 15 * time.Second

// SubmitRequest is the body of POST /v1/jobs. Priority is a pointer so an
// explicit zero can be told apart from an omitted field.
type SubmitRequest struct {
	job.Spec
	Priority *int `json:"priority,omitempty"`
}

// FidelityRequest is the body of PUT /v1/devices/{deviceId}/fidelity.
type FidelityRequest struct {
	Fidelity map[int]float64 `json:"fidelity"`
}

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error      string                     `json:"error"`
	Kind       apperrors.Kind             `json:"kind,omitempty"`
	Violations []apperrors.FieldViolation `json:"violations,omitempty"`
}

// Handler contains HTTP handlers for the kernel API
type Handler struct {
	sched  *scheduler.Scheduler
	feed   *feed.Feed
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(sched *scheduler.Scheduler, f *feed.Feed, healthChecker *health.Checker) *Handler {
	return &Handler{
		sched:  sched,
		feed:   f,
		health: healthChecker,
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	spec := req.Spec
	spec.Priority = job.DefaultPriority
	if req.Priority != nil {
		spec.Priority = *req.Priority
	}

	rec, err := h.sched.Submit(spec)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/jobs/"+rec.ID)
	h.writeJSON(w, http.StatusAccepted, job.StatusOf(rec))
}

// ListJobs handles GET /v1/jobs
// Query params: state, submitter, limit (all optional)
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := job.Filter{
		State:     job.State(q.Get("state")),
		Submitter: q.Get("submitter"),
	}
	if filter.State != "" && !filter.State.Valid() {
		h.handleError(w, r, apperrors.Validation("state", fmt.Sprintf("unknown state %q", filter.State)))
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.handleError(w, r, apperrors.Validation("limit", "must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": h.sched.List(filter)})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	status, err := h.sched.Status(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// GetResults handles GET /v1/jobs/{jobId}/results
func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	results, err := h.sched.Results(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, results)
}

// GetArtifact handles GET /v1/jobs/{jobId}/artifacts/{name}
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")

	data, format, err := h.sched.Artifact(r.Context(), jobID, name)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	contentType := "application/octet-stream"
	switch name {
	case fabric.Results, fabric.Meta, fabric.Error:
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Artifact-Format", format)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.WarnContext(r.Context(), "Failed to write artifact", "jobId", jobID, "artifact", name, "error", err)
	}
}

// DeleteJob handles DELETE /v1/jobs/{jobId}
// Jobs that have not started executing are cancelled at once; executing
// jobs report cancelRequested until the pipeline winds down.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	res, err := h.sched.Cancel(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, res)
}

// StreamEvents handles GET /v1/jobs/{jobId}/events as a server-sent event
// stream. The stream ends after the job's terminal event.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}
	if _, err := h.sched.Status(jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	sub, err := h.feed.Subscribe(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.WarnContext(r.Context(), "Event stream not supported", "error", err)
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case ev, open := <-sub.C:
			if !open {
				if sub.Lagged() {
					_, _ = fmt.Fprint(w, "event: lagged\ndata: {}\n\n")
					_ = rc.Flush()
				}
				return
			}
			if err := writeEvent(w, ev); err != nil {
				slog.DebugContext(r.Context(), "Event stream closed", "jobId", jobID, "error", err)
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev feed.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: status\ndata: %s\n\n", ev.Seq, data)
	return err
}

// ListDevices handles GET /v1/devices
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"devices": h.sched.Devices()})
}

// UpdateFidelity handles PUT /v1/devices/{deviceId}/fidelity
func (h *Handler) UpdateFidelity(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	deviceID := r.PathValue("deviceId")

	var req FidelityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(req.Fidelity) == 0 {
		h.handleError(w, r, apperrors.Validation("fidelity", "at least one slot score is required"))
		return
	}

	if err := h.sched.UpdateFidelity(deviceID, req.Fidelity); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetStats handles GET /v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.sched.Stats())
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic, including when only
// optional dependencies are down. Returns 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return "", false
	}
	// A malformed id can never have been issued.
	if !job.ValidID(jobID) {
		h.handleError(w, r, apperrors.NotFound("job", jobID))
		return "", false
	}
	return jobID, true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

// handleError handles errors from the kernel with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if errors.Is(err, scheduler.ErrStopped) || errors.Is(err, feed.ErrClosed) {
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	h.writeJSON(w, status, errorResponse{
		Error:      err.Error(),
		Kind:       apperrors.KindOf(err),
		Violations: apperrors.FieldViolations(err),
	})
}
