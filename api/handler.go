// Package api exposes the orchestrator over HTTP for polling clients:
// submit, status, cancel, listing, counts, and health.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/typefold/typeset"
	"github.com/typefold/typeset/id"
	"github.com/typefold/typeset/job"
	"github.com/typefold/typeset/orchestrator"
)

// ownerHeader carries the owner key on submissions.
const ownerHeader = "X-Owner-Key"

// SubmitRequest is the body of POST /v1/jobs.
type SubmitRequest struct {
	Kind      string `json:"kind"`
	SourceRef string `json:"source_ref"`
}

// CountsResponse is the body of GET /v1/jobs/counts.
type CountsResponse struct {
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	orch *orchestrator.Orchestrator
}

// NewHandler constructs a Handler over the orchestrator.
func NewHandler(orch *orchestrator.Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/jobs", h.SubmitJob)
	mux.HandleFunc("GET /v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /v1/jobs/counts", h.JobCounts)
	mux.HandleFunc("GET /v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", h.CancelJob)
	mux.HandleFunc("GET /v1/healthz", h.Health)
}

// SubmitJob handles POST /v1/jobs and responds 202 with the Queued job.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "missing "+ownerHeader+" header")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	j, err := h.orch.Submit(r.Context(), owner, req.Kind, req.SourceRef)
	if err != nil {
		writeSubmitError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, j)
}

// GetJob handles GET /v1/jobs/{id}. Evicted and unknown ids both
// respond 404; the poller treats them identically.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}

	j, err := h.orch.Status(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, typeset.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, j)
}

// CancelJob handles POST /v1/jobs/{id}/cancel and responds 200 with the
// updated snapshot. Terminal jobs respond 409.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}

	j, err := h.orch.Cancel(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, typeset.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, typeset.ErrAlreadyTerminal):
			writeError(w, http.StatusConflict, "job already in terminal state")
		default:
			writeError(w, http.StatusInternalServerError, "failed to cancel job")
		}
		return
	}

	writeJSON(w, http.StatusOK, j)
}

// ListJobs handles GET /v1/jobs and responds 200 with jobs in the given
// state, ordered by submission time.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	state := job.State(r.URL.Query().Get("state"))
	if state == "" {
		state = job.StateQueued
	}
	switch state {
	case job.StateQueued, job.StateRunning, job.StateCompleted, job.StateFailed, job.StateCancelled:
	default:
		writeError(w, http.StatusBadRequest, "unknown state")
		return
	}

	opts := job.ListOpts{
		Limit:    parseIntParam(r.URL.Query().Get("limit"), 20),
		Offset:   parseIntParam(r.URL.Query().Get("offset"), 0),
		OwnerKey: r.URL.Query().Get("owner"),
	}

	jobs, err := h.orch.List(r.Context(), state, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

// JobCounts handles GET /v1/jobs/counts and responds 200 with per-state
// counts.
func (h *Handler) JobCounts(w http.ResponseWriter, r *http.Request) {
	var resp CountsResponse
	for _, c := range []struct {
		state job.State
		dst   *int64
	}{
		{job.StateQueued, &resp.Queued},
		{job.StateRunning, &resp.Running},
		{job.StateCompleted, &resp.Completed},
		{job.StateFailed, &resp.Failed},
		{job.StateCancelled, &resp.Cancelled},
	} {
		n, err := h.orch.Count(r.Context(), job.CountOpts{State: c.state})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to count jobs")
			return
		}
		*c.dst = n
	}

	writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /v1/healthz and reports store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseJobID(w http.ResponseWriter, r *http.Request) (id.JobID, bool) {
	jobID, err := id.ParseJobID(r.PathValue("id"))
	if err != nil {
		// Malformed ids can never name a job; report them the same way.
		writeError(w, http.StatusNotFound, "job not found")
		return id.Nil, false
	}
	return jobID, true
}

func writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, typeset.ErrInvalidKind):
		writeError(w, http.StatusBadRequest, "unknown compile kind")
	case errors.Is(err, typeset.ErrSourceNotFound):
		writeError(w, http.StatusNotFound, "source not found")
	case errors.Is(err, typeset.ErrJobAlreadyActive):
		writeError(w, http.StatusConflict, "owner already has an active job")
	default:
		writeError(w, http.StatusInternalServerError, "failed to submit job")
	}
}

// parseIntParam parses a query string integer, returning the fallback
// on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
