// Package api exposes the queue manager over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"scrape-queue/pkg/job"
	"scrape-queue/pkg/queue"
)

var validate = validator.New()

var (
	errBadBody        = errors.New("invalid request body")
	errNotCancellable = errors.New("job already finished")
)

// maxBodyBytes bounds submission bodies.
const maxBodyBytes = 1 << 20

// JobQueue is the part of the queue manager the handlers use.
type JobQueue interface {
	AddJob(ctx context.Context, sourceID string, params job.Parameters, userID string, priority int) (string, error)
	GetJobStatus(jobID string) *job.StatusView
	CancelJob(ctx context.Context, jobID string) bool
	GetQueueStats() map[string]queue.Stats
}

// Deps are the handler dependencies. Events is optional and serves /ws.
type Deps struct {
	Jobs   JobQueue
	Events http.Handler
	Ready  *atomic.Bool
	Logger zerolog.Logger
}

type SubmitResponse struct {
	JobID string `json:"job_id"`
}

type CancelResponse struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
}

type StatsResponse struct {
	Sources map[string]queue.Stats `json:"sources"`
}

// NewRouter mounts the API, health and event stream routes and wraps them
// in logging and recovery middleware.
func NewRouter(deps Deps) http.Handler {
	if deps.Ready == nil {
		deps.Ready = &atomic.Bool{}
	}
	logger := deps.Logger.With().Str("component", "http").Logger()
	h := &handlers{jobs: deps.Jobs, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthz)
	mux.HandleFunc("GET /readyz", readyz(deps.Ready))

	mux.HandleFunc("POST /api/v1/jobs", h.submit)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.get)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", h.cancel)
	mux.HandleFunc("GET /api/v1/stats", h.stats)

	if deps.Events != nil {
		mux.Handle("GET /ws", deps.Events)
	}

	return Logger(logger, Recovery(logger, mux))
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// readyz reports 200 once the manager is initialized and the server is
// accepting traffic.
func readyz(ready *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("Ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Not Ready"))
	}
}

type handlers struct {
	jobs   JobQueue
	logger zerolog.Logger
}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	var req job.SubmissionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, h.logger, fmt.Errorf("%w: %v", errBadBody, err))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.Parameters.DateFrom != nil && req.Parameters.DateTo != nil && req.Parameters.DateTo.Before(*req.Parameters.DateFrom) {
		writeError(w, r, h.logger, fmt.Errorf("%w: date_to is before date_from", errBadBody))
		return
	}

	id, err := h.jobs.AddJob(r.Context(), req.SourceID, req.Parameters, req.UserID, req.Priority)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: id})
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view := h.jobs.GetJobStatus(id)
	if view == nil {
		writeError(w, r, h.logger, fmt.Errorf("%w: %s", errNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.jobs.CancelJob(r.Context(), id) {
		writeJSON(w, http.StatusOK, CancelResponse{JobID: id, Cancelled: true})
		return
	}
	if h.jobs.GetJobStatus(id) != nil {
		writeError(w, r, h.logger, fmt.Errorf("%w: %s", errNotCancellable, id))
		return
	}
	writeError(w, r, h.logger, fmt.Errorf("%w: %s", errNotFound, id))
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{Sources: h.jobs.GetQueueStats()})
}
