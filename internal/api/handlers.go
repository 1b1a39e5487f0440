package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/inkfeather/inkfeather/internal/db"
	"github.com/inkfeather/inkfeather/internal/jobs"
)

// Handler bundles the HTTP surface over the job engine
type Handler struct {
	manager    *jobs.Manager
	dispatcher *jobs.Dispatcher
	reconciler *jobs.Reconciler
	database   *db.DB
	version    string
}

// NewHandler creates the API handler
func NewHandler(manager *jobs.Manager, dispatcher *jobs.Dispatcher, reconciler *jobs.Reconciler, database *db.DB, version string) *Handler {
	return &Handler{
		manager:    manager,
		dispatcher: dispatcher,
		reconciler: reconciler,
		database:   database,
		version:    version,
	}
}

// Routes registers all endpoints on a fresh mux
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /v1/jobs", h.createJob)
	mux.HandleFunc("GET /v1/jobs/{id}", h.getProgress)
	mux.HandleFunc("DELETE /v1/jobs/{id}", h.deleteJob)
	mux.HandleFunc("POST /v1/jobs/{id}/process", h.processNext)
	mux.HandleFunc("POST /v1/jobs/{id}/pause", h.pauseJob)
	mux.HandleFunc("POST /v1/jobs/{id}/resume", h.resumeJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", h.cancelJob)
	mux.HandleFunc("POST /v1/jobs/{id}/retry", h.retryJob)
	mux.HandleFunc("POST /v1/reconcile", h.reconcile)

	return mux
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.database != nil {
		if err := h.database.GetDB().PingContext(r.Context()); err != nil {
			WriteUnhealthy(w, r, "inkfeather", err)
			return
		}
	}
	WriteHealthy(w, r, "inkfeather", h.version)
}

// createJobRequest is the body for POST /v1/jobs
type createJobRequest struct {
	Family    string   `json:"family"`
	Label     string   `json:"label"`
	RuleID    string   `json:"rule_id"`
	InputRefs []string `json:"input_refs"`
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid JSON body")
		return
	}

	job, err := h.manager.CreateJob(r.Context(), &jobs.JobOptions{
		Family:    jobs.JobFamily(req.Family),
		Label:     req.Label,
		RuleID:    req.RuleID,
		InputRefs: req.InputRefs,
	})
	if err != nil {
		if job != nil {
			// Created but not fully enqueued; the reconciler will finish it
			WriteCreated(w, r, job, "Job created, enqueue incomplete, reconciliation pending")
			return
		}
		BadRequest(w, r, err.Error())
		return
	}

	WriteCreated(w, r, job, "Job created")
}

func (h *Handler) getProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.manager.GetProgress(r.Context(), r.PathValue("id"))
	if err != nil {
		HandleDomainError(w, r, err)
		return
	}
	WriteSuccess(w, r, progress, "")
}

func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.DeleteJob(r.Context(), r.PathValue("id")); err != nil {
		HandleDomainError(w, r, err)
		return
	}
	WriteNoContent(w, r)
}

func (h *Handler) processNext(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	subtaskID := r.URL.Query().Get("subtask_id")

	outcome, err := h.dispatcher.ProcessNext(r.Context(), jobID, subtaskID)
	if err != nil {
		if errors.Is(err, jobs.ErrNoSubtask) {
			WriteSuccess(w, r, nil, "No eligible subtask")
			return
		}
		HandleDomainError(w, r, err)
		return
	}
	WriteSuccess(w, r, outcome, "")
}

func (h *Handler) pauseJob(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.PauseJob(r.Context(), r.PathValue("id")); err != nil {
		HandleDomainError(w, r, err)
		return
	}
	WriteSuccess(w, r, nil, "Job paused")
}

func (h *Handler) resumeJob(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ResumeJob(r.Context(), r.PathValue("id")); err != nil {
		HandleDomainError(w, r, err)
		return
	}
	WriteSuccess(w, r, nil, "Job resumed")
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.CancelJob(r.Context(), r.PathValue("id")); err != nil {
		HandleDomainError(w, r, err)
		return
	}
	WriteSuccess(w, r, nil, "Job cancelled")
}

// retryJobRequest is the body for POST /v1/jobs/{id}/retry
type retryJobRequest struct {
	SubtaskID string `json:"subtask_id"`
	Force     bool   `json:"force"`
}

func (h *Handler) retryJob(w http.ResponseWriter, r *http.Request) {
	var req retryJobRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, r, "Invalid JSON body")
			return
		}
	}

	requeued, err := h.manager.RetryJob(r.Context(), r.PathValue("id"), req.SubtaskID, req.Force)
	if err != nil {
		HandleDomainError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]int{"requeued": requeued}, "")
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.Run(r.Context())
	if err != nil {
		HandleDomainError(w, r, err)
		return
	}
	WriteSuccess(w, r, report, "")
}
