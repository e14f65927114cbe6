package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobfeed/internal/services/jobs"
	"github.com/ternarybob/jobfeed/internal/services/jobstore"
	"github.com/ternarybob/jobfeed/internal/services/research"
)

const jobsPathPrefix = "/api/jobs/"

// JobHandler handles dashboard requests for research jobs
type JobHandler struct {
	jobService *jobs.Service
	logger     arbor.ILogger
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(jobService *jobs.Service, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		logger:     logger,
	}
}

// ListJobsHandler handles GET /api/jobs
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	list := h.jobService.List()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"total": len(list),
	})
}

// CreateJobHandler handles POST /api/jobs
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req jobs.SubmitRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.jobService.Submit(r.Context(), req)
	if err != nil {
		h.writeJobError(w, "submit", "", err)
		return
	}

	WriteJSON(w, http.StatusCreated, job)
}

// GetJobHandler handles GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	jobID := PathID(r, jobsPathPrefix, "")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.jobService.Get(jobID)
	if err != nil {
		h.writeJobError(w, "get", jobID, err)
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// DeleteJobHandler handles DELETE /api/jobs/{id}
func (h *JobHandler) DeleteJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	jobID := PathID(r, jobsPathPrefix, "")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.jobService.Remove(jobID); err != nil {
		h.writeJobError(w, "delete", jobID, err)
		return
	}

	WriteSuccess(w, "Job removed")
}

// ExplainJobHandler handles POST /api/jobs/{id}/explain
func (h *JobHandler) ExplainJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	jobID := PathID(r, jobsPathPrefix, "/explain")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	explanation, err := h.jobService.Explain(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, "explain", jobID, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"job_id":      jobID,
		"explanation": explanation,
	})
}

// writeJobError maps service and store errors onto HTTP status codes
func (h *JobHandler) writeJobError(w http.ResponseWriter, op, jobID string, err error) {
	var apiErr *research.APIError

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, jobstore.ErrUnknownJobID):
		status = http.StatusNotFound
	case errors.Is(err, jobstore.ErrDuplicateJobID), errors.Is(err, jobs.ErrNotFailed):
		status = http.StatusConflict
	case errors.As(err, &apiErr):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("op", op).Str("job_id", jobID).Msg("Job request failed")
	} else {
		h.logger.Debug().Err(err).Str("op", op).Str("job_id", jobID).Int("status", status).Msg("Job request rejected")
	}

	WriteError(w, status, err.Error())
}
