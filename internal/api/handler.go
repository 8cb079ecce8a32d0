// Package api implements the HTTP request boundary of the pacer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openjobspec/ojs-pacer/internal/core"
)

// JobService is the job lifecycle the processing endpoints drive.
type JobService interface {
	CreateJob(ctx context.Context, totalRecords, recordsPerMinute int) (string, error)
	RescheduleJob(ctx context.Context, jobID string, recordsPerMinute int) (*core.JobConfig, error)
	Status(ctx context.Context, jobID string) (*core.JobStatusView, error)
	List(ctx context.Context) ([]*core.JobStatusView, error)
}

// ProcessingHandler serves /api/processing.
type ProcessingHandler struct {
	jobs JobService
}

// NewProcessingHandler creates a ProcessingHandler.
func NewProcessingHandler(jobs JobService) *ProcessingHandler {
	return &ProcessingHandler{jobs: jobs}
}

type startResponse struct {
	JobID            string `json:"jobId"`
	Message          string `json:"message"`
	TotalRecords     int    `json:"totalRecords"`
	RecordsPerMinute int    `json:"recordsPerMinute"`
}

type configResponse struct {
	JobID            string `json:"jobId"`
	Message          string `json:"message"`
	RecordsPerMinute int    `json:"recordsPerMinute"`
}

// Start handles POST /api/processing/start.
func (h *ProcessingHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req core.CreateJobRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}

	jobID, err := h.jobs.CreateJob(r.Context(), req.TotalRecords, req.RecordsPerMinute)
	if err != nil {
		HandleError(w, err)
		return
	}

	w.Header().Set("Location", "/api/processing/"+jobID+"/status")
	WriteJSON(w, http.StatusCreated, startResponse{
		JobID:            jobID,
		Message:          "Job created successfully",
		TotalRecords:     req.TotalRecords,
		RecordsPerMinute: req.RecordsPerMinute,
	})
}

// UpdateConfig handles PATCH /api/processing/{jobId}/config.
func (h *ProcessingHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	var req core.UpdateRateRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}

	cfg, err := h.jobs.RescheduleJob(r.Context(), jobID, req.RecordsPerMinute)
	if err != nil {
		HandleError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, configResponse{
		JobID:            cfg.JobID,
		Message:          "Job configuration updated successfully",
		RecordsPerMinute: cfg.RecordsPerMinute,
	})
}

// Status handles GET /api/processing/{jobId}/status. Unknown jobs are
// reported with status not_found, not as an error.
func (h *ProcessingHandler) Status(w http.ResponseWriter, r *http.Request) {
	view, err := h.jobs.Status(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// List handles GET /api/processing/jobs.
func (h *ProcessingHandler) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.jobs.List(r.Context())
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":  views,
		"count": len(views),
	})
}

func decodeBody(r *http.Request, v any) *core.Error {
	if r.Body == nil {
		return core.NewInvalidRequestError("request body is required", nil)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return core.NewInvalidRequestError("request body too large", map[string]any{
				"limit": tooLarge.Limit,
			})
		}
		return core.NewInvalidRequestError("invalid JSON body", map[string]any{
			"error": err.Error(),
		})
	}
	return nil
}
