package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openjobspec/ojs-pacer/internal/core"
	"github.com/openjobspec/ojs-pacer/internal/index"
	"github.com/openjobspec/ojs-pacer/internal/transport"
)

// Pinger is a dependency probed by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

const healthTimeout = 2 * time.Second

// SystemHandler serves health checks.
type SystemHandler struct {
	checks map[string]Pinger
}

// NewSystemHandler creates a SystemHandler probing checks by name.
func NewSystemHandler(checks map[string]Pinger) *SystemHandler {
	return &SystemHandler{checks: checks}
}

type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Version: core.Version, Checks: map[string]string{}}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, resp)
}

// DeadLetterSource lists parked records.
type DeadLetterSource func(ctx context.Context, limit int) ([]transport.DeadLetter, error)

// DeadLetterHandler serves the dead-letter listing.
type DeadLetterHandler struct {
	source DeadLetterSource
}

// NewDeadLetterHandler creates a DeadLetterHandler.
func NewDeadLetterHandler(source DeadLetterSource) *DeadLetterHandler {
	return &DeadLetterHandler{source: source}
}

type deadLetterView struct {
	Data        any                   `json:"data"`
	Diagnostics transport.Diagnostics `json:"diagnostics"`
}

const defaultDeadLetterLimit = 100

// List handles GET /api/processing/dead-letters?limit=N.
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
				"limit must be an integer between 1 and 1000", map[string]any{"limit": v}))
			return
		}
		limit = n
	}

	dead, err := h.source(r.Context(), limit)
	if err != nil {
		HandleError(w, err)
		return
	}

	views := make([]deadLetterView, 0, len(dead))
	for _, dl := range dead {
		views = append(views, deadLetterView{Data: rawOrString(dl.Data), Diagnostics: dl.Diagnostics})
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"deadLetters": views,
		"count":       len(views),
	})
}

func rawOrString(b []byte) any {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	return string(b)
}

// RecordIndex looks up indexed processing outcomes.
type RecordIndex interface {
	Get(ctx context.Context, jobID string, recordID int) (*index.ProcessedRecord, error)
	CountByStatus(ctx context.Context, jobID string) (map[string]int, error)
}

// RecordHandler serves indexed records.
type RecordHandler struct {
	idx RecordIndex
}

// NewRecordHandler creates a RecordHandler.
func NewRecordHandler(idx RecordIndex) *RecordHandler {
	return &RecordHandler{idx: idx}
}

// Get handles GET /api/processing/{jobId}/records/{recordId}.
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	raw := chi.URLParam(r, "recordId")
	recordID, err := strconv.Atoi(raw)
	if err != nil || recordID < 0 {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
			"recordId must be a non-negative integer", map[string]any{"recordId": raw}))
		return
	}

	rec, err := h.idx.Get(r.Context(), jobID, recordID)
	if errors.Is(err, index.ErrNotFound) {
		WriteError(w, http.StatusNotFound, core.NewNotFoundError("Record", core.Member(jobID, recordID)))
		return
	}
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// Summary handles GET /api/processing/{jobId}/records.
func (h *RecordHandler) Summary(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	counts, err := h.idx.CountByStatus(r.Context(), jobID)
	if err != nil {
		HandleError(w, err)
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"jobId":    jobID,
		"indexed":  total,
		"byStatus": counts,
	})
}
