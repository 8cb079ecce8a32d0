package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/openjobspec/ojs-pacer/internal/core"
)

// ErrorResponse wraps a coded error for JSON output.
type ErrorResponse struct {
	Error *core.Error `json:"error"`
}

// WriteJSON writes data as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", core.MediaType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// WriteError writes a coded error, stamped with the request id.
func WriteError(w http.ResponseWriter, status int, err *core.Error) {
	if reqID := w.Header().Get("X-Request-Id"); reqID != "" {
		copied := *err
		copied.RequestID = reqID
		err = &copied
	}
	WriteJSON(w, status, ErrorResponse{Error: err})
}

// HandleError maps err to an HTTP status and writes it.
func HandleError(w http.ResponseWriter, err error) {
	coded := core.AsError(err)
	status := http.StatusInternalServerError
	switch coded.Code {
	case core.ErrCodeInvalidRequest, core.ErrCodeValidationError:
		status = http.StatusBadRequest
	case core.ErrCodeNotFound:
		status = http.StatusNotFound
	case core.ErrCodeConflict:
		status = http.StatusConflict
	default:
		slog.Error("request failed", "error", err)
	}
	WriteError(w, status, coded)
}
