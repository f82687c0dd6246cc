// Package handler implements the HTTP endpoints. Each constructor takes the
// narrow service interface it needs and returns an http.HandlerFunc.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tnsr-ai/gpufleet/internal/api/response"
	"github.com/tnsr-ai/gpufleet/internal/callback"
	"github.com/tnsr-ai/gpufleet/internal/orchestrator"
	"github.com/tnsr-ai/gpufleet/internal/storage"
	"github.com/tnsr-ai/gpufleet/internal/store"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// writeError maps a service error onto the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrAdmissionDenied):
		response.Error(w, http.StatusTooManyRequests, "ADMISSION_DENIED", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrContentNotFound),
		errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, callback.ErrReplayedCallback):
		response.Error(w, http.StatusForbidden, "INVALID_JOB_KEY", "Invalid or expired job key", nil)
	case errors.Is(err, models.ErrInvalidConfig),
		errors.Is(err, orchestrator.ErrTooManyFilters),
		errors.Is(err, orchestrator.ErrContentNotReady),
		errors.Is(err, callback.ErrUnknownOutput),
		errors.Is(err, callback.ErrKindMismatch),
		errors.Is(err, callback.ErrForeignObject),
		errors.Is(err, storage.ErrInvalidKey),
		errors.Is(err, storage.ErrObjectNotFound):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	return true
}

// jobIDParam reads the {jobID} path segment.
func jobIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

func unauthorized(w http.ResponseWriter) {
	response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
}
