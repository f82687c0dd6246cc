package handler

import (
	"context"
	"net/http"

	"github.com/tnsr-ai/gpufleet/internal/api/response"
	"github.com/tnsr-ai/gpufleet/internal/callback"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

// JobKeyHeader carries the one-time job key on worker callbacks.
const JobKeyHeader = "X-Job-Key"

// WorkerService is the callback protocol used by remote workers.
type WorkerService interface {
	FetchJob(ctx context.Context, jobID int64, key string) (*callback.JobSpec, error)
	GenerateUploadURL(ctx context.Context, jobID int64, key string, req callback.UploadRequest) (*callback.UploadTarget, error)
	Reindex(ctx context.Context, jobID int64, key string, req callback.ReindexRequest) (*models.Content, error)
	JobStatus(ctx context.Context, jobID int64, key string) (models.JobStatus, error)
}

func jobKey(r *http.Request) string {
	if k := r.Header.Get(JobKeyHeader); k != "" {
		return k
	}
	return r.URL.Query().Get("key")
}

// NewFetchJobHandler returns an http.HandlerFunc for GET /api/v1/worker/jobs/{jobID}.
func NewFetchJobHandler(svc WorkerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		spec, err := svc.FetchJob(r.Context(), jobID, jobKey(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, spec)
	}
}

// NewUploadURLHandler returns an http.HandlerFunc for POST /api/v1/worker/jobs/{jobID}/upload-url.
func NewUploadURLHandler(svc WorkerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		var req callback.UploadRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Filename == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "filename is required", nil)
			return
		}
		target, err := svc.GenerateUploadURL(r.Context(), jobID, jobKey(r), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, target)
	}
}

// NewReindexHandler returns an http.HandlerFunc for POST /api/v1/worker/jobs/{jobID}/reindex.
func NewReindexHandler(svc WorkerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		var req callback.ReindexRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.ContentID <= 0 || req.ObjectKey == "" || req.MediaKind == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "content_id, media_kind and object_key are required", nil)
			return
		}
		content, err := svc.Reindex(r.Context(), jobID, jobKey(r), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, content)
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for POST /api/v1/worker/jobs/{jobID}/status.
func NewJobStatusHandler(svc WorkerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		status, err := svc.JobStatus(r.Context(), jobID, jobKey(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{"job_id": jobID, "job_status": status})
	}
}
