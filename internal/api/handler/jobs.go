package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	mw "github.com/tnsr-ai/gpufleet/internal/api/middleware"
	"github.com/tnsr-ai/gpufleet/internal/api/response"
	"github.com/tnsr-ai/gpufleet/internal/estimate"
	"github.com/tnsr-ai/gpufleet/internal/orchestrator"
	"github.com/tnsr-ai/gpufleet/internal/storage"
	"github.com/tnsr-ai/gpufleet/internal/store"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

const (
	defaultPastLimit = 5
	maxPastLimit     = 5
)

// JobService admits and prices jobs.
type JobService interface {
	Register(ctx context.Context, userID int64, req orchestrator.RegisterRequest) (*models.Job, error)
	Estimate(ctx context.Context, userID int64, req orchestrator.RegisterRequest) (estimate.Result, error)
}

// JobStore is the read side of the job endpoints.
type JobStore interface {
	GetUserJob(ctx context.Context, id int64, userID int64) (*models.Job, error)
	GetContent(ctx context.Context, id int64, userID int64) (*models.Content, error)
	ListActiveJobs(ctx context.Context, userID int64) ([]*models.Job, error)
	ListPastJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
}

// Canceller stops a job on user request.
type Canceller interface {
	Cancel(ctx context.Context, job *models.Job) (bool, error)
}

// InputView summarizes a job's input content.
type InputView struct {
	ID          int64              `json:"id"`
	Title       string             `json:"title"`
	ContentType models.ContentType `json:"content_type"`
	SizeBytes   int64              `json:"size_bytes"`
	Size        string             `json:"size"`
	Resolution  string             `json:"resolution,omitempty"`
	Duration    float64            `json:"duration,omitempty"`
}

// JobView is a job as shown to its owner.
type JobView struct {
	*models.Job
	Input *InputView `json:"input,omitempty"`
}

func inputView(c *models.Content) *InputView {
	return &InputView{
		ID:          c.ID,
		Title:       c.Title,
		ContentType: c.ContentType,
		SizeBytes:   c.SizeBytes,
		Size:        storage.HumanSize(c.SizeBytes),
		Resolution:  c.Resolution,
		Duration:    c.Duration,
	}
}

// NewRegisterJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// The job is queued, not run, when the response is written.
func NewRegisterJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			unauthorized(w)
			return
		}
		var req orchestrator.RegisterRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.ContentID <= 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "content_id is required", nil)
			return
		}

		job, err := svc.Register(r.Context(), userID, req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, JobView{Job: job})
	}
}

// NewEstimateHandler returns an http.HandlerFunc for POST /api/v1/jobs/estimate.
func NewEstimateHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			unauthorized(w)
			return
		}
		var req orchestrator.RegisterRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		est, err := svc.Estimate(r.Context(), userID, req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{
			"content_id":  req.ContentID,
			"eta_seconds": est.ETASeconds,
			"eta":         (time.Duration(est.ETASeconds) * time.Second).String(),
			"price":       est.Price,
		})
	}
}

// NewActiveJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs/active.
func NewActiveJobsHandler(jobs JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			unauthorized(w)
			return
		}
		list, err := jobs.ListActiveJobs(r.Context(), userID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		views := make([]JobView, 0, len(list))
		for _, j := range list {
			v := JobView{Job: j}
			if input, err := jobs.GetContent(r.Context(), j.ContentID, userID); err == nil {
				v.Input = inputView(input)
			}
			views = append(views, v)
		}
		response.JSON(w, views)
	}
}

// NewPastJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs/past.
func NewPastJobsHandler(jobs JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			unauthorized(w)
			return
		}

		limit, offset := defaultPastLimit, 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxPastLimit {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 5", nil)
				return
			}
			limit = n
		}
		if v := r.URL.Query().Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "offset must be zero or positive", nil)
				return
			}
			offset = n
		}

		list, total, err := jobs.ListPastJobs(r.Context(), store.JobFilter{UserID: userID, Limit: limit, Offset: offset})
		if err != nil {
			writeError(w, r, err)
			return
		}
		views := make([]JobView, 0, len(list))
		for _, j := range list {
			views = append(views, JobView{Job: j})
		}
		response.Collection(w, views, response.NewPaginationMeta(limit, offset, total))
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for /api/v1/jobs/{jobID}/cancel.
// Cancelling a finished job succeeds without changing anything.
func NewCancelJobHandler(jobs JobStore, c Canceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			unauthorized(w)
			return
		}
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		job, err := jobs.GetUserJob(r.Context(), jobID, userID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		cancelled, err := c.Cancel(r.Context(), job)
		if err != nil {
			writeError(w, r, err)
			return
		}

		status := job.Status
		if cancelled {
			status = models.JobStatusCancelled
		}
		response.JSON(w, map[string]any{
			"job_id":     job.ID,
			"cancelled":  cancelled,
			"job_status": status,
		})
	}
}
