package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	mw "github.com/tnsr-ai/gpufleet/internal/api/middleware"
	"github.com/tnsr-ai/gpufleet/internal/api/response"
	"github.com/tnsr-ai/gpufleet/internal/store"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

const (
	maxProgressIDs          = 20
	defaultProgressInterval = 30 * time.Second
)

// ProgressReader reads live progress mirrored from running workers.
type ProgressReader interface {
	GetProgress(ctx context.Context, jobID int64) (models.Progress, bool, error)
}

// ProgressView is the status of one job with its live progress, when known.
type ProgressView struct {
	JobID     int64            `json:"job_id"`
	Status    models.JobStatus `json:"job_status"`
	Process   string           `json:"job_process"`
	Model     string           `json:"model,omitempty"`
	Percent   *float64         `json:"percent,omitempty"`
	UpdatedAt *time.Time       `json:"updated_at,omitempty"`
}

// NewProgressHandler returns an http.HandlerFunc for GET /api/v1/jobs/progress.
// With "Accept: text/event-stream" it sends a progress event every interval
// until the client disconnects or every listed job is finished.
func NewProgressHandler(jobs JobStore, progress ProgressReader, interval time.Duration) http.HandlerFunc {
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			unauthorized(w)
			return
		}
		ids, err := parseIDs(r.URL.Query().Get("ids"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
			views, err := snapshot(r.Context(), jobs, progress, userID, ids)
			if err != nil {
				writeError(w, r, err)
				return
			}
			response.JSON(w, views)
			return
		}

		if _, ok := w.(http.Flusher); !ok {
			response.Error(w, http.StatusNotAcceptable, "INVALID_REQUEST", "Streaming unsupported", nil)
			return
		}
		response.StartStream(w)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			views, err := snapshot(r.Context(), jobs, progress, userID, ids)
			if err != nil {
				if r.Context().Err() == nil {
					slog.Warn("progress snapshot", "user_id", userID, "error", err)
				}
				return
			}
			if err := response.Event(w, "progress", views); err != nil {
				return
			}
			if allFinished(views) {
				return
			}
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
			}
		}
	}
}

func snapshot(ctx context.Context, jobs JobStore, progress ProgressReader, userID int64, ids []int64) ([]ProgressView, error) {
	views := make([]ProgressView, 0, len(ids))
	for _, id := range ids {
		job, err := jobs.GetUserJob(ctx, id, userID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		v := ProgressView{JobID: job.ID, Status: job.Status, Process: job.Process}
		if job.Status == models.JobStatusRunning {
			// Progress is advisory; a cache miss or error only omits it.
			if p, found, err := progress.GetProgress(ctx, job.ID); err == nil && found {
				pct := p.Percent
				at := p.UpdatedAt
				v.Model, v.Percent, v.UpdatedAt = p.Model, &pct, &at
			}
		}
		views = append(views, v)
	}
	return views, nil
}

func allFinished(views []ProgressView) bool {
	for _, v := range views {
		if !v.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// parseIDs reads a comma separated list of job ids.
func parseIDs(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("ids is required")
	}
	parts := strings.Split(raw, ",")
	if len(parts) > maxProgressIDs {
		return nil, errors.New("at most 20 ids may be requested")
	}
	seen := make(map[int64]bool, len(parts))
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || id <= 0 {
			return nil, errors.New("ids must be positive integers")
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}
