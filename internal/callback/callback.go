// Package callback serves the protocol remote workers use to fetch their job,
// upload artifacts and report completion. Every call carries the job's
// one-time key; the key stops working once a status report is accepted.
package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tnsr-ai/gpufleet/internal/lifecycle"
	"github.com/tnsr-ai/gpufleet/internal/notify"
	"github.com/tnsr-ai/gpufleet/internal/storage"
	"github.com/tnsr-ai/gpufleet/internal/store"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

var (
	// ErrReplayedCallback rejects a stale, consumed or mismatched job key.
	// Nothing is changed when it is returned.
	ErrReplayedCallback = errors.New("invalid or already used job key")
	ErrUnknownOutput    = errors.New("content is not an output of this job")
	ErrKindMismatch     = errors.New("media kind does not match content type")
	ErrForeignObject    = errors.New("object key is outside the job's upload prefix")
)

// ObjectStore presigns and inspects stored objects.
type ObjectStore interface {
	DownloadURL(ctx context.Context, key string) (string, error)
	UploadURL(ctx context.Context, key, checksum string) (string, error)
	Stat(ctx context.Context, key string) (storage.Object, error)
}

type Service struct {
	store    store.Store
	objects  ObjectStore
	notifier notify.Notifier
	logger   *slog.Logger
}

func New(st store.Store, objects ObjectStore, notifier notify.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, objects: objects, notifier: notifier, logger: logger}
}

// JobSpec is what a worker needs to run a job.
type JobSpec struct {
	JobID     int64             `json:"job_id"`
	JobType   models.JobType    `json:"job_type"`
	Config    models.JobConfig  `json:"config"`
	Source    *models.Content   `json:"source"`
	SourceURL string            `json:"source_url"`
	Outputs   []*models.Content `json:"outputs"`
}

type UploadRequest struct {
	Filename string `json:"filename"`
	Checksum string `json:"checksum"`
}

type UploadTarget struct {
	Method string `json:"method"`
	URL    string `json:"url"`
	Key    string `json:"key"`
}

// ReindexRequest reports a finished artifact. The worker extracts the media
// metadata; the stored size is read from the bucket.
type ReindexRequest struct {
	ContentID  int64              `json:"content_id"`
	MediaKind  models.ContentType `json:"media_kind"`
	ObjectKey  string             `json:"object_key"`
	Thumbnail  string             `json:"thumbnail,omitempty"`
	Resolution string             `json:"resolution,omitempty"`
	Duration   float64            `json:"duration,omitempty"`
	FPS        float64            `json:"fps,omitempty"`
	Hz         int                `json:"hz,omitempty"`
}

func (s *Service) authorize(ctx context.Context, jobID int64, key string) (*models.Job, error) {
	if key == "" {
		return nil, ErrReplayedCallback
	}
	job, err := s.store.GetJobWithKey(ctx, jobID, key)
	if errors.Is(err, store.ErrInvalidKey) || errors.Is(err, store.ErrNotFound) {
		return nil, ErrReplayedCallback
	}
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	return job, nil
}

// FetchJob returns the job configuration with a download URL for its input.
func (s *Service) FetchJob(ctx context.Context, jobID int64, key string) (*JobSpec, error) {
	job, err := s.authorize(ctx, jobID, key)
	if err != nil {
		return nil, err
	}
	input, err := s.store.GetContent(ctx, job.ContentID, job.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading input content: %w", err)
	}
	outputs, err := s.store.ListJobContent(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("loading outputs: %w", err)
	}

	spec := &JobSpec{
		JobID:   job.ID,
		JobType: job.Type,
		Config:  job.Config,
		Source:  input,
		Outputs: outputs,
	}
	if input.Link != "" {
		if spec.SourceURL, err = s.objects.DownloadURL(ctx, input.Link); err != nil {
			return nil, err
		}
	}
	return spec, nil
}

// GenerateUploadURL presigns a PUT for one of the job's artifacts.
func (s *Service) GenerateUploadURL(ctx context.Context, jobID int64, key string, req UploadRequest) (*UploadTarget, error) {
	job, err := s.authorize(ctx, jobID, key)
	if err != nil {
		return nil, err
	}
	objectKey, err := storage.OutputKey(job.UserID, job.ID, req.Filename)
	if err != nil {
		return nil, err
	}
	url, err := s.objects.UploadURL(ctx, objectKey, req.Checksum)
	if err != nil {
		return nil, err
	}
	return &UploadTarget{Method: "PUT", URL: url, Key: objectKey}, nil
}

// Reindex records an uploaded artifact on its content row and completes it.
func (s *Service) Reindex(ctx context.Context, jobID int64, key string, req ReindexRequest) (*models.Content, error) {
	job, err := s.authorize(ctx, jobID, key)
	if err != nil {
		return nil, err
	}

	outputs, err := s.store.ListJobContent(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("loading outputs: %w", err)
	}
	var target *models.Content
	for _, c := range outputs {
		if c.ID == req.ContentID {
			target = c
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOutput, req.ContentID)
	}
	if req.MediaKind != target.ContentType {
		return nil, fmt.Errorf("%w: %s reported for %s", ErrKindMismatch, req.MediaKind, target.ContentType)
	}
	if !strings.HasPrefix(req.ObjectKey, storage.OutputPrefix(job.UserID, job.ID)) {
		return nil, ErrForeignObject
	}

	obj, err := s.objects.Stat(ctx, req.ObjectKey)
	if err != nil {
		return nil, err
	}

	if err := s.store.MarkContentIndexing(ctx, target.ID, job.ID); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return nil, fmt.Errorf("marking content indexing: %w", err)
	}
	meta := models.ContentMetadata{
		Link:       req.ObjectKey,
		Thumbnail:  req.Thumbnail,
		SizeBytes:  obj.Size,
		Duration:   req.Duration,
		Resolution: req.Resolution,
		FPS:        req.FPS,
		Hz:         req.Hz,
	}
	if err := s.store.CompleteContent(ctx, target.ID, job.ID, meta); err != nil {
		return nil, fmt.Errorf("completing content: %w", err)
	}

	s.logger.Info("content reindexed",
		"job_id", job.ID,
		"content_id", target.ID,
		"size", obj.HumanSize(),
	)

	target.Status = models.ContentStatusCompleted
	target.Link = meta.Link
	target.Thumbnail = meta.Thumbnail
	target.SizeBytes = meta.SizeBytes
	target.Duration = meta.Duration
	target.Resolution = meta.Resolution
	target.FPS = meta.FPS
	target.Hz = meta.Hz
	return target, nil
}

// JobStatus finalizes the job from its content rows and invalidates the key.
// A second report with the same key is rejected.
func (s *Service) JobStatus(ctx context.Context, jobID int64, key string) (models.JobStatus, error) {
	if key == "" {
		return "", ErrReplayedCallback
	}
	final, applied, err := s.store.ResolveJobWithKey(ctx, jobID, key)
	if errors.Is(err, store.ErrInvalidKey) {
		return "", ErrReplayedCallback
	}
	if err != nil {
		return "", fmt.Errorf("resolving job: %w", err)
	}
	if applied && s.notifier != nil {
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			s.logger.Warn("loading finished job", "job_id", jobID, "error", err)
			return final, nil
		}
		reason := ""
		if final == models.JobStatusFailed {
			reason = lifecycle.ReasonIncompleteOutputs
		}
		s.notifier.JobFinished(ctx, notify.Event{
			JobID:  job.ID,
			UserID: job.UserID,
			Status: final,
			Reason: reason,
		})
	}
	s.logger.Info("job status reported", "job_id", jobID, "status", final, "applied", applied)
	return final, nil
}
