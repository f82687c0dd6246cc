// Package orchestrator admits and registers jobs and runs the background task
// that schedules, launches and monitors each one.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tnsr-ai/gpufleet/internal/config"
	"github.com/tnsr-ai/gpufleet/internal/estimate"
	"github.com/tnsr-ai/gpufleet/internal/notify"
	"github.com/tnsr-ai/gpufleet/internal/queue"
	"github.com/tnsr-ai/gpufleet/internal/scheduler"
	"github.com/tnsr-ai/gpufleet/internal/store"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

var (
	ErrAdmissionDenied = errors.New("concurrent job limit reached")
	ErrTooManyFilters  = errors.New("too many filters for tier")
	ErrContentNotFound = errors.New("content not found")
	ErrContentNotReady = errors.New("content is not ready for processing")
	ErrInvalidConfig   = models.ErrInvalidConfig
)

// ReasonNotScheduled is recorded when a registered job could not be queued.
const ReasonNotScheduled = "Job could not be scheduled"

// Enqueuer accepts background tasks.
type Enqueuer interface {
	Push(ctx context.Context, task *queue.Task) error
}

// Launcher finds and starts an instance for a job.
type Launcher interface {
	Launch(ctx context.Context, req scheduler.Requirements, label string, env map[string]string) (*scheduler.Launched, error)
}

// Watcher follows a machine until its job is terminal.
type Watcher interface {
	Watch(ctx context.Context, job *models.Job, machine *models.Machine) (models.JobStatus, error)
}

// Provisioners resolves a provider tag.
type Provisioners interface {
	Provisioner(name string) (models.Provisioner, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store        store.Store
	Queue        Enqueuer
	Selector     Launcher
	Monitor      Watcher
	Provisioners Provisioners
	Notifier     notify.Notifier
	Logger       *slog.Logger
}

// Options configures an Orchestrator.
type Options struct {
	Tiers           config.Tiers
	MaxPricePerHour float64
	// CallbackBaseURL is the public base URL workers call back to.
	CallbackBaseURL string
}

type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

func New(deps Deps, opts Options) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Tiers == nil {
		opts.Tiers = config.DefaultTiers()
	}
	return &Orchestrator{deps: deps, opts: opts, logger: logger}
}

// RegisterRequest asks to process an uploaded content item.
type RegisterRequest struct {
	ContentID int64            `json:"content_id"`
	Config    models.JobConfig `json:"config"`
}

// --- Registration ---

// Estimate prices a prospective job without admitting or storing it.
func (o *Orchestrator) Estimate(ctx context.Context, userID int64, req RegisterRequest) (estimate.Result, error) {
	_, _, est, err := o.prepare(ctx, userID, req)
	return est, err
}

// Register admits a job, stores it with its output content rows and queues
// its orchestration task. It returns as soon as the task is queued.
func (o *Orchestrator) Register(ctx context.Context, userID int64, req RegisterRequest) (*models.Job, error) {
	user, input, est, err := o.prepare(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	limits := o.opts.Tiers.Limits(user.Tier)
	job := &models.Job{
		UserID:     userID,
		ContentID:  input.ID,
		Type:       req.Config.Type,
		Status:     models.JobStatusProcessing,
		Process:    models.JobProcessStarted,
		Tier:       user.Tier,
		OneTimeKey: uuid.NewString(),
		KeyValid:   true,
		Config:     req.Config,
		ETASeconds: est.ETASeconds,
		Price:      est.Price,
	}
	err = o.deps.Store.CreateJob(ctx, job, outputsFor(input, req.Config), store.WithActiveLimit(limits.MaxJobs))
	if errors.Is(err, store.ErrActiveLimit) {
		return nil, fmt.Errorf("%w: %w", ErrAdmissionDenied, err)
	}
	if err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	task := queue.NewTask(job.ID, job.Type)
	if err := o.deps.Queue.Push(ctx, task); err != nil {
		if _, terr := o.deps.Store.TerminateJob(context.WithoutCancel(ctx), job.ID, models.JobStatusFailed, ReasonNotScheduled); terr != nil {
			o.logger.Error("failing unscheduled job", "job_id", job.ID, "error", terr)
		}
		return nil, fmt.Errorf("queueing job: %w", err)
	}
	if err := o.deps.Store.SetJobTaskRef(ctx, job.ID, task.ID); err != nil {
		o.logger.Warn("recording task ref", "job_id", job.ID, "error", err)
	}
	ref := task.ID
	job.TaskRef = &ref

	o.logger.Info("job registered",
		"job_id", job.ID,
		"user_id", userID,
		"job_type", job.Type,
		"eta_seconds", job.ETASeconds,
		"price", job.Price,
	)
	return job, nil
}

// prepare validates a request against the caller's content and tier and
// computes its estimate.
func (o *Orchestrator) prepare(ctx context.Context, userID int64, req RegisterRequest) (*models.User, *models.Content, estimate.Result, error) {
	var none estimate.Result

	if err := req.Config.Validate(); err != nil {
		return nil, nil, none, err
	}

	user, err := o.deps.Store.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, none, fmt.Errorf("loading user: %w", err)
	}

	limits := o.opts.Tiers.Limits(user.Tier)
	if limit, ok := limits.MaxFilters[string(req.Config.Type)]; ok {
		if n := len(req.Config.FilterNames()); n > limit {
			return nil, nil, none, fmt.Errorf("%w: %d filters, %s tier allows %d", ErrTooManyFilters, n, user.Tier, limit)
		}
	}

	input, err := o.deps.Store.GetContent(ctx, req.ContentID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, none, ErrContentNotFound
	}
	if err != nil {
		return nil, nil, none, fmt.Errorf("loading content: %w", err)
	}
	if input.Status != models.ContentStatusCompleted {
		return nil, nil, none, fmt.Errorf("%w: status %s", ErrContentNotReady, input.Status)
	}
	if !compatible(input.ContentType, req.Config.Type) {
		return nil, nil, none, fmt.Errorf("%w: %s job cannot process %s content", ErrInvalidConfig, req.Config.Type, input.ContentType)
	}

	est, err := estimate.For(req.Config, MediaInfo(input))
	if err != nil {
		if errors.Is(err, estimate.ErrInvalidMedia) {
			return nil, nil, none, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		return nil, nil, none, err
	}
	return user, input, est, nil
}

func compatible(ct models.ContentType, jt models.JobType) bool {
	switch jt {
	case models.JobTypeVideo:
		return ct == models.ContentTypeVideo
	case models.JobTypeAudio:
		// Audio filters also run on a video's soundtrack.
		return ct == models.ContentTypeAudio || ct == models.ContentTypeVideo
	case models.JobTypeImage:
		return ct == models.ContentTypeImage
	}
	return false
}

// MediaInfo reads the estimator inputs off a content row. Resolution is
// stored as "WIDTHxHEIGHT".
func MediaInfo(c *models.Content) models.MediaInfo {
	m := models.MediaInfo{FPS: c.FPS, DurationSeconds: c.Duration, SizeBytes: c.SizeBytes}
	if w, h, ok := strings.Cut(c.Resolution, "x"); ok {
		m.Width, _ = strconv.Atoi(strings.TrimSpace(w))
		m.Height, _ = strconv.Atoi(strings.TrimSpace(h))
	}
	return m
}

// outputsFor returns the content rows a job will produce: the primary output
// tagged with its filters, a subtitle track for transcription and an archive
// for audio stem separation.
func outputsFor(input *models.Content, cfg models.JobConfig) []*models.Content {
	var tags []string
	for _, n := range cfg.FilterNames() {
		tags = append(tags, string(n))
	}
	related := input.ID
	row := func(ct models.ContentType, title string) *models.Content {
		return &models.Content{
			UserID:      input.UserID,
			IDRelated:   &related,
			Title:       title,
			Status:      models.ContentStatusProcessing,
			ContentType: ct,
			Tags:        tags,
		}
	}

	primary := models.ContentType(cfg.Type)
	out := []*models.Content{row(primary, input.Title)}

	base := strings.TrimSuffix(input.Title, extension(input.Title))
	if cfg.Has(models.FilterTranscription) {
		out = append(out, row(models.ContentTypeSubtitle, base+".srt"))
	}
	if cfg.Type == models.JobTypeAudio && cfg.Has(models.FilterStemSeparation) {
		out = append(out, row(models.ContentTypeZip, base+"_stems.zip"))
	}
	return out
}

func extension(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[i:]
	}
	return ""
}
