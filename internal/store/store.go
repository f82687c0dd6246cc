package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid status transition")
var ErrInvalidKey = errors.New("invalid or expired job key")
var ErrActiveLimit = errors.New("active job limit reached")

// Store is the data access interface. All database operations go through here.
// The database is the only state shared between the API and the background tasks,
// so every status change is applied with a guard on the current status.
type Store interface {
	Ping(ctx context.Context) error

	GetUser(ctx context.Context, id int64) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	CreateContent(ctx context.Context, content *models.Content) error
	GetContent(ctx context.Context, id int64, userID int64) (*models.Content, error)
	ListJobContent(ctx context.Context, jobID int64) ([]*models.Content, error)
	MarkContentIndexing(ctx context.Context, contentID int64, jobID int64) error
	CompleteContent(ctx context.Context, contentID int64, jobID int64, meta models.ContentMetadata) error

	CountActiveJobs(ctx context.Context, userID int64) (int, error)
	CreateJob(ctx context.Context, job *models.Job, outputs []*models.Content, opts ...CreateJobOption) error
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	GetUserJob(ctx context.Context, id int64, userID int64) (*models.Job, error)
	GetJobWithKey(ctx context.Context, id int64, key string) (*models.Job, error)
	ListActiveJobs(ctx context.Context, userID int64) ([]*models.Job, error)
	ListPastJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	SetJobTaskRef(ctx context.Context, id int64, ref string) error
	UpdateJobStatus(ctx context.Context, id int64, status models.JobStatus, opts ...JobUpdateOption) (bool, error)
	TerminateJob(ctx context.Context, id int64, status models.JobStatus, reason string) (bool, error)
	ResolveJob(ctx context.Context, id int64) (models.JobStatus, bool, error)
	ResolveJobWithKey(ctx context.Context, id int64, key string) (models.JobStatus, bool, error)

	CreateMachine(ctx context.Context, machine *models.Machine) error
	GetCurrentMachine(ctx context.Context, jobID int64) (*models.Machine, error)
	UpdateMachineStatus(ctx context.Context, id int64, status models.MachineStatus) (bool, error)
	ListActiveMachines(ctx context.Context) ([]*models.Machine, error)
}

// JobFilter selects a page of a user's finished jobs.
type JobFilter struct {
	UserID int64
	Limit  int
	Offset int
}

type createJobParams struct {
	maxActive int
}

type CreateJobOption func(*createJobParams)

// WithActiveLimit makes CreateJob fail with ErrActiveLimit when the user
// already has max non-terminal jobs. The count and the insert are atomic with
// respect to other registrations for the same user.
func WithActiveLimit(max int) CreateJobOption {
	return func(p *createJobParams) {
		p.maxActive = max
	}
}

// ApplyCreateJobOptions returns the active job limit, zero when unlimited.
func ApplyCreateJobOptions(opts ...CreateJobOption) int {
	params := &createJobParams{}
	for _, opt := range opts {
		opt(params)
	}
	return params.maxActive
}

type jobUpdateParams struct {
	Process       *string
	FailureReason *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithProcess(process string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Process = &process
	}
}

func WithFailureReason(reason string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.FailureReason = &reason
	}
}

// validJobTransitions lists the non-terminal job edges UpdateJobStatus may apply.
// Terminal statuses are reached only through TerminateJob and ResolveJob so that
// content rows and the job key change in the same transaction.
var validJobTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusProcessing: {models.JobStatusLoading, models.JobStatusRunning},
	models.JobStatusLoading:    {models.JobStatusRunning},
}

// jobSources returns every status with an edge into to.
func jobSources(to models.JobStatus) []string {
	var out []string
	for from, nexts := range validJobTransitions {
		for _, n := range nexts {
			if n == to {
				out = append(out, string(from))
			}
		}
	}
	return out
}

// ProcessFor returns the job_process marker recorded alongside status.
func ProcessFor(s models.JobStatus) string {
	switch s {
	case models.JobStatusCompleted:
		return models.JobProcessCompleted
	case models.JobStatusCancelled:
		return models.JobProcessCancelled
	case models.JobStatusFailed:
		return models.JobProcessFailed
	case models.JobStatusRunning:
		return models.JobProcessProcessing
	default:
		return models.JobProcessProvisioning
	}
}

// CanTransitionJob reports whether UpdateJobStatus may move a job from one
// status to another.
func CanTransitionJob(from, to models.JobStatus) bool {
	for _, n := range validJobTransitions[from] {
		if n == to {
			return true
		}
	}
	return false
}

// ApplyJobUpdateOptions resolves opts into the job_process marker and optional
// failure reason written alongside status.
func ApplyJobUpdateOptions(status models.JobStatus, opts ...JobUpdateOption) (string, *string) {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	process := ProcessFor(status)
	if params.Process != nil {
		process = *params.Process
	}
	return process, params.FailureReason
}
