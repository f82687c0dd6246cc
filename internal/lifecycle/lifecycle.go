// Package lifecycle drives a rented machine and its job to a terminal status.
//
// The Monitor polls the provider on a fixed interval and applies the failure,
// completion and mirroring rules; the Canceller handles explicit user
// cancellation. Both only change rows through the store's guarded transitions,
// so repeated or concurrent observations of the same terminal condition leave
// the same final state and notify at most once.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/tnsr-ai/gpufleet/internal/cache"
	"github.com/tnsr-ai/gpufleet/internal/notify"
	"github.com/tnsr-ai/gpufleet/internal/store"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

// Failure reasons recorded on the job.
const (
	ReasonRuntimeExceeded   = "Job exceeded its estimated runtime"
	ReasonBootTimeout       = "Machine did not boot in time"
	ReasonInstanceFailed    = "Machine reported an error"
	ReasonUnknownProvider   = "Machine provider is not configured"
	ReasonCancelled         = "Cancelled by user"
	ReasonIncompleteOutputs = "Not every output completed"
)

// Provisioners resolves the provider tag stored on a machine.
type Provisioners interface {
	Provisioner(name string) (models.Provisioner, error)
}

// ProgressRelay copies live progress from a running instance.
type ProgressRelay interface {
	Relay(ctx context.Context, jobID int64, prov models.Provisioner, instanceID string) error
}

// Observer tracks running monitors.
type Observer interface {
	MonitorStarted()
	MonitorStopped()
}

// Deps are the collaborators shared by Monitor and Canceller. Relay and
// Observer may be nil.
type Deps struct {
	Store        store.Store
	Provisioners Provisioners
	Cache        cache.Cache
	Notifier     notify.Notifier
	Relay        ProgressRelay
	Observer     Observer
	Logger       *slog.Logger
}

// Options tunes the lifecycle rules.
type Options struct {
	PollInterval     time.Duration
	BootTimeout      time.Duration
	TerminateTimeout time.Duration
	// CancelFlagTTL bounds how long a cooperative cancel flag stays set.
	CancelFlagTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 60 * time.Second
	}
	if o.BootTimeout <= 0 {
		o.BootTimeout = 1200 * time.Second
	}
	if o.TerminateTimeout <= 0 {
		o.TerminateTimeout = 30 * time.Second
	}
	if o.CancelFlagTTL <= 0 {
		o.CancelFlagTTL = 24 * time.Hour
	}
	return o
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// terminate destroys an instance best-effort. It survives cancellation of ctx
// so a cancelled task still releases what it rented.
func terminate(ctx context.Context, prov models.Provisioner, instanceID string, timeout time.Duration, logger *slog.Logger) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := prov.Terminate(tctx, instanceID); err != nil {
		logger.Warn("terminating instance", "provider", prov.Name(), "instance_id", instanceID, "error", err)
		return
	}
	logger.Info("instance terminated", "provider", prov.Name(), "instance_id", instanceID)
}

func notifyFinished(ctx context.Context, n notify.Notifier, job *models.Job, status models.JobStatus, reason string) {
	if n == nil {
		return
	}
	n.JobFinished(context.WithoutCancel(ctx), notify.Event{
		JobID:  job.ID,
		UserID: job.UserID,
		Status: status,
		Reason: reason,
		At:     time.Now().UTC(),
	})
}
