package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/tnsr-ai/gpufleet/internal/cache"
	"github.com/tnsr-ai/gpufleet/internal/store"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

// Canceller stops a job at the user's request.
type Canceller struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

func NewCanceller(deps Deps, opts Options) *Canceller {
	return &Canceller{deps: deps, opts: opts.withDefaults(), logger: deps.logger()}
}

// Cancel marks the job and its content Cancelled, cancels and terminates the
// current machine, and signals the in-flight task to stop. It reports whether
// this call performed the cancellation; cancelling a job that is already
// terminal changes nothing and calls no provider.
func (c *Canceller) Cancel(ctx context.Context, job *models.Job) (bool, error) {
	applied, err := c.deps.Store.TerminateJob(ctx, job.ID, models.JobStatusCancelled, ReasonCancelled)
	if err != nil {
		return false, fmt.Errorf("cancelling job %d: %w", job.ID, err)
	}
	if !applied {
		return false, nil
	}
	logger := c.logger.With("job_id", job.ID)
	logger.Info("job cancelled")

	c.releaseMachine(ctx, job, logger)
	c.signal(ctx, job, logger)
	notifyFinished(ctx, c.deps.Notifier, job, models.JobStatusCancelled, ReasonCancelled)
	return true, nil
}

func (c *Canceller) releaseMachine(ctx context.Context, job *models.Job, logger *slog.Logger) {
	machine, err := c.deps.Store.GetCurrentMachine(ctx, job.ID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Error("loading machine for cancel", "error", err)
		return
	}

	applied, err := c.deps.Store.UpdateMachineStatus(ctx, machine.ID, models.MachineCancelled)
	if err != nil {
		logger.Error("marking machine cancelled", "machine_id", machine.ID, "error", err)
		return
	}
	if !applied {
		return
	}

	prov, err := c.deps.Provisioners.Provisioner(machine.Provider)
	if err != nil {
		logger.Error("resolving provider", "provider", machine.Provider, "error", err)
		return
	}
	terminate(ctx, prov, machine.InstanceID, c.opts.TerminateTimeout, logger)
}

// signal stops the running task: image tasks poll a flag, video and audio
// tasks are interrupted through the cancel channel.
func (c *Canceller) signal(ctx context.Context, job *models.Job, logger *slog.Logger) {
	var err error
	switch job.Type.CancelPolicy() {
	case models.CancelCooperative:
		err = c.deps.Cache.Set(ctx, cache.CancelFlagKey(job.ID), []byte("1"), c.opts.CancelFlagTTL)
	default:
		err = c.deps.Cache.Publish(ctx, cache.CancelChannel, []byte(strconv.FormatInt(job.ID, 10)))
	}
	if err != nil {
		logger.Warn("signalling task cancel", "error", err)
	}
}
