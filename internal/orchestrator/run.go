package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/tnsr-ai/gpufleet/internal/notify"
	"github.com/tnsr-ai/gpufleet/internal/queue"
	"github.com/tnsr-ai/gpufleet/internal/scheduler"
	"github.com/tnsr-ai/gpufleet/internal/store"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

// Run is the queue handler for orchestration tasks. It launches an instance
// for the job and monitors it until the job is terminal. A task restored after
// a restart resumes monitoring the job's live machine instead of launching a
// second one.
func (o *Orchestrator) Run(ctx context.Context, task *queue.Task) error {
	logger := o.logger.With("job_id", task.JobID, "task_id", task.ID)

	job, err := o.deps.Store.GetJob(ctx, task.JobID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("task for unknown job dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}
	if job.Status.IsTerminal() {
		return nil
	}

	machine, err := o.deps.Store.GetCurrentMachine(ctx, job.ID)
	switch {
	case err == nil && !machine.Status.IsTerminal():
		logger.Info("resuming monitor", "machine_id", machine.ID)
		_, err := o.deps.Monitor.Watch(ctx, job, machine)
		return err
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("loading machine: %w", err)
	}

	input, err := o.deps.Store.GetContent(ctx, job.ContentID, job.UserID)
	if err != nil {
		return fmt.Errorf("loading input content: %w", err)
	}
	req := scheduler.RequirementsFor(job.Config, MediaInfo(input), job.ETA(), o.opts.MaxPricePerHour)

	launched, launchErr := o.deps.Selector.Launch(ctx, req, o.label(job), o.workerEnv(job))
	if errors.Is(launchErr, scheduler.ErrNoCapacity) {
		logger.Warn("no capacity for job", "error", launchErr)
		o.failJob(ctx, job, scheduler.NoCapacityReason)
		return nil
	}
	if launched == nil {
		return launchErr
	}

	// The instance exists now; record it even if the task is being cancelled.
	bg := context.WithoutCancel(ctx)
	machine = &models.Machine{
		InstanceID: launched.InstanceID,
		JobID:      job.ID,
		UserID:     job.UserID,
		Provider:   launched.Listing.Provider,
		Status:     models.MachineLoading,
		ListingID:  launched.Listing.ID,
		PricePerHr: launched.Listing.PricePerHr,
	}
	if err := o.deps.Store.CreateMachine(bg, machine); err != nil {
		o.terminate(bg, launched.Listing.Provider, launched.InstanceID)
		return fmt.Errorf("recording machine: %w", err)
	}

	applied, err := o.deps.Store.UpdateJobStatus(bg, job.ID, models.JobStatusLoading)
	if err != nil {
		return fmt.Errorf("updating job status: %w", err)
	}
	if !applied {
		// The job was cancelled while the instance was starting.
		current, err := o.deps.Store.GetJob(bg, job.ID)
		if err != nil {
			return fmt.Errorf("reloading job: %w", err)
		}
		if current.Status.IsTerminal() {
			logger.Info("job finished while launching; releasing instance", "status", current.Status, "instance_id", machine.InstanceID)
			if ok, _ := o.deps.Store.UpdateMachineStatus(bg, machine.ID, models.MachineCancelled); ok {
				o.terminate(bg, machine.Provider, machine.InstanceID)
			}
			return nil
		}
	}
	if launchErr != nil {
		// Interrupted by shutdown: the recorded machine is resumed when the
		// task is restored.
		return launchErr
	}

	logger.Info("machine recorded", "machine_id", machine.ID, "provider", machine.Provider, "instance_id", machine.InstanceID)
	_, err = o.deps.Monitor.Watch(ctx, job, machine)
	return err
}

func (o *Orchestrator) failJob(ctx context.Context, job *models.Job, reason string) {
	applied, err := o.deps.Store.TerminateJob(context.WithoutCancel(ctx), job.ID, models.JobStatusFailed, reason)
	if err != nil {
		o.logger.Error("failing job", "job_id", job.ID, "error", err)
		return
	}
	if applied && o.deps.Notifier != nil {
		o.deps.Notifier.JobFinished(context.WithoutCancel(ctx), notify.Event{
			JobID:  job.ID,
			UserID: job.UserID,
			Status: models.JobStatusFailed,
			Reason: reason,
		})
	}
}

func (o *Orchestrator) terminate(ctx context.Context, providerName, instanceID string) {
	prov, err := o.deps.Provisioners.Provisioner(providerName)
	if err != nil {
		o.logger.Error("resolving provider", "provider", providerName, "error", err)
		return
	}
	if err := prov.Terminate(ctx, instanceID); err != nil {
		o.logger.Warn("terminating instance", "provider", providerName, "instance_id", instanceID, "error", err)
	}
}

func (o *Orchestrator) label(job *models.Job) string {
	return "gpufleet-job-" + strconv.FormatInt(job.ID, 10)
}

// workerEnv is the per-job environment the worker pipeline reads at start.
func (o *Orchestrator) workerEnv(job *models.Job) map[string]string {
	return map[string]string{
		"JOB_ID":       strconv.FormatInt(job.ID, 10),
		"JOB_KEY":      job.OneTimeKey,
		"JOB_TYPE":     string(job.Type),
		"CALLBACK_URL": fmt.Sprintf("%s/api/v1/worker/jobs/%d", o.opts.CallbackBaseURL, job.ID),
	}
}
