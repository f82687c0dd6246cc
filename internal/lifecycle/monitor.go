package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tnsr-ai/gpufleet/internal/cache"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

// Monitor watches one machine until its job is terminal. One Monitor value
// serves every job; per-job state lives on the stack of Watch.
type Monitor struct {
	deps      Deps
	opts      Options
	canceller *Canceller
	logger    *slog.Logger
	now       func() time.Time
}

func NewMonitor(deps Deps, opts Options) *Monitor {
	opts = opts.withDefaults()
	return &Monitor{
		deps:      deps,
		opts:      opts,
		canceller: NewCanceller(deps, opts),
		logger:    deps.logger(),
		now:       time.Now,
	}
}

// Watch sleeps for the poll interval and then ticks, until the job reaches a
// terminal status or ctx is cancelled. It holds the caller for the whole job.
func (m *Monitor) Watch(ctx context.Context, job *models.Job, machine *models.Machine) (models.JobStatus, error) {
	if m.deps.Observer != nil {
		m.deps.Observer.MonitorStarted()
		defer m.deps.Observer.MonitorStopped()
	}
	logger := m.logger.With("job_id", job.ID, "machine_id", machine.ID, "instance_id", machine.InstanceID, "provider", machine.Provider)
	logger.Info("monitoring machine")

	timer := time.NewTimer(m.opts.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}

		status, done, err := m.Tick(ctx, job, machine)
		if err != nil {
			logger.Error("monitor tick", "error", err)
		}
		if done {
			logger.Info("monitor finished", "status", status)
			return status, nil
		}
		timer.Reset(m.opts.PollInterval)
	}
}

// Tick applies one round of the lifecycle rules. It reports the job status and
// whether monitoring is finished. machine is updated in place as its status
// advances. Errors from the store are returned without finishing so the next
// tick retries.
func (m *Monitor) Tick(ctx context.Context, job *models.Job, machine *models.Machine) (models.JobStatus, bool, error) {
	logger := m.logger.With("job_id", job.ID, "machine_id", machine.ID, "instance_id", machine.InstanceID)

	if m.cancelRequested(ctx, job.ID, logger) {
		if _, err := m.canceller.Cancel(ctx, job); err != nil {
			return "", false, err
		}
		return models.JobStatusCancelled, true, nil
	}

	current, err := m.deps.Store.GetJob(ctx, job.ID)
	if err != nil {
		return "", false, err
	}

	prov, err := m.deps.Provisioners.Provisioner(machine.Provider)
	if err != nil {
		logger.Error("resolving provider", "provider", machine.Provider, "error", err)
		return m.fail(ctx, job, machine, nil, ReasonUnknownProvider, logger)
	}

	if current.Status.IsTerminal() {
		// Finished through the callback or a cancel: release the instance.
		if err := m.release(ctx, current.Status, machine, prov, logger); err != nil {
			return "", false, err
		}
		return current.Status, true, nil
	}

	elapsed := m.now().Sub(machine.CreatedAt)
	if budget := m.runtimeBudget(job); budget > 0 && elapsed > budget {
		return m.fail(ctx, job, machine, prov, ReasonRuntimeExceeded, logger)
	}

	status, err := prov.Status(ctx, machine.InstanceID)
	switch {
	case errors.Is(err, models.ErrInstanceFailed):
		return m.fail(ctx, job, machine, prov, ReasonInstanceFailed, logger)
	case err != nil:
		logger.Warn("polling instance status", "error", err)
		return current.Status, false, nil
	}

	if status == models.MachineLoading && elapsed >= m.opts.BootTimeout {
		return m.fail(ctx, job, machine, prov, ReasonBootTimeout, logger)
	}

	if status == models.MachineExited {
		return m.resolve(ctx, job, machine, prov, logger)
	}

	if status != machine.Status {
		if _, err := m.deps.Store.UpdateMachineStatus(ctx, machine.ID, status); err != nil {
			return "", false, err
		}
		machine.Status = status
		if _, err := m.deps.Store.UpdateJobStatus(ctx, job.ID, status.JobStatus()); err != nil {
			return "", false, err
		}
		logger.Info("machine status changed", "status", status)
	}

	if status == models.MachineRunning && m.deps.Relay != nil {
		if err := m.deps.Relay.Relay(ctx, job.ID, prov, machine.InstanceID); err != nil {
			logger.Debug("relaying progress", "error", err)
		}
	}
	return status.JobStatus(), false, nil
}

func (m *Monitor) cancelRequested(ctx context.Context, jobID int64, logger *slog.Logger) bool {
	if m.deps.Cache == nil {
		return false
	}
	_, found, err := m.deps.Cache.Get(ctx, cache.CancelFlagKey(jobID))
	if err != nil {
		logger.Warn("reading cancel flag", "error", err)
		return false
	}
	return found
}

// runtimeBudget is the job's ETA, but never shorter than the boot window: a
// job estimated to finish in under a minute still gets the full boot timeout
// before the runtime rule can fail it.
func (m *Monitor) runtimeBudget(job *models.Job) time.Duration {
	if job.ETASeconds <= 0 {
		return 0
	}
	return max(job.ETA(), m.opts.BootTimeout)
}

// fail cascades Failed to the job and its content, then marks the machine
// FAILED and terminates it. If the job reached another terminal status first,
// such as a concurrent cancel, the machine follows that status instead.
func (m *Monitor) fail(ctx context.Context, job *models.Job, machine *models.Machine, prov models.Provisioner, reason string, logger *slog.Logger) (models.JobStatus, bool, error) {
	logger.Warn("failing job", "reason", reason)

	done, err := m.deps.Store.TerminateJob(ctx, job.ID, models.JobStatusFailed, reason)
	if err != nil {
		return "", false, err
	}
	if !done {
		current, err := m.deps.Store.GetJob(ctx, job.ID)
		if err != nil {
			return "", false, err
		}
		if err := m.release(ctx, current.Status, machine, prov, logger); err != nil {
			return "", false, err
		}
		return current.Status, true, nil
	}

	applied, err := m.deps.Store.UpdateMachineStatus(ctx, machine.ID, models.MachineFailed)
	if err != nil {
		return "", false, err
	}
	if applied {
		machine.Status = models.MachineFailed
		if prov != nil {
			terminate(ctx, prov, machine.InstanceID, m.opts.TerminateTimeout, logger)
		}
	}
	notifyFinished(ctx, m.deps.Notifier, job, models.JobStatusFailed, reason)
	return models.JobStatusFailed, true, nil
}

// release moves the machine of a job that is already terminal to the matching
// machine status and terminates the instance if this call made the change. A
// cancelled job leaves a CANCELLED machine; any other outcome an EXITED one.
func (m *Monitor) release(ctx context.Context, jobStatus models.JobStatus, machine *models.Machine, prov models.Provisioner, logger *slog.Logger) error {
	target := models.MachineExited
	if jobStatus == models.JobStatusCancelled {
		target = models.MachineCancelled
	}
	applied, err := m.deps.Store.UpdateMachineStatus(ctx, machine.ID, target)
	if err != nil {
		return err
	}
	if applied {
		machine.Status = target
		if prov != nil {
			terminate(ctx, prov, machine.InstanceID, m.opts.TerminateTimeout, logger)
		}
	}
	return nil
}

// resolve handles a machine that exited on its own: the job's final status is
// folded from its content rows.
func (m *Monitor) resolve(ctx context.Context, job *models.Job, machine *models.Machine, prov models.Provisioner, logger *slog.Logger) (models.JobStatus, bool, error) {
	applied, err := m.deps.Store.UpdateMachineStatus(ctx, machine.ID, models.MachineExited)
	if err != nil {
		return "", false, err
	}
	if applied {
		machine.Status = models.MachineExited
		terminate(ctx, prov, machine.InstanceID, m.opts.TerminateTimeout, logger)
	}

	final, resolved, err := m.deps.Store.ResolveJob(ctx, job.ID)
	if err != nil {
		return "", false, err
	}
	if resolved {
		reason := ""
		if final == models.JobStatusFailed {
			reason = ReasonIncompleteOutputs
		}
		logger.Info("job resolved", "status", final)
		notifyFinished(ctx, m.deps.Notifier, job, final, reason)
	}
	return final, true, nil
}
