package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/tnsr-ai/gpufleet/internal/cache"
)

const (
	reserveTimeout = 5 * time.Second
	errorBackoff   = time.Second
)

// Handler runs one task. Its context is cancelled on shutdown or when the
// task's job is cancelled preemptively.
type Handler func(ctx context.Context, task *Task) error

// Subscriber delivers pub/sub messages.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Worker consumes tasks with bounded concurrency. Each running task can be
// cancelled by job ID through Cancel or a message on the cancel channel.
type Worker struct {
	broker       Broker
	events       Subscriber
	handler      Handler
	concurrency  int
	logger       *slog.Logger
	restoreEvery time.Duration

	mu      sync.Mutex
	running map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

type WorkerOption func(*Worker)

// WithRestoreInterval sets how often the broker lease is renewed and orphaned
// tasks are restored. It must stay well below the broker's lease TTL.
func WithRestoreInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.restoreEvery = d
		}
	}
}

func NewWorker(broker Broker, events Subscriber, handler Handler, concurrency int, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	w := &Worker{
		broker:       broker,
		events:       events,
		handler:      handler,
		concurrency:  concurrency,
		logger:       logger,
		restoreEvery: DefaultLeaseTTL / 3,
		running:      make(map[int64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes tasks until ctx is cancelled, then waits for running tasks to
// return. Tasks interrupted by shutdown are left in flight and restored once
// this consumer's lease lapses or it starts again.
func (w *Worker) Run(ctx context.Context) error {
	n, err := w.broker.Restore(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.Info("restored in-flight tasks", "count", n)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.keepLease(ctx)
	}()

	if w.events != nil {
		msgs, err := w.events.Subscribe(ctx, cache.CancelChannel)
		if err != nil {
			return fmt.Errorf("subscribing to cancel channel: %w", err)
		}
		go w.listenCancels(ctx, msgs)
	}

	slots := make(chan struct{}, w.concurrency)
	defer w.wg.Wait()

	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		task, err := w.broker.Reserve(ctx, reserveTimeout)
		if err != nil || task == nil {
			<-slots
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				w.logger.Error("reserving task", "error", err)
				sleep(ctx, errorBackoff)
			}
			continue
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-slots }()
			w.handle(ctx, task)
		}()
	}
}

func (w *Worker) handle(ctx context.Context, task *Task) {
	tctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.running[task.JobID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.running, task.JobID)
		w.mu.Unlock()
		cancel()
	}()

	logger := w.logger.With("task_id", task.ID, "job_id", task.JobID, "kind", task.Kind)
	start := time.Now()
	logger.Info("task started")

	err := w.run(tctx, task)

	if ctx.Err() != nil {
		logger.Info("task interrupted by shutdown", "duration_ms", time.Since(start).Milliseconds())
		return
	}
	if err != nil {
		logger.Error("task failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
	} else {
		logger.Info("task finished", "duration_ms", time.Since(start).Milliseconds())
	}
	if err := w.broker.Ack(ctx, task); err != nil {
		logger.Error("acking task", "error", err)
	}
}

func (w *Worker) run(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return w.handler(ctx, task)
}

// Cancel interrupts the running task for jobID. It reports whether one was running.
func (w *Worker) Cancel(jobID int64) bool {
	w.mu.Lock()
	cancel, ok := w.running[jobID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running returns the number of tasks in progress.
func (w *Worker) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

func (w *Worker) listenCancels(ctx context.Context, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			jobID, err := strconv.ParseInt(string(msg), 10, 64)
			if err != nil {
				w.logger.Warn("malformed cancel message", "payload", string(msg))
				continue
			}
			if w.Cancel(jobID) {
				w.logger.Info("task cancelled", "job_id", jobID)
			}
		}
	}
}

// keepLease renews the broker lease and picks up tasks orphaned by consumers
// that died.
func (w *Worker) keepLease(ctx context.Context) {
	ticker := time.NewTicker(w.restoreEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := w.broker.Restore(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("renewing queue lease", "error", err)
			}
			continue
		}
		if n > 0 {
			w.logger.Info("restored orphaned tasks", "count", n)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
