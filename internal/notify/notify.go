// Package notify announces jobs reaching a terminal status.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tnsr-ai/gpufleet/internal/cache"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

// Event describes a job that reached a terminal status.
type Event struct {
	JobID  int64            `json:"job_id"`
	UserID int64            `json:"user_id"`
	Status models.JobStatus `json:"status"`
	Reason string           `json:"reason,omitempty"`
	At     time.Time        `json:"at"`
}

// Notifier is told once per job, after the terminal transition was applied.
// Implementations must not block the caller on slow delivery.
type Notifier interface {
	JobFinished(ctx context.Context, e Event)
}

// Publisher is the minimal pub/sub dependency of RedisNotifier.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisNotifier logs each event and publishes it on the jobs events channel.
// Delivery is best effort.
type RedisNotifier struct {
	pub    Publisher
	logger *slog.Logger
}

func NewRedisNotifier(pub Publisher, logger *slog.Logger) *RedisNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNotifier{pub: pub, logger: logger}
}

func (n *RedisNotifier) JobFinished(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	n.logger.Info("job finished",
		"job_id", e.JobID,
		"user_id", e.UserID,
		"status", e.Status,
		"reason", e.Reason,
	)

	payload, err := json.Marshal(e)
	if err != nil {
		n.logger.Error("encoding job event", "job_id", e.JobID, "error", err)
		return
	}
	if err := n.pub.Publish(ctx, cache.EventsChannel, payload); err != nil {
		n.logger.Warn("publishing job event", "job_id", e.JobID, "error", err)
	}
}

// Multi fans an event out to several notifiers in order.
type Multi []Notifier

func (m Multi) JobFinished(ctx context.Context, e Event) {
	for _, n := range m {
		n.JobFinished(ctx, e)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) JobFinished(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

var (
	_ Notifier = (*RedisNotifier)(nil)
	_ Notifier = Multi(nil)
	_ Notifier = (*Recorder)(nil)
)
