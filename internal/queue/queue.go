// Package queue is the background task queue that runs one orchestration task
// per job. Tasks live in a Redis list; a reserved task is moved to the
// consumer's own in-flight list until it is acknowledged. Each consumer holds a
// lease it renews while alive, and only the in-flight lists of consumers whose
// lease lapsed are returned to pending, so a crashed consumer never loses work
// and a live one never has its tasks handed to another.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tnsr-ai/gpufleet/pkg/models"
)

// Redis keys.
const (
	PendingKey   = "queue:tasks"
	ConsumersKey = "queue:consumers"

	processingPrefix = "queue:processing:"
	leasePrefix      = "queue:lease:"
)

// DefaultLeaseTTL is how long a consumer's lease survives without renewal.
const DefaultLeaseTTL = 30 * time.Second

// ProcessingKey is the in-flight list of one consumer.
func ProcessingKey(consumer string) string { return processingPrefix + consumer }

// LeaseKey marks a consumer as alive while it exists.
func LeaseKey(consumer string) string { return leasePrefix + consumer }

// KindOrchestrate schedules, launches and monitors one job.
const KindOrchestrate = "orchestrate"

// Task is one unit of background work.
type Task struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	JobID      int64          `json:"job_id"`
	JobType    models.JobType `json:"job_type"`
	EnqueuedAt time.Time      `json:"enqueued_at"`

	// raw is the exact list element, needed to remove it on Ack.
	raw string
}

// NewTask returns an orchestration task for a job with a fresh ID.
func NewTask(jobID int64, jobType models.JobType) *Task {
	return &Task{
		ID:         uuid.NewString(),
		Kind:       KindOrchestrate,
		JobID:      jobID,
		JobType:    jobType,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Broker stores tasks between producer and consumer.
type Broker interface {
	Push(ctx context.Context, task *Task) error
	// Reserve blocks up to timeout for a task. It returns nil, nil on timeout.
	Reserve(ctx context.Context, timeout time.Duration) (*Task, error)
	Ack(ctx context.Context, task *Task) error
	// Restore renews the consumer's lease and moves tasks held by consumers
	// that are no longer alive back to pending. It returns how many moved.
	// Consumers call it at start and then every RestoreInterval.
	Restore(ctx context.Context) (int, error)
}

// RedisQueue implements Broker with Redis lists. Producers only Push; a
// consumer identifies itself so its in-flight tasks stay its own.
type RedisQueue struct {
	rdb      *redis.Client
	consumer string
	leaseTTL time.Duration

	started atomic.Bool
}

type Option func(*RedisQueue)

// WithConsumer sets the consumer identity. A stable identity lets a restarted
// process take back its own in-flight tasks at once instead of waiting for the
// old lease to lapse.
func WithConsumer(id string) Option {
	return func(q *RedisQueue) {
		if id != "" {
			q.consumer = id
		}
	}
}

func WithLeaseTTL(ttl time.Duration) Option {
	return func(q *RedisQueue) {
		if ttl > 0 {
			q.leaseTTL = ttl
		}
	}
}

func NewRedisQueue(rdb *redis.Client, opts ...Option) *RedisQueue {
	q := &RedisQueue{rdb: rdb, consumer: uuid.NewString(), leaseTTL: DefaultLeaseTTL}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Consumer returns the consumer identity.
func (q *RedisQueue) Consumer() string { return q.consumer }

// RestoreInterval is how often a consumer should call Restore to keep its
// lease alive.
func (q *RedisQueue) RestoreInterval() time.Duration { return q.leaseTTL / 3 }

func (q *RedisQueue) Push(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}
	if err := q.rdb.LPush(ctx, PendingKey, data).Err(); err != nil {
		return fmt.Errorf("pushing task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Reserve(ctx context.Context, timeout time.Duration) (*Task, error) {
	inflight := ProcessingKey(q.consumer)
	val, err := q.rdb.BLMove(ctx, PendingKey, inflight, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserving task: %w", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(val), &task); err != nil {
		// Drop undecodable entries so they do not wedge the consumer.
		q.rdb.LRem(ctx, inflight, 1, val)
		return nil, fmt.Errorf("decoding task: %w", err)
	}
	task.raw = val
	return &task, nil
}

func (q *RedisQueue) Ack(ctx context.Context, task *Task) error {
	if err := q.rdb.LRem(ctx, ProcessingKey(q.consumer), 1, task.raw).Err(); err != nil {
		return fmt.Errorf("acking task %s: %w", task.ID, err)
	}
	return nil
}

// Restore renews this consumer's lease, then returns to pending the in-flight
// tasks of every registered consumer whose lease is gone. On the first call it
// also returns this consumer's own in-flight tasks, left by a previous run
// under the same identity.
func (q *RedisQueue) Restore(ctx context.Context) (int, error) {
	pipe := q.rdb.TxPipeline()
	pipe.SAdd(ctx, ConsumersKey, q.consumer)
	pipe.Set(ctx, LeaseKey(q.consumer), time.Now().UTC().Format(time.RFC3339), q.leaseTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("renewing lease: %w", err)
	}

	n := 0
	if !q.started.Swap(true) {
		moved, err := q.drain(ctx, q.consumer)
		n += moved
		if err != nil {
			return n, err
		}
	}

	consumers, err := q.rdb.SMembers(ctx, ConsumersKey).Result()
	if err != nil {
		return n, fmt.Errorf("listing consumers: %w", err)
	}
	for _, id := range consumers {
		if id == q.consumer {
			continue
		}
		alive, err := q.rdb.Exists(ctx, LeaseKey(id)).Result()
		if err != nil {
			return n, fmt.Errorf("checking lease of %s: %w", id, err)
		}
		if alive > 0 {
			continue
		}
		moved, err := q.drain(ctx, id)
		n += moved
		if err != nil {
			return n, err
		}
		if err := q.rdb.SRem(ctx, ConsumersKey, id).Err(); err != nil {
			return n, fmt.Errorf("forgetting consumer %s: %w", id, err)
		}
	}
	return n, nil
}

// drain moves every element of a consumer's in-flight list back to pending.
// LMOVE is atomic per element, so two consumers draining the same list never
// restore a task twice.
func (q *RedisQueue) drain(ctx context.Context, consumer string) (int, error) {
	n := 0
	for {
		err := q.rdb.LMove(ctx, ProcessingKey(consumer), PendingKey, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("restoring tasks of %s: %w", consumer, err)
		}
		n++
	}
}

// Release drops the consumer's lease so its in-flight tasks can be restored by
// another consumer without waiting for the TTL.
func (q *RedisQueue) Release(ctx context.Context) error {
	return q.rdb.Del(ctx, LeaseKey(q.consumer)).Err()
}

// Len returns the number of pending tasks.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, PendingKey).Result()
}

var _ Broker = (*RedisQueue)(nil)
