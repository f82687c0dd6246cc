// Package progress relays live progress from a worker's runtime endpoint into
// the shared cache. Progress is advisory: every failure here is reported to the
// caller and never affects job state.
package progress

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tnsr-ai/gpufleet/pkg/models"
)

// hashKey is the Redis hash the worker pipeline updates with model and percent.
const hashKey = "progress"

const defaultTimeout = 5 * time.Second

// Reader fetches the current progress from a running worker.
type Reader interface {
	Read(ctx context.Context, ep models.Endpoint) (models.Progress, error)
}

// Sink stores relayed progress.
type Sink interface {
	SetProgress(ctx context.Context, jobID int64, p models.Progress, ttl time.Duration) error
}

// RedisReader reads the worker's progress hash over a short-lived connection.
type RedisReader struct {
	Password string
	Timeout  time.Duration
}

func (r RedisReader) Read(ctx context.Context, ep models.Endpoint) (models.Progress, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)),
		Password:     r.Password,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   -1,
	})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fields, err := rdb.HGetAll(ctx, hashKey).Result()
	if err != nil {
		return models.Progress{}, fmt.Errorf("reading worker progress: %w", err)
	}
	return parse(fields)
}

func parse(fields map[string]string) (models.Progress, error) {
	if len(fields) == 0 {
		return models.Progress{}, fmt.Errorf("worker has not reported progress")
	}
	p := models.Progress{Model: fields["model"]}
	if v, ok := fields["percent"]; ok && v != "" {
		pct, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return models.Progress{}, fmt.Errorf("malformed percent %q: %w", v, err)
		}
		p.Percent = pct
	}
	return p, nil
}

// Relay copies a worker's progress into the cache.
type Relay struct {
	reader Reader
	sink   Sink
	ttl    time.Duration
	now    func() time.Time
}

func NewRelay(reader Reader, sink Sink, ttl time.Duration) *Relay {
	return &Relay{reader: reader, sink: sink, ttl: ttl, now: time.Now}
}

// Relay resolves the instance's runtime endpoint and copies its progress.
func (r *Relay) Relay(ctx context.Context, jobID int64, prov models.Provisioner, instanceID string) error {
	ep, err := prov.RuntimeEndpoint(ctx, instanceID)
	if err != nil {
		return err
	}
	p, err := r.reader.Read(ctx, ep)
	if err != nil {
		return err
	}
	p.UpdatedAt = r.now().UTC()
	return r.sink.SetProgress(ctx, jobID, p, r.ttl)
}
