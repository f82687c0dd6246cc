// Package cachetest provides an in-memory cache.Cache with pub/sub for tests.
package cachetest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tnsr-ai/gpufleet/internal/cache"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

type entry struct {
	value   []byte
	expires time.Time
}

// Memory is a mutex-guarded cache.Cache. Expired entries are dropped on read.
type Memory struct {
	mu   sync.Mutex
	data map[string]entry
	subs map[string][]chan []byte
	now  func() time.Time

	// PingErr is returned by Ping when set.
	PingErr error
}

// New creates an empty Memory cache.
func New() *Memory {
	return &Memory{
		data: make(map[string]entry),
		subs: make(map[string][]chan []byte),
		now:  time.Now,
	}
}

func (m *Memory) Ping(ctx context.Context) error { return m.PingErr }

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *Memory) get(key string) (entry, bool) {
	e, ok := m.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.data, key)
		return entry{}, false
	}
	return e, true
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// TTL returns the remaining lifetime of key, zero when it has none.
func (m *Memory) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok || e.expires.IsZero() {
		return 0
	}
	return e.expires.Sub(m.now())
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if e, ok := m.get(key); ok {
		_ = json.Unmarshal(e.value, &n)
	}
	n++
	v, _ := json.Marshal(n)
	m.data[key] = entry{value: v, expires: m.now().Add(expiry)}
	return n, nil
}

func (m *Memory) SetProgress(ctx context.Context, jobID int64, p models.Progress, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return m.Set(ctx, cache.ProgressKey(jobID), data, ttl)
}

func (m *Memory) GetProgress(ctx context.Context, jobID int64) (models.Progress, bool, error) {
	var p models.Progress
	data, found, err := m.Get(ctx, cache.ProgressKey(jobID))
	if err != nil || !found {
		return p, found, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, false, err
	}
	return p, true, nil
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	subs := append([]chan []byte(nil), m.subs[channel]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
			// Slow subscriber; drop like a saturated Redis client buffer.
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	in := make(chan []byte, 16)
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], in)
	m.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer m.unsubscribe(channel, in)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-in:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *Memory) unsubscribe(channel string, ch chan []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[channel]
	for i, c := range subs {
		if c == ch {
			m.subs[channel] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

var _ cache.Cache = (*Memory)(nil)
