package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/tnsr-ai/gpufleet/internal/api/middleware"
	"github.com/tnsr-ai/gpufleet/internal/cache/cachetest"
	"github.com/tnsr-ai/gpufleet/internal/callback"
	"github.com/tnsr-ai/gpufleet/internal/lifecycle"
	"github.com/tnsr-ai/gpufleet/internal/metrics"
	"github.com/tnsr-ai/gpufleet/internal/notify"
	"github.com/tnsr-ai/gpufleet/internal/orchestrator"
	"github.com/tnsr-ai/gpufleet/internal/provider"
	"github.com/tnsr-ai/gpufleet/internal/queue"
	"github.com/tnsr-ai/gpufleet/internal/storage"
	"github.com/tnsr-ai/gpufleet/internal/store/storetest"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

const adminKey = "gf_adminadminadminadminadminadminadminadminadmin0"

// ─── fakes ───────────────────────────────────────────────────────────────────

type memQueue struct {
	mu    sync.Mutex
	tasks []*queue.Task
}

func (q *memQueue) Push(_ context.Context, task *queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

type noObjects struct{}

func (noObjects) DownloadURL(context.Context, string) (string, error) { return "", nil }
func (noObjects) UploadURL(context.Context, string, string) (string, error) {
	return "", nil
}
func (noObjects) Stat(context.Context, string) (storage.Object, error) {
	return storage.Object{}, storage.ErrObjectNotFound
}

// ─── harness ─────────────────────────────────────────────────────────────────

type harness struct {
	st      *storetest.MemStore
	cache   *cachetest.Memory
	queue   *memQueue
	handler http.Handler
	input   *models.Content
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	st := storetest.New()
	mem := cachetest.New()
	q := &memQueue{}

	user := &models.User{Email: "a@example.com", Tier: models.TierStandard}
	require.NoError(t, st.CreateUser(ctx, user))
	input := &models.Content{UserID: user.ID, Title: "clip.mp4", Status: models.ContentStatusCompleted,
		ContentType: models.ContentTypeVideo, SizeBytes: 1 << 30, Duration: 60, Resolution: "1280x720", FPS: 30}
	require.NoError(t, st.CreateContent(ctx, input))

	hash, err := bcrypt.GenerateFromPassword([]byte(adminKey), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, st.CreateAPIKey(ctx, &models.APIKey{
		ID: uuid.New(), UserID: user.ID, Name: "admin", KeyHash: string(hash),
		KeyPrefix: adminKey[:mw.KeyPrefixLen], Scopes: []string{"admin"},
	}))

	notifier := &notify.Recorder{}
	reg := prometheus.NewRegistry()
	a := &app{
		store: st,
		cache: mem,
		jobs: orchestrator.New(orchestrator.Deps{Store: st, Queue: q, Notifier: notifier},
			orchestrator.Options{CallbackBaseURL: "https://api.example.com"}),
		worker: callback.New(st, noObjects{}, notifier, nil),
		canceller: lifecycle.NewCanceller(lifecycle.Deps{
			Store: st, Provisioners: provider.NewRegistry(), Cache: mem, Notifier: notifier,
		}, lifecycle.Options{}),
		metrics:          metrics.New(reg),
		gatherer:         reg,
		rateLimit:        100,
		progressInterval: time.Second,
	}
	return &harness{st: st, cache: mem, queue: q, handler: a.router(), input: input}
}

func (h *harness) do(t *testing.T, method, path, key string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	var out map[string]any
	if w.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestApp_JobLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(t, http.MethodPost, "/api/v1/admin/keys", adminKey,
		map[string]any{"user_id": h.input.UserID, "name": "cli"})
	require.Equal(t, http.StatusCreated, status, body)
	userKey := body["data"].(map[string]any)["key"].(string)

	status, body = h.do(t, http.MethodPost, "/api/v1/jobs", userKey, map[string]any{
		"content_id": h.input.ID,
		"config": map[string]any{
			"job_type": "video",
			"filters":  []map[string]any{{"name": "super_resolution", "model": "2x"}},
		},
	})
	require.Equal(t, http.StatusAccepted, status, body)
	jobID := int64(body["data"].(map[string]any)["job_id"].(float64))
	require.Len(t, h.queue.tasks, 1)
	assert.Equal(t, jobID, h.queue.tasks[0].JobID)

	status, body = h.do(t, http.MethodGet, "/api/v1/jobs/active", userKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 1)

	status, body = h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/cancel", jobID), userKey, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["data"].(map[string]any)["cancelled"])

	job, err := h.st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.False(t, job.KeyValid, "cancel must invalidate the worker key")

	status, body = h.do(t, http.MethodGet, "/api/v1/jobs/past", userKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["meta"].(map[string]any)["total"])
}

func TestApp_WorkerCallbackRejectsStaleKey(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(t, http.MethodGet, "/api/v1/worker/jobs/99?key=nope", "", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "INVALID_JOB_KEY", body["error"].(map[string]any)["code"])
}

func TestApp_HealthDegraded(t *testing.T) {
	h := newHarness(t)

	status, _ := h.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, status)

	h.cache.PingErr = errors.New("redis down")
	status, body := h.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "DEGRADED", body["error"].(map[string]any)["code"])
}

func TestApp_ExposesMetrics(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodGet, "/api/v1/health", "", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `gpufleet_http_requests_total{code="200",method="get"} 1`)
}

// ─── run() config validation tests ──────────────────────────────────────────

func TestRun_FailsOnMissingConfig(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "CALLBACK_BASE_URL", "STORAGE_BUCKET"} {
		t.Setenv(key, "")
	}

	err := run(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("MARKETPLACES", "vast")
	t.Setenv("VAST_API_KEY", "vast-key")
	t.Setenv("CALLBACK_BASE_URL", "https://api.example.com")
	t.Setenv("STORAGE_BUCKET", "media")
	t.Setenv("STORAGE_ACCESS_KEY_ID", "id")
	t.Setenv("STORAGE_SECRET_ACCESS_KEY", "secret")

	err := run(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}
