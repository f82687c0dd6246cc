package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/tnsr-ai/gpufleet/internal/api"
	mw "github.com/tnsr-ai/gpufleet/internal/api/middleware"
	"github.com/tnsr-ai/gpufleet/internal/cache/cachetest"
	"github.com/tnsr-ai/gpufleet/internal/metrics"
	"github.com/tnsr-ai/gpufleet/internal/store/storetest"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

const userKey = "gf_0123456789abcdef0123456789abcdef0123456789abcdef"

func newRouter(t *testing.T, deps api.Dependencies) http.Handler {
	t.Helper()
	st := storetest.New()
	h, err := bcrypt.GenerateFromPassword([]byte(userKey), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, st.CreateAPIKey(context.Background(), &models.APIKey{
		ID:        uuid.New(),
		UserID:    1,
		Name:      "user",
		KeyHash:   string(h),
		KeyPrefix: userKey[:mw.KeyPrefixLen],
		Scopes:    []string{"jobs"},
	}))
	deps.Auth = mw.NewAuth(st)
	deps.RateLimit = mw.NewRateLimit(cachetest.New(), 100)
	return api.NewRouter(deps)
}

func do(h http.Handler, method, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestRouter_HealthIsPublic(t *testing.T) {
	r := newRouter(t, api.Dependencies{
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) },
	})

	w := do(r, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_JobRoutesRequireAuth(t *testing.T) {
	r := newRouter(t, api.Dependencies{})

	routes := []struct{ method, path string }{
		{http.MethodPost, "/api/v1/jobs"},
		{http.MethodGet, "/api/v1/jobs/active"},
		{http.MethodGet, "/api/v1/jobs/past"},
		{http.MethodPost, "/api/v1/jobs/estimate"},
		{http.MethodGet, "/api/v1/jobs/progress"},
		{http.MethodGet, "/api/v1/jobs/3/cancel"},
		{http.MethodPost, "/api/v1/jobs/3/cancel"},
		{http.MethodGet, "/api/v1/admin/machines"},
	}
	for _, rt := range routes {
		w := do(r, rt.method, rt.path, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", rt.method, rt.path)
	}
}

func TestRouter_UnwiredRoutesReturnNotImplemented(t *testing.T) {
	r := newRouter(t, api.Dependencies{})

	w := do(r, http.MethodGet, "/api/v1/jobs/active", userKey)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, "NOT_IMPLEMENTED", errCode(t, w))
}

func TestRouter_WorkerRoutesSkipBearerAuth(t *testing.T) {
	var seen []string
	record := func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}
	r := newRouter(t, api.Dependencies{FetchJob: record, UploadURL: record, Reindex: record, JobStatus: record})

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/worker/jobs/7", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/worker/jobs/7/upload-url", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/worker/jobs/7/reindex", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/worker/jobs/7/status", "").Code)
	assert.Len(t, seen, 4)
}

func TestRouter_AdminRequiresScope(t *testing.T) {
	r := newRouter(t, api.Dependencies{
		ListMachines: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) },
	})

	w := do(r, http.MethodGet, "/api/v1/admin/machines", userKey)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRouter_MetricsAndInstrumentation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := newRouter(t, api.Dependencies{
		Instrument:     m.InstrumentHandler,
		MetricsHandler: metrics.Handler(reg),
		HealthHandler:  func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) },
	})

	require.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/health", "").Code)
	w := do(r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gpufleet_http_requests_total")
}
