package runpod

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tnsr-ai/gpufleet/internal/provider/httpclient"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

// gqlServer answers each GraphQL document with the handler whose key appears in it.
func gqlServer(t *testing.T, routes map[string]string, seen *[]string) *Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/graphql" || r.URL.Query().Get("api_key") != "secret" {
			t.Errorf("unexpected request: %s", r.URL)
		}
		var body struct {
			Query string `json:"query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if seen != nil {
			*seen = append(*seen, body.Query)
		}
		for key, resp := range routes {
			if strings.Contains(body.Query, key) {
				w.Write([]byte(resp))
				return
			}
		}
		t.Errorf("unrouted query: %s", body.Query)
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(ts.Close)

	c, err := NewClient(ts.URL, "secret", httpclient.New(httpclient.Options{Timeout: 5 * time.Second}), nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

const pricingResponse = `{"data":{"gpuTypes":[
	{"id":"NVIDIA GeForce RTX 4090","lowestPrice":{"uninterruptablePrice":0.69,"minVcpu":8,"minMemory":46}},
	{"id":"NVIDIA H100 80GB HBM3","lowestPrice":{"uninterruptablePrice":null,"minVcpu":16,"minMemory":125}}
]}}`

const specsResponse = `{"data":{"gpuTypes":[
	{"id":"NVIDIA GeForce RTX 4090","displayName":"RTX 4090","memoryInGb":24},
	{"id":"NVIDIA H100 80GB HBM3","displayName":"H100","memoryInGb":80}
]}}`

func TestListings_JoinsPricingAndSpecs(t *testing.T) {
	var seen []string
	c := gqlServer(t, map[string]string{
		"lowestPrice": pricingResponse,
		"memoryInGb":  specsResponse,
	}, &seen)

	listings, err := c.Listings(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("expected reserved type to be skipped, got %d listings", len(listings))
	}
	l := listings[0]
	if l.Provider != models.ProviderRunpod || l.ID != "NVIDIA GeForce RTX 4090" {
		t.Errorf("unexpected identity: %+v", l)
	}
	if l.VRAMGB != 24 || l.RAMGB != 46 || l.VCPUs != 8 || l.PricePerHr != 0.69 {
		t.Errorf("unexpected resources: %+v", l)
	}
	if l.DiskGB != models.UnlimitedDisk {
		t.Errorf("expected unlimited disk, got %v", l.DiskGB)
	}
	if !strings.Contains(seen[0], "lowestPrice(input: {gpuCount: 1})") {
		t.Errorf("unexpected pricing document: %s", seen[0])
	}

	// Second call is served from the spec cache.
	if _, err := c.Listings(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	specQueries := 0
	for _, q := range seen {
		if strings.Contains(q, "memoryInGb") {
			specQueries++
		}
	}
	if specQueries != 1 {
		t.Errorf("expected 1 spec query, got %d", specQueries)
	}
}

func TestListings_SpecCacheExpires(t *testing.T) {
	var seen []string
	c := gqlServer(t, map[string]string{
		"lowestPrice": pricingResponse,
		"memoryInGb":  specsResponse,
	}, &seen)
	now := time.Now()
	c.now = func() time.Time { return now }

	if _, err := c.Listings(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now = now.Add(specCacheTTL + time.Second)
	if _, err := c.Listings(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 4 {
		t.Errorf("expected specs to be refetched, saw %d queries", len(seen))
	}
}

func TestListings_GraphQLError(t *testing.T) {
	c := gqlServer(t, map[string]string{
		"lowestPrice": `{"errors":[{"message":"unauthorized"}]}`,
	}, nil)
	_, err := c.Listings(context.Background())
	if !errors.Is(err, models.ErrProviderResponse) {
		t.Fatalf("expected ErrProviderResponse, got %v", err)
	}
}

func TestLaunch_RendersDeployMutation(t *testing.T) {
	var seen []string
	c := gqlServer(t, map[string]string{
		"podFindAndDeployOnDemand": `{"data":{"podFindAndDeployOnDemand":{"id":"pod-123","desiredStatus":"RUNNING"}}}`,
	}, &seen)

	id, err := c.Launch(context.Background(), models.LaunchSpec{
		Listing: models.Listing{ID: "NVIDIA GeForce RTX 4090", VCPUs: 8, RAMGB: 46},
		Label:   "job-9",
		Image:   "worker:cuda-12.1",
		Env:     map[string]string{"JOB_ID": "9", "API_URL": "https://api"},
		DiskGB:  28,
		CUDA:    "12.1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "pod-123" {
		t.Errorf("expected pod-123, got %s", id)
	}

	doc := seen[0]
	for _, want := range []string{
		`mutation { podFindAndDeployOnDemand(input: {name: "job-9"`,
		`gpuTypeId: "NVIDIA GeForce RTX 4090"`,
		`cloudType: ALL`,
		`volumeInGb: 28`,
		`containerDiskInGb: 10`,
		`minVcpuCount: 8, minMemoryInGb: 46`,
		`ports: "8888/http,666/tcp,6379/tcp"`,
		`env: [{key: "API_URL", value: "https://api"}, {key: "JOB_ID", value: "9"}]`,
		`allowedCudaVersions: ["12.1"]`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("document missing %q:\n%s", want, doc)
		}
	}
}

func TestLaunch_NotRetried(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()
	c, _ := NewClient(ts.URL, "k", httpclient.New(httpclient.Options{Timeout: 5 * time.Second, RetryMax: 3}), nil)

	_, err := c.Launch(context.Background(), models.LaunchSpec{Listing: models.Listing{ID: "x"}})
	if !errors.Is(err, models.ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected a single launch attempt, got %d", calls)
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name string
		body string
		want models.MachineStatus
	}{
		{"gone", `{"data":{"pod":null}}`, models.MachineExited},
		{"booting", `{"data":{"pod":{"id":"p","runtime":null}}}`, models.MachineLoading},
		{"running", `{"data":{"pod":{"id":"p","runtime":{"ports":[]}}}}`, models.MachineRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := gqlServer(t, map[string]string{"pod(": tt.body}, nil)
			got, err := c.Status(context.Background(), "p")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRuntimeEndpoint(t *testing.T) {
	c := gqlServer(t, map[string]string{
		"pod(": `{"data":{"pod":{"id":"p","runtime":{"ports":[
			{"ip":"10.0.0.1","isIpPublic":false,"privatePort":22,"publicPort":22,"type":"tcp"},
			{"ip":"203.0.113.7","isIpPublic":true,"privatePort":6379,"publicPort":40123,"type":"tcp"}
		]}}}}`,
	}, nil)
	ep, err := c.RuntimeEndpoint(context.Background(), "p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.Host != "203.0.113.7" || ep.Port != 40123 {
		t.Errorf("unexpected endpoint: %+v", ep)
	}
}

func TestRuntimeEndpoint_Booting(t *testing.T) {
	c := gqlServer(t, map[string]string{"pod(": `{"data":{"pod":{"id":"p","runtime":null}}}`}, nil)
	_, err := c.RuntimeEndpoint(context.Background(), "p")
	if !errors.Is(err, models.ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
}

func TestTerminate(t *testing.T) {
	var seen []string
	c := gqlServer(t, map[string]string{"podTerminate": `{"data":{"podTerminate":null}}`}, &seen)
	if err := c.Terminate(context.Background(), "pod-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen[0] != `mutation { podTerminate(input: {podId: "pod-1"}) }` {
		t.Errorf("unexpected document: %s", seen[0])
	}
}

func TestTerminate_NotFoundIsSuccess(t *testing.T) {
	c := gqlServer(t, map[string]string{"podTerminate": `{"errors":[{"message":"Pod not found"}]}`}, nil)
	if err := c.Terminate(context.Background(), "pod-1"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestTerminate_OtherError(t *testing.T) {
	c := gqlServer(t, map[string]string{"podTerminate": `{"errors":[{"message":"rate limited"}]}`}, nil)
	if err := c.Terminate(context.Background(), "pod-1"); err == nil {
		t.Fatal("expected error")
	}
}
