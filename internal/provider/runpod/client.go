// Package runpod integrates the on-demand GPU marketplace through its GraphQL API.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/tnsr-ai/gpufleet/internal/provider/httpclient"
	"github.com/tnsr-ai/gpufleet/pkg/graphql"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

const (
	runtimePort     = 6379
	exposedPorts    = "8888/http,666/tcp,6379/tcp"
	volumeMountPath = "/runpod-volume"
	containerDiskGB = 10

	specCacheSize = 256
	specCacheTTL  = 10 * time.Minute
)

// Client talks to the on-demand marketplace GraphQL endpoint.
type Client struct {
	endpoint string
	http     *httpclient.Client
	logger   *slog.Logger
	gql      graphql.Builder

	// specs maps gpu type id to *cachedSpec.
	specs *lru.Cache
	now   func() time.Time
}

type cachedSpec struct {
	expire     time.Time
	memoryInGb float64
}

// NewClient creates an on-demand marketplace client.
func NewClient(baseURL, apiKey string, hc *httpclient.Client, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	specs, err := lru.New(specCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating gpu spec cache: %w", err)
	}
	return &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/graphql?" + url.Values{"api_key": {apiKey}}.Encode(),
		http:     hc,
		logger:   logger.With("provider", models.ProviderRunpod),
		specs:    specs,
		now:      time.Now,
	}, nil
}

func (c *Client) Name() string { return models.ProviderRunpod }

// do posts a GraphQL document. Queries go through the retrying reader;
// mutations are sent once.
func (c *Client) do(ctx context.Context, doc string, mutation bool, out any) error {
	payload, err := json.Marshal(map[string]string{"query": doc})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp *http.Response
	if mutation {
		resp, err = c.http.Do(req)
	} else {
		resp, err = c.http.Read(req)
	}
	if err != nil {
		return err
	}

	var env struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := httpclient.DecodeJSON(resp, &env); err != nil {
		return err
	}
	if len(env.Errors) > 0 {
		return &GraphQLError{Messages: messages(env.Errors)}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: %v", models.ErrProviderResponse, err)
	}
	return nil
}

// GraphQLError carries the errors array of a GraphQL response.
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return fmt.Sprintf("%v: %s", models.ErrProviderResponse, strings.Join(e.Messages, "; "))
}

func (e *GraphQLError) Unwrap() error { return models.ErrProviderResponse }

func (e *GraphQLError) notFound() bool {
	for _, m := range e.Messages {
		if strings.Contains(strings.ToLower(m), "not found") {
			return true
		}
	}
	return false
}

type gqlError struct {
	Message string `json:"message"`
}

func messages(errs []gqlError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Message
	}
	return out
}

// --- Catalog ---

// gpuMemory returns VRAM per gpu type id, served from the spec cache while
// every requested id is fresh.
func (c *Client) gpuMemory(ctx context.Context, ids []string) (map[string]float64, error) {
	out := make(map[string]float64, len(ids))
	now := c.now()
	complete := true
	for _, id := range ids {
		ent, ok := c.specs.Get(id)
		if !ok {
			complete = false
			break
		}
		spec := ent.(*cachedSpec)
		if spec.expire.Before(now) {
			c.specs.Remove(id)
			complete = false
			break
		}
		out[id] = spec.memoryInGb
	}
	if complete {
		return out, nil
	}

	doc := c.gql.Query(graphql.Field("gpuTypes", graphql.Fields("id", "displayName", "memoryInGb")...))
	var data struct {
		GPUTypes []struct {
			ID          string  `json:"id"`
			DisplayName string  `json:"displayName"`
			MemoryInGb  float64 `json:"memoryInGb"`
		} `json:"gpuTypes"`
	}
	if err := c.do(ctx, doc, false, &data); err != nil {
		return nil, fmt.Errorf("query gpu types: %w", err)
	}

	expire := now.Add(specCacheTTL)
	for _, g := range data.GPUTypes {
		c.specs.Add(g.ID, &cachedSpec{expire: expire, memoryInGb: g.MemoryInGb})
		out[g.ID] = g.MemoryInGb
	}
	return out, nil
}

// Listings returns one listing per gpu type with an on-demand price. Types
// without a price are reserved and skipped. Disk is sized at launch.
func (c *Client) Listings(ctx context.Context) ([]models.Listing, error) {
	doc := c.gql.Query(graphql.Field("gpuTypes",
		graphql.Selection{Name: "id"},
		graphql.Field("lowestPrice", graphql.Fields("uninterruptablePrice", "minVcpu", "minMemory")...).
			WithArgs(graphql.Arg{Name: "input", Value: graphql.Object(graphql.Arg{Name: "gpuCount", Value: graphql.Int(1)})}),
	))
	var data struct {
		GPUTypes []struct {
			ID          string `json:"id"`
			LowestPrice *struct {
				UninterruptablePrice *float64 `json:"uninterruptablePrice"`
				MinVcpu              float64  `json:"minVcpu"`
				MinMemory            float64  `json:"minMemory"`
			} `json:"lowestPrice"`
		} `json:"gpuTypes"`
	}
	if err := c.do(ctx, doc, false, &data); err != nil {
		return nil, fmt.Errorf("query gpu pricing: %w", err)
	}

	var ids []string
	for _, g := range data.GPUTypes {
		if g.LowestPrice != nil && g.LowestPrice.UninterruptablePrice != nil {
			ids = append(ids, g.ID)
		}
	}
	memory, err := c.gpuMemory(ctx, ids)
	if err != nil {
		return nil, err
	}

	listings := make([]models.Listing, 0, len(ids))
	for _, g := range data.GPUTypes {
		if g.LowestPrice == nil || g.LowestPrice.UninterruptablePrice == nil {
			continue
		}
		vram, ok := memory[g.ID]
		if !ok {
			c.logger.Debug("gpu type missing from catalog", "gpu_type", g.ID)
			continue
		}
		listings = append(listings, models.Listing{
			ID:         g.ID,
			Provider:   models.ProviderRunpod,
			Model:      g.ID,
			VRAMGB:     vram,
			RAMGB:      g.LowestPrice.MinMemory,
			VCPUs:      g.LowestPrice.MinVcpu,
			DiskGB:     models.UnlimitedDisk,
			PricePerHr: *g.LowestPrice.UninterruptablePrice,
		})
	}
	return listings, nil
}

// --- Pods ---

// Launch deploys an on-demand pod of the listed gpu type.
func (c *Client) Launch(ctx context.Context, spec models.LaunchSpec) (string, error) {
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]graphql.Value, 0, len(keys))
	for _, k := range keys {
		env = append(env, graphql.Object(
			graphql.Arg{Name: "key", Value: graphql.String(k)},
			graphql.Arg{Name: "value", Value: graphql.String(spec.Env[k])},
		))
	}

	input := []graphql.Arg{
		{Name: "name", Value: graphql.String(spec.Label)},
		{Name: "imageName", Value: graphql.String(spec.Image)},
		{Name: "gpuTypeId", Value: graphql.String(spec.Listing.ID)},
		{Name: "cloudType", Value: graphql.Enum("ALL")},
		{Name: "startSsh", Value: graphql.Bool(true)},
		{Name: "supportPublicIp", Value: graphql.Bool(true)},
		{Name: "gpuCount", Value: graphql.Int(1)},
		{Name: "volumeInGb", Value: graphql.Int(spec.DiskGB)},
		{Name: "containerDiskInGb", Value: graphql.Int(containerDiskGB)},
		{Name: "minVcpuCount", Value: graphql.Int(int(spec.Listing.VCPUs))},
		{Name: "minMemoryInGb", Value: graphql.Int(int(spec.Listing.RAMGB))},
		{Name: "dockerArgs", Value: graphql.String("")},
		{Name: "ports", Value: graphql.String(exposedPorts)},
		{Name: "volumeMountPath", Value: graphql.String(volumeMountPath)},
		{Name: "env", Value: graphql.List(env...)},
	}
	if spec.CUDA != "" {
		input = append(input, graphql.Arg{Name: "allowedCudaVersions", Value: graphql.StringList(spec.CUDA)})
	}

	doc := c.gql.Mutation(graphql.Field("podFindAndDeployOnDemand",
		graphql.Fields("id", "desiredStatus", "imageName", "machineId")...,
	).WithArgs(graphql.Arg{Name: "input", Value: graphql.Object(input...)}))

	var data struct {
		Pod *struct {
			ID string `json:"id"`
		} `json:"podFindAndDeployOnDemand"`
	}
	if err := c.do(ctx, doc, true, &data); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrLaunchFailed, err)
	}
	if data.Pod == nil || data.Pod.ID == "" {
		return "", fmt.Errorf("%w: no pod in response", models.ErrLaunchFailed)
	}
	return data.Pod.ID, nil
}

type pod struct {
	ID            string `json:"id"`
	DesiredStatus string `json:"desiredStatus"`
	Runtime       *struct {
		Ports []struct {
			IP          string `json:"ip"`
			IsIPPublic  bool   `json:"isIpPublic"`
			PrivatePort int    `json:"privatePort"`
			PublicPort  int    `json:"publicPort"`
			Type        string `json:"type"`
		} `json:"ports"`
	} `json:"runtime"`
}

func (c *Client) pod(ctx context.Context, podID string) (*pod, error) {
	doc := c.gql.Query(graphql.Field("pod",
		graphql.Selection{Name: "id"},
		graphql.Selection{Name: "desiredStatus"},
		graphql.Field("runtime",
			graphql.Field("ports", graphql.Fields("ip", "isIpPublic", "privatePort", "publicPort", "type")...),
		),
	).WithArgs(graphql.Arg{Name: "input", Value: graphql.Object(graphql.Arg{Name: "podId", Value: graphql.String(podID)})}))

	var data struct {
		Pod *pod `json:"pod"`
	}
	if err := c.do(ctx, doc, false, &data); err != nil {
		return nil, fmt.Errorf("query pod: %w", err)
	}
	return data.Pod, nil
}

// Status reports EXITED for a pod that no longer exists, LOADING until the
// pod has a runtime and RUNNING afterwards.
func (c *Client) Status(ctx context.Context, instanceID string) (models.MachineStatus, error) {
	p, err := c.pod(ctx, instanceID)
	if err != nil {
		return "", err
	}
	switch {
	case p == nil:
		return models.MachineExited, nil
	case p.Runtime == nil:
		return models.MachineLoading, nil
	default:
		return models.MachineRunning, nil
	}
}

// RuntimeEndpoint returns the public mapping of the worker's progress port.
func (c *Client) RuntimeEndpoint(ctx context.Context, instanceID string) (models.Endpoint, error) {
	p, err := c.pod(ctx, instanceID)
	if err != nil {
		return models.Endpoint{}, err
	}
	if p == nil || p.Runtime == nil {
		return models.Endpoint{}, models.ErrNoEndpoint
	}
	for _, port := range p.Runtime.Ports {
		if port.PrivatePort == runtimePort {
			return models.Endpoint{Host: port.IP, Port: port.PublicPort}, nil
		}
	}
	return models.Endpoint{}, models.ErrNoEndpoint
}

// Terminate removes the pod. A pod the API no longer knows counts as removed.
func (c *Client) Terminate(ctx context.Context, instanceID string) error {
	doc := c.gql.Mutation(graphql.Selection{
		Name: "podTerminate",
		Args: []graphql.Arg{{Name: "input", Value: graphql.Object(graphql.Arg{Name: "podId", Value: graphql.String(instanceID)})}},
	})
	err := c.do(ctx, doc, true, nil)
	if err == nil {
		return nil
	}
	var gqlErr *GraphQLError
	if errors.As(err, &gqlErr) && gqlErr.notFound() {
		return nil
	}
	return fmt.Errorf("terminate pod: %w", err)
}

var (
	_ models.Provisioner = (*Client)(nil)
	_ models.Marketplace = (*Client)(nil)
)
