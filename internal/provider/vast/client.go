// Package vast integrates the spot GPU marketplace: offer listings and the
// instance lifecycle, behind models.Marketplace and models.Provisioner.
package vast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tnsr-ai/gpufleet/internal/provider/httpclient"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

// RuntimePort is the container port the worker exposes its progress store on.
const RuntimePort = "6379/tcp"

// listingQuery restricts offers to verified, rentable, non-external machines.
var listingQuery = `{"verified":{"eq":true},"external":{"eq":false},"rentable":{"eq":true}}`

// Client talks to the spot marketplace REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *httpclient.Client
	logger  *slog.Logger
}

// NewClient creates a spot marketplace client.
func NewClient(baseURL, apiKey string, hc *httpclient.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    hc,
		logger:  logger.With("provider", models.ProviderVast),
	}
}

func (c *Client) Name() string { return models.ProviderVast }

func (c *Client) url(path string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", c.apiKey)
	return fmt.Sprintf("%s/api/v0%s?%s", c.baseURL, path, params.Encode())
}

// Listings returns every rentable offer normalized into models.Listing.
func (c *Client) Listings(ctx context.Context) ([]models.Listing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.url("/bundles", url.Values{"q": {listingQuery}}), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	var body bundlesResponse
	if err := httpclient.DecodeJSON(resp, &body); err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}

	listings := make([]models.Listing, 0, len(body.Offers))
	for _, o := range body.Offers {
		listings = append(listings, o.listing())
	}
	return listings, nil
}

// Launch accepts the ask behind spec.Listing and returns the new contract id.
func (c *Client) Launch(ctx context.Context, spec models.LaunchSpec) (string, error) {
	env := make(map[string]string, len(spec.Env)+len(spec.Ports))
	for k, v := range spec.Env {
		env[k] = v
	}
	for _, p := range spec.Ports {
		env["-p "+p] = "1"
	}

	payload, err := json.Marshal(askRequest{
		ClientID: "me",
		Image:    spec.Image,
		Env:      env,
		Disk:     float64(spec.DiskGB),
		Label:    spec.Label,
		OnStart:  spec.OnStart,
		RunType:  "ssh_proxy",
	})
	if err != nil {
		return "", fmt.Errorf("encoding launch request: %w", err)
	}

	path := fmt.Sprintf("/asks/%s/", url.PathEscape(spec.Listing.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(path, nil), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	var body askResponse
	if err := httpclient.DecodeJSON(resp, &body); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrLaunchFailed, err)
	}
	if body.NewContract == 0 {
		return "", fmt.Errorf("%w: no contract in response", models.ErrLaunchFailed)
	}
	return strconv.FormatInt(body.NewContract, 10), nil
}

func (c *Client) instance(ctx context.Context, instanceID string) (*instance, error) {
	path := fmt.Sprintf("/instances/%s/", url.PathEscape(instanceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.url(path, url.Values{"owner": {"me"}}), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	var body instanceResponse
	if err := httpclient.DecodeJSON(resp, &body); err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return body.Instances, nil
}

// Status maps the instance record onto the machine state graph. A vanished
// instance is EXITED. An instance whose status message reports an error is
// destroyed and ErrInstanceFailed is returned.
func (c *Client) Status(ctx context.Context, instanceID string) (models.MachineStatus, error) {
	inst, err := c.instance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if inst == nil {
		return models.MachineExited, nil
	}
	if inst.StatusMsg != nil && strings.Contains(strings.ToLower(*inst.StatusMsg), "error") {
		if err := c.Terminate(ctx, instanceID); err != nil {
			c.logger.Warn("terminate errored instance", "instance_id", instanceID, "error", err)
		}
		return "", fmt.Errorf("%w: %s", models.ErrInstanceFailed, *inst.StatusMsg)
	}
	if inst.Ports != nil {
		return models.MachineRunning, nil
	}
	return models.MachineLoading, nil
}

// RuntimeEndpoint returns the public address mapped to RuntimePort.
func (c *Client) RuntimeEndpoint(ctx context.Context, instanceID string) (models.Endpoint, error) {
	inst, err := c.instance(ctx, instanceID)
	if err != nil {
		return models.Endpoint{}, err
	}
	if inst == nil || inst.PublicIPAddr == "" {
		return models.Endpoint{}, models.ErrNoEndpoint
	}
	bindings := inst.Ports[RuntimePort]
	if len(bindings) == 0 {
		return models.Endpoint{}, models.ErrNoEndpoint
	}
	port, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return models.Endpoint{}, fmt.Errorf("%w: bad host port %q", models.ErrNoEndpoint, bindings[0].HostPort)
	}
	return models.Endpoint{Host: strings.TrimSpace(inst.PublicIPAddr), Port: port}, nil
}

// Terminate destroys the instance. A missing instance counts as destroyed.
func (c *Client) Terminate(ctx context.Context, instanceID string) error {
	path := fmt.Sprintf("/instances/%s/", url.PathEscape(instanceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url(path, nil), nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	if err := httpclient.DecodeJSON(resp, nil); err != nil {
		if httpclient.IsStatus(err, http.StatusNotFound) {
			return nil
		}
		return fmt.Errorf("destroy instance: %w", err)
	}
	return nil
}

// --- spot marketplace wire types ---

type bundlesResponse struct {
	Offers []offer `json:"offers"`
}

type offer struct {
	ID                 int64   `json:"id"`
	MachineID          int64   `json:"machine_id"`
	CUDAMaxGood        float64 `json:"cuda_max_good"`
	GPUName            string  `json:"gpu_name"`
	GPURAM             float64 `json:"gpu_ram"`
	CPUCoresEffective  float64 `json:"cpu_cores_effective"`
	CPURAM             float64 `json:"cpu_ram"`
	DiskSpace          float64 `json:"disk_space"`
	DiscountedDPHTotal float64 `json:"discounted_dph_total"`
	Reliability2       float64 `json:"reliability2"`
	Duration           float64 `json:"duration"`
	DirectPortCount    int     `json:"direct_port_count"`
	InetUp             float64 `json:"inet_up"`
	InetDown           float64 `json:"inet_down"`
}

// listing converts MB-denominated memory fields into GB.
func (o offer) listing() models.Listing {
	return models.Listing{
		ID:         strconv.FormatInt(o.ID, 10),
		Provider:   models.ProviderVast,
		Model:      o.GPUName,
		VRAMGB:     math.Round(o.GPURAM / 1024),
		RAMGB:      o.CPURAM / 1000,
		VCPUs:      o.CPUCoresEffective,
		DiskGB:     o.DiskSpace,
		PricePerHr: o.DiscountedDPHTotal,
		Spot: &models.SpotDetails{
			MachineID:        o.MachineID,
			CUDA:             o.CUDAMaxGood,
			Reliability:      o.Reliability2,
			MaxDurationSecs:  o.Duration,
			DirectPortCount:  o.DirectPortCount,
			InternetUpMbps:   o.InetUp,
			InternetDownMbps: o.InetDown,
		},
	}
}

type askRequest struct {
	ClientID string            `json:"client_id"`
	Image    string            `json:"image"`
	Env      map[string]string `json:"env"`
	Disk     float64           `json:"disk"`
	Label    string            `json:"label"`
	OnStart  string            `json:"onstart,omitempty"`
	RunType  string            `json:"runtype"`
}

type askResponse struct {
	Success     bool  `json:"success"`
	NewContract int64 `json:"new_contract"`
}

type instanceResponse struct {
	Instances *instance `json:"instances"`
}

type instance struct {
	ID           int64                    `json:"id"`
	StatusMsg    *string                  `json:"status_msg"`
	ActualStatus string                   `json:"actual_status"`
	PublicIPAddr string                   `json:"public_ipaddr"`
	Ports        map[string][]portBinding `json:"ports"`
}

type portBinding struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

var (
	_ models.Provisioner = (*Client)(nil)
	_ models.Marketplace = (*Client)(nil)
)
