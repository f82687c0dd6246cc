// Package httpclient builds the HTTP clients marketplace integrations share:
// a retrying client for idempotent reads and a plain client for mutations, both
// bounded by the marketplace timeout.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

// Options configures New.
type Options struct {
	Timeout  time.Duration
	RetryMax int
	Logger   *slog.Logger
}

// Client pairs a retrying reader with a single-shot writer.
type Client struct {
	read  *http.Client
	write *http.Client
}

// New creates a Client. Reads are retried up to RetryMax times with backoff;
// writes are never retried so a launch is not issued twice.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = 250 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = opts.Timeout
	rc.Logger = nil
	if opts.Logger != nil {
		rc.Logger = opts.Logger
	}

	return &Client{
		read:  rc.StandardClient(),
		write: &http.Client{Timeout: opts.Timeout},
	}
}

// Do sends req, retrying only when it is a GET.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	hc := c.write
	if req.Method == http.MethodGet {
		hc = c.read
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return resp, nil
}

// Read sends a request that is safe to repeat, such as a GraphQL query sent
// with POST, through the retrying client.
func (c *Client) Read(req *http.Request) (*http.Response, error) {
	resp, err := c.read.Do(req)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return resp, nil
}

// DecodeJSON checks for a 2xx status and decodes the body into out.
// The response body is always closed.
func DecodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", models.ErrProviderResponse, err)
	}
	return nil
}

// StatusError is a non-2xx marketplace response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: status %d: %s", models.ErrProviderResponse, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return models.ErrProviderResponse }

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// ClassifyError maps transport-level errors to sentinel errors.
func ClassifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", models.ErrProviderTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", models.ErrProviderTimeout, err)
	}

	return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
}

// IsTransient reports whether err is a timeout or connectivity failure that a
// later attempt may not repeat.
func IsTransient(err error) bool {
	return errors.Is(err, models.ErrProviderTimeout) || errors.Is(err, models.ErrProviderUnavailable)
}
