package models

import (
	"context"
	"errors"
)

// Provisioner is the uniform contract every GPU marketplace integration implements.
// The scheduler and lifecycle monitor depend only on this interface; the variant
// is chosen by the provider tag stored on the Machine row.
type Provisioner interface {
	// Launch rents the offer described by spec and returns the provider's instance id.
	// A non-empty id may accompany an error when the instance was partially created.
	Launch(ctx context.Context, spec LaunchSpec) (string, error)
	// Status reports LOADING, RUNNING or EXITED for a live instance.
	Status(ctx context.Context, instanceID string) (MachineStatus, error)
	// RuntimeEndpoint returns the host and port of the worker's progress channel.
	RuntimeEndpoint(ctx context.Context, instanceID string) (Endpoint, error)
	// Terminate destroys the instance. It succeeds if the instance is already gone.
	Terminate(ctx context.Context, instanceID string) error
	// Name returns the provider tag (e.g. "vast", "runpod").
	Name() string
}

// Marketplace lists rentable offers from one provider.
type Marketplace interface {
	Listings(ctx context.Context) ([]Listing, error)
	Name() string
}

// LaunchSpec describes the instance to create.
type LaunchSpec struct {
	Listing Listing
	Label   string
	Image   string
	Env     map[string]string
	Ports   []string
	DiskGB  int
	OnStart string
	CUDA    string
}

// Endpoint is a reachable host:port on a running instance.
type Endpoint struct {
	Host string
	Port int
}

// Errors shared by every Provisioner and Marketplace implementation.
var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderTimeout     = errors.New("provider request timeout")
	ErrProviderResponse    = errors.New("provider returned invalid response")
	ErrLaunchFailed        = errors.New("instance launch failed")
	ErrInstanceFailed      = errors.New("instance reported failure")
	ErrNoEndpoint          = errors.New("instance has no runtime endpoint")
)
