// Package mock provides scriptable marketplace integrations for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/tnsr-ai/gpufleet/pkg/models"
)

// Provisioner satisfies models.Provisioner and models.Marketplace for testing.
// Unset Func fields fall back to benign defaults. Calls are recorded.
type Provisioner struct {
	Name_               string
	ListingsFunc        func(ctx context.Context) ([]models.Listing, error)
	LaunchFunc          func(ctx context.Context, spec models.LaunchSpec) (string, error)
	StatusFunc          func(ctx context.Context, instanceID string) (models.MachineStatus, error)
	RuntimeEndpointFunc func(ctx context.Context, instanceID string) (models.Endpoint, error)
	TerminateFunc       func(ctx context.Context, instanceID string) error

	mu         sync.Mutex
	launches   []models.LaunchSpec
	terminated []string
	statusCall int
}

// NewProvisioner returns a Provisioner that launches every spec as
// "<name>-<n>" and reports RUNNING.
func NewProvisioner(name string) *Provisioner {
	return &Provisioner{Name_: name}
}

func (p *Provisioner) Name() string { return p.Name_ }

func (p *Provisioner) Listings(ctx context.Context) ([]models.Listing, error) {
	if p.ListingsFunc != nil {
		return p.ListingsFunc(ctx)
	}
	return nil, nil
}

func (p *Provisioner) Launch(ctx context.Context, spec models.LaunchSpec) (string, error) {
	p.mu.Lock()
	p.launches = append(p.launches, spec)
	n := len(p.launches)
	p.mu.Unlock()
	if p.LaunchFunc != nil {
		return p.LaunchFunc(ctx, spec)
	}
	return fmt.Sprintf("%s-%d", p.Name_, n), nil
}

func (p *Provisioner) Status(ctx context.Context, instanceID string) (models.MachineStatus, error) {
	p.mu.Lock()
	p.statusCall++
	p.mu.Unlock()
	if p.StatusFunc != nil {
		return p.StatusFunc(ctx, instanceID)
	}
	return models.MachineRunning, nil
}

func (p *Provisioner) RuntimeEndpoint(ctx context.Context, instanceID string) (models.Endpoint, error) {
	if p.RuntimeEndpointFunc != nil {
		return p.RuntimeEndpointFunc(ctx, instanceID)
	}
	return models.Endpoint{}, models.ErrNoEndpoint
}

func (p *Provisioner) Terminate(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	p.terminated = append(p.terminated, instanceID)
	p.mu.Unlock()
	if p.TerminateFunc != nil {
		return p.TerminateFunc(ctx, instanceID)
	}
	return nil
}

// Launches returns every spec passed to Launch.
func (p *Provisioner) Launches() []models.LaunchSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.LaunchSpec(nil), p.launches...)
}

// Terminated returns every instance id passed to Terminate.
func (p *Provisioner) Terminated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.terminated...)
}

// StatusCalls returns how many times Status was called.
func (p *Provisioner) StatusCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusCall
}

// NewFailingProvisioner returns a Provisioner whose every call fails with err.
func NewFailingProvisioner(name string, err error) *Provisioner {
	return &Provisioner{
		Name_:         name,
		ListingsFunc:  func(context.Context) ([]models.Listing, error) { return nil, err },
		LaunchFunc:    func(context.Context, models.LaunchSpec) (string, error) { return "", err },
		StatusFunc:    func(context.Context, string) (models.MachineStatus, error) { return "", err },
		TerminateFunc: func(context.Context, string) error { return err },
		RuntimeEndpointFunc: func(context.Context, string) (models.Endpoint, error) {
			return models.Endpoint{}, err
		},
	}
}

// NewTimeoutProvisioner returns a Provisioner whose listing and status calls
// block until the context is done.
func NewTimeoutProvisioner(name string) *Provisioner {
	return &Provisioner{
		Name_: name,
		ListingsFunc: func(ctx context.Context) ([]models.Listing, error) {
			<-ctx.Done()
			return nil, fmt.Errorf("%w: %v", models.ErrProviderTimeout, ctx.Err())
		},
		StatusFunc: func(ctx context.Context, _ string) (models.MachineStatus, error) {
			<-ctx.Done()
			return "", fmt.Errorf("%w: %v", models.ErrProviderTimeout, ctx.Err())
		},
	}
}

// StatusSequence returns a StatusFunc that reports statuses in order and
// repeats the last one once exhausted.
func StatusSequence(statuses ...models.MachineStatus) func(context.Context, string) (models.MachineStatus, error) {
	var mu sync.Mutex
	i := 0
	return func(context.Context, string) (models.MachineStatus, error) {
		mu.Lock()
		defer mu.Unlock()
		s := statuses[i]
		if i < len(statuses)-1 {
			i++
		}
		return s, nil
	}
}

var (
	_ models.Provisioner = (*Provisioner)(nil)
	_ models.Marketplace = (*Provisioner)(nil)
)
