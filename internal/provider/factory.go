package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tnsr-ai/gpufleet/internal/config"
	"github.com/tnsr-ai/gpufleet/internal/provider/httpclient"
	"github.com/tnsr-ai/gpufleet/internal/provider/runpod"
	"github.com/tnsr-ai/gpufleet/internal/provider/vast"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

// ErrUnknownProvider is returned for a provider tag with no registered integration.
var ErrUnknownProvider = errors.New("unknown provider")

// Integration is a marketplace that can both list offers and run instances.
type Integration interface {
	models.Provisioner
	models.Marketplace
}

// Registry resolves provider tags to their integrations.
type Registry struct {
	integrations map[string]Integration
}

// NewRegistry creates a registry holding the given integrations.
func NewRegistry(integrations ...Integration) *Registry {
	r := &Registry{integrations: make(map[string]Integration, len(integrations))}
	for _, in := range integrations {
		r.integrations[in.Name()] = in
	}
	return r
}

// Provisioner returns the integration for the provider tag stored on a Machine row.
func (r *Registry) Provisioner(name string) (models.Provisioner, error) {
	in, ok := r.integrations[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return in, nil
}

// Marketplaces returns every registered integration as a listing source, in name order.
func (r *Registry) Marketplaces() []models.Marketplace {
	out := make([]models.Marketplace, 0, len(r.integrations))
	for _, name := range r.Names() {
		out = append(out, r.integrations[name])
	}
	return out
}

// Names returns the registered provider tags in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.integrations))
	for name := range r.integrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewFromConfig constructs the enabled marketplace integrations.
// Called once at process startup.
func NewFromConfig(cfg config.MarketplaceConfig, logger *slog.Logger) (*Registry, error) {
	hc := httpclient.New(httpclient.Options{
		Timeout:  cfg.Timeout,
		RetryMax: cfg.RetryMax,
		Logger:   logger,
	})

	var integrations []Integration
	for _, name := range cfg.Enabled {
		switch name {
		case models.ProviderVast:
			integrations = append(integrations, vast.NewClient(cfg.Vast.BaseURL, cfg.Vast.APIKey, hc, logger))
		case models.ProviderRunpod:
			rp, err := runpod.NewClient(cfg.Runpod.BaseURL, cfg.Runpod.APIKey, hc, logger)
			if err != nil {
				return nil, err
			}
			integrations = append(integrations, rp)
		default:
			return nil, fmt.Errorf("%w %q: must be one of %s", ErrUnknownProvider, name,
				strings.Join([]string{models.ProviderVast, models.ProviderRunpod}, ", "))
		}
	}
	if len(integrations) == 0 {
		return nil, fmt.Errorf("no marketplace enabled")
	}
	return NewRegistry(integrations...), nil
}
