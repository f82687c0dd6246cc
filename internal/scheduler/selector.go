// Package scheduler matches jobs to rentable GPU instances.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/tnsr-ai/gpufleet/internal/marketplace"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

// ErrNoCapacity is returned when no candidate could be launched. It is terminal
// for the job: the search is not retried.
var ErrNoCapacity = errors.New("no machine found")

// NoCapacityReason is the failure reason recorded on the job.
const NoCapacityReason = "No machine found"

const (
	minDirectPorts   = 10
	minInetDownMbps  = 250
	minInetUpMbps    = 100
	onDemandReliable = 1.0
)

// ListingSource returns the current aggregated listings.
type ListingSource interface {
	Listings(ctx context.Context) (*marketplace.Result, error)
}

// ProvisionerSource resolves a provider tag to its Provisioner.
type ProvisionerSource interface {
	Provisioner(name string) (models.Provisioner, error)
}

// LaunchObserver is told about every launch attempt. It may be nil.
type LaunchObserver interface {
	ObserveLaunch(provider string, err error)
}

// Template is the worker image and runtime settings shared by every launch.
type Template struct {
	Image   string
	Env     map[string]string
	Ports   []string
	OnStart string
	CUDA    string
}

// Options configures a Selector.
type Options struct {
	DurationMargin time.Duration
	SupportedCUDA  []string
	Template       Template
}

// Selector filters and ranks listings and launches the cheapest one that starts.
type Selector struct {
	listings     ListingSource
	provisioners ProvisionerSource
	opts         Options
	cuda         map[string]bool
	logger       *slog.Logger
	observer     LaunchObserver
}

func NewSelector(listings ListingSource, provisioners ProvisionerSource, opts Options, logger *slog.Logger, observer LaunchObserver) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	cuda := make(map[string]bool, len(opts.SupportedCUDA))
	for _, v := range opts.SupportedCUDA {
		cuda[v] = true
	}
	return &Selector{
		listings:     listings,
		provisioners: provisioners,
		opts:         opts,
		cuda:         cuda,
		logger:       logger,
		observer:     observer,
	}
}

// Launched describes the instance a Selector started.
type Launched struct {
	Listing    models.Listing
	InstanceID string
}

// Candidates returns the listings that satisfy req, cheapest first. Ties go to
// more VRAM, then higher reliability.
func (s *Selector) Candidates(listings []models.Listing, req Requirements) []models.Listing {
	out := make([]models.Listing, 0, len(listings))
	for _, l := range listings {
		if !req.Satisfies(l) {
			continue
		}
		if l.Spot != nil && !s.spotEligible(*l.Spot, req) {
			continue
		}
		out = append(out, l)
	}
	slices.SortStableFunc(out, func(a, b models.Listing) int {
		if c := cmp.Compare(a.PricePerHr, b.PricePerHr); c != 0 {
			return c
		}
		if c := cmp.Compare(b.VRAMGB, a.VRAMGB); c != 0 {
			return c
		}
		return cmp.Compare(reliability(b), reliability(a))
	})
	return out
}

func (s *Selector) spotEligible(d models.SpotDetails, req Requirements) bool {
	if d.MaxDurationSecs <= (req.ETA + s.opts.DurationMargin).Seconds() {
		return false
	}
	if d.DirectPortCount < minDirectPorts {
		return false
	}
	if d.InternetDownMbps < minInetDownMbps && d.InternetUpMbps < minInetUpMbps {
		return false
	}
	return s.cuda[fmt.Sprintf("%.1f", d.CUDA)]
}

func reliability(l models.Listing) float64 {
	if l.Spot == nil {
		return onDemandReliable
	}
	return l.Spot.Reliability
}

// Launch walks the candidates in price order and returns the first instance
// that starts. A failed attempt that left a partial instance is terminated
// best-effort. ErrNoCapacity is returned once every candidate has failed.
//
// Create requests are detached from ctx and bounded only by the adapter's
// timeout: an aborted create may still have rented an instance that nothing
// could terminate. A launch that succeeds after ctx is cancelled is returned
// with ctx.Err() so the caller can release it.
func (s *Selector) Launch(ctx context.Context, req Requirements, label string, env map[string]string) (*Launched, error) {
	res, err := s.listings.Listings(ctx)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("%w: %w", ErrNoCapacity, err)
	}

	candidates := s.Candidates(res.Listings, req)
	s.logger.Info("selecting instance",
		"label", label,
		"listings", len(res.Listings),
		"candidates", len(candidates),
		"vram_gb", req.VRAMGB,
		"ram_gb", req.RAMGB,
		"vcpus", req.VCPUs,
		"max_price", req.MaxPricePerHr,
	)

	launchCtx := context.WithoutCancel(ctx)
	for _, l := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prov, err := s.provisioners.Provisioner(l.Provider)
		if err != nil {
			s.logger.Warn("skipping listing", "provider", l.Provider, "listing_id", l.ID, "error", err)
			continue
		}

		id, err := prov.Launch(launchCtx, s.spec(l, req, label, env))
		if s.observer != nil {
			s.observer.ObserveLaunch(l.Provider, err)
		}
		if err != nil {
			s.logger.Warn("launch failed", "provider", l.Provider, "listing_id", l.ID, "error", err)
			if id != "" {
				if terr := prov.Terminate(launchCtx, id); terr != nil {
					s.logger.Warn("terminating partial instance", "provider", l.Provider, "instance_id", id, "error", terr)
				}
			}
			continue
		}

		s.logger.Info("instance launched", "provider", l.Provider, "listing_id", l.ID, "instance_id", id, "price_per_hr", l.PricePerHr)
		return &Launched{Listing: l, InstanceID: id}, ctx.Err()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNoCapacity
}

func (s *Selector) spec(l models.Listing, req Requirements, label string, env map[string]string) models.LaunchSpec {
	t := s.opts.Template
	merged := make(map[string]string, len(t.Env)+len(env))
	for k, v := range t.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	return models.LaunchSpec{
		Listing: l,
		Label:   label,
		Image:   t.Image,
		Env:     merged,
		Ports:   t.Ports,
		DiskGB:  req.DiskGB,
		OnStart: t.OnStart,
		CUDA:    t.CUDA,
	}
}
