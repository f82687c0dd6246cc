// Package marketplace aggregates rentable GPU offers across providers.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tnsr-ai/gpufleet/pkg/models"
	"golang.org/x/sync/errgroup"
)

// ErrNoListings is returned when every marketplace query failed.
var ErrNoListings = errors.New("no marketplace returned listings")

// SourceError records one marketplace's failure.
type SourceError struct {
	Provider string
	Err      error
}

func (e SourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

// Result is the outcome of one aggregation round.
type Result struct {
	Listings []models.Listing
	// Failures holds the sources that errored; the other sources' listings are still returned.
	Failures []SourceError
}

// Observer is notified of each source's outcome. It may be nil.
type Observer interface {
	ObserveListings(provider string, count int, elapsed time.Duration, err error)
}

// Aggregator queries every marketplace concurrently and concatenates their
// normalized listings.
type Aggregator struct {
	sources  []models.Marketplace
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer
}

// NewAggregator creates an Aggregator. timeout bounds each source's query.
func NewAggregator(sources []models.Marketplace, timeout time.Duration, logger *slog.Logger, observer Observer) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{sources: sources, timeout: timeout, logger: logger, observer: observer}
}

// Listings fans out to every source. A failing source is logged and skipped so
// the others still contribute; ErrNoListings is returned only if all fail.
func (a *Aggregator) Listings(ctx context.Context) (*Result, error) {
	var (
		mu      sync.Mutex
		perSrc  = make([][]models.Listing, len(a.sources))
		result  = &Result{}
		g, gctx = errgroup.WithContext(ctx)
	)

	for i, src := range a.sources {
		g.Go(func() error {
			qctx := gctx
			if a.timeout > 0 {
				var cancel context.CancelFunc
				qctx, cancel = context.WithTimeout(gctx, a.timeout)
				defer cancel()
			}

			start := time.Now()
			listings, err := src.Listings(qctx)
			elapsed := time.Since(start)
			if a.observer != nil {
				a.observer.ObserveListings(src.Name(), len(listings), elapsed, err)
			}
			if err != nil {
				a.logger.Warn("marketplace query failed", "provider", src.Name(), "error", err)
				mu.Lock()
				result.Failures = append(result.Failures, SourceError{Provider: src.Name(), Err: err})
				mu.Unlock()
				// A failed source must not cancel its siblings.
				return nil
			}

			for j := range listings {
				listings[j].Provider = src.Name()
			}
			perSrc[i] = listings
			return nil
		})
	}
	_ = g.Wait()

	for _, l := range perSrc {
		result.Listings = append(result.Listings, l...)
	}

	if len(a.sources) > 0 && len(result.Failures) == len(a.sources) {
		errs := make([]error, 0, len(result.Failures))
		for _, f := range result.Failures {
			errs = append(errs, f)
		}
		return result, fmt.Errorf("%w: %w", ErrNoListings, errors.Join(errs...))
	}
	return result, nil
}
