// Package metrics exposes Prometheus collectors for the scheduler.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tnsr-ai/gpufleet/internal/notify"
)

const namespace = "gpufleet"

// Metrics holds every collector. A nil *Metrics is not valid; use New.
type Metrics struct {
	listings        *prometheus.CounterVec
	listingErrors   *prometheus.CounterVec
	listingDuration *prometheus.HistogramVec
	launches        *prometheus.CounterVec
	jobsFinished    *prometheus.CounterVec
	monitors        prometheus.Gauge
	httpRequests    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		listings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "marketplace",
			Name:      "listings_total",
			Help:      "Listings returned by each marketplace",
		}, []string{"provider"}),
		listingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "marketplace",
			Name:      "errors_total",
			Help:      "Failed listing queries per marketplace",
		}, []string{"provider"}),
		listingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "marketplace",
			Name:      "query_duration_seconds",
			Help:      "Listing query latency per marketplace",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "launches_total",
			Help:      "Instance launch attempts by provider and outcome",
		}, []string{"provider", "outcome"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Jobs that reached a terminal status",
		}, []string{"status"}),
		monitors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "active_monitors",
			Help:      "Machines currently watched by a lifecycle monitor",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status code",
		}, []string{"method", "code"}),
	}
	reg.MustRegister(
		m.listings,
		m.listingErrors,
		m.listingDuration,
		m.launches,
		m.jobsFinished,
		m.monitors,
		m.httpRequests,
	)
	return m
}

// ObserveListings records one marketplace query.
func (m *Metrics) ObserveListings(provider string, count int, elapsed time.Duration, err error) {
	m.listingDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
	if err != nil {
		m.listingErrors.WithLabelValues(provider).Inc()
		return
	}
	m.listings.WithLabelValues(provider).Add(float64(count))
}

// ObserveLaunch records one launch attempt.
func (m *Metrics) ObserveLaunch(provider string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.launches.WithLabelValues(provider, outcome).Inc()
}

// JobFinished counts terminal jobs by status.
func (m *Metrics) JobFinished(_ context.Context, e notify.Event) {
	m.jobsFinished.WithLabelValues(string(e.Status)).Inc()
}

// MonitorStarted and MonitorStopped track running lifecycle monitors.
func (m *Metrics) MonitorStarted() { m.monitors.Inc() }
func (m *Metrics) MonitorStopped() { m.monitors.Dec() }

// InstrumentHandler counts requests served by next.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(m.httpRequests, next)
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

var _ notify.Notifier = (*Metrics)(nil)
