package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	mw "github.com/tnsr-ai/gpufleet/internal/api/middleware"
	"github.com/tnsr-ai/gpufleet/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	// Instrument wraps every route with request metrics when set.
	Instrument func(http.Handler) http.Handler

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	RegisterJob  http.HandlerFunc
	ActiveJobs   http.HandlerFunc
	PastJobs     http.HandlerFunc
	EstimateJob  http.HandlerFunc
	CancelJob    http.HandlerFunc
	JobsProgress http.HandlerFunc

	FetchJob  http.HandlerFunc
	UploadURL http.HandlerFunc
	Reindex   http.HandlerFunc
	JobStatus http.HandlerFunc

	ListMachines     http.HandlerFunc
	CreateKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	if deps.Instrument != nil {
		r.Use(deps.Instrument)
	}

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Worker callbacks authenticate with the job's one-time key.
	r.Route("/api/v1/worker/jobs/{jobID}", func(r chi.Router) {
		r.Get("/", orNotImplemented(deps.FetchJob))
		r.Post("/upload-url", orNotImplemented(deps.UploadURL))
		r.Post("/reindex", orNotImplemented(deps.Reindex))
		r.Post("/status", orNotImplemented(deps.JobStatus))
	})

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs", orNotImplemented(deps.RegisterJob))
		r.Get("/api/v1/jobs/active", orNotImplemented(deps.ActiveJobs))
		r.Get("/api/v1/jobs/past", orNotImplemented(deps.PastJobs))
		r.Post("/api/v1/jobs/estimate", orNotImplemented(deps.EstimateJob))
		r.Get("/api/v1/jobs/progress", orNotImplemented(deps.JobsProgress))
		r.Get("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJob))
		r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJob))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))
			r.Get("/api/v1/admin/machines", orNotImplemented(deps.ListMachines))
			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
