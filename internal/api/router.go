package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/kiranshivaraju/droidqueue/internal/api/middleware"
	"github.com/kiranshivaraju/droidqueue/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	EnqueueWarmup   http.HandlerFunc
	EnqueuePipeline http.HandlerFunc
	ListJobs        http.HandlerFunc
	ClaimJob        http.HandlerFunc
	GetJob          http.HandlerFunc
	CompleteJob     http.HandlerFunc
	CancelJob       http.HandlerFunc
	RetryJob        http.HandlerFunc
	ReconcileJobs   http.HandlerFunc
	ListRuns        http.HandlerFunc

	ListDevices     http.HandlerFunc
	ConfigCycles    http.HandlerFunc
	ConfigSchedules http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		r.Get("/jobs", orNotImplemented(deps.ListJobs))
		r.Get("/jobs/next", orNotImplemented(deps.ClaimJob))
		r.Post("/jobs/reconcile", orNotImplemented(deps.ReconcileJobs))
		r.Get("/jobs/{id}", orNotImplemented(deps.GetJob))
		r.Post("/jobs/{id}/complete", orNotImplemented(deps.CompleteJob))
		r.Get("/runs", orNotImplemented(deps.ListRuns))

		r.Get("/devices", orNotImplemented(deps.ListDevices))
		r.Get("/config/cycles", orNotImplemented(deps.ConfigCycles))
		r.Get("/config/schedules", orNotImplemented(deps.ConfigSchedules))

		// Mutations made by people and the scheduler are rate limited;
		// the worker's claim and complete calls are not.
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimit.Limit)

			r.Post("/enqueue/warmup", orNotImplemented(deps.EnqueueWarmup))
			r.Post("/enqueue/pipeline", orNotImplemented(deps.EnqueuePipeline))
			r.Post("/jobs/{id}/cancel", orNotImplemented(deps.CancelJob))
			r.Post("/jobs/{id}/retry", orNotImplemented(deps.RetryJob))
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
