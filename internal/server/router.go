package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openjobspec/ojs-pacer/internal/api"
	"github.com/openjobspec/ojs-pacer/internal/metrics"
)

// NewRouter creates the HTTP router. Health and metrics are served by every
// role; the processing API only where the api role runs.
func NewRouter(a *App) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(api.RequestLogger)
	r.Use(api.PacerHeaders)

	systemH := api.NewSystemHandler(a.healthChecks())
	r.Get("/health", systemH.Health)
	r.Handle("/metrics", metrics.Handler())

	if !a.cfg.Runs(RoleAPI) {
		return r
	}

	processingH := api.NewProcessingHandler(a.jobs)
	deadLetterH := api.NewDeadLetterHandler(a.deadLetters)

	r.Route("/api/processing", func(r chi.Router) {
		r.Get("/{jobId}/updates", a.updates.Stream)

		r.Group(func(r chi.Router) {
			r.Use(api.LimitBody)
			r.Use(api.ValidateContentType)

			r.Post("/start", processingH.Start)
			r.Get("/jobs", processingH.List)
			r.Get("/dead-letters", deadLetterH.List)
			r.Patch("/{jobId}/config", processingH.UpdateConfig)
			r.Get("/{jobId}/status", processingH.Status)

			if a.idx != nil {
				recordH := api.NewRecordHandler(a.idx)
				r.Get("/{jobId}/records", recordH.Summary)
				r.Get("/{jobId}/records/{recordId}", recordH.Get)
			}
		})
	})

	return r
}
