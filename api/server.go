/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/runs/*        Run submission and audit trail
  /api/portfolio/*   Balance cells and administrative deltas
  /api/loans/*       Statement reconstruction
  /api/entries/*     Journal entry voiding
  /healthz           Liveness
  /metrics           Prometheus collectors

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a router with all routes configured. registry may
// be nil, in which case /metrics is not mounted.
func NewRouter(h *Handler, registry *prometheus.Registry) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", h.SubmitRun)
			r.Get("/", h.ListRuns)
			r.Get("/{id}", h.GetRun)
		})

		r.Route("/portfolio", func(r chi.Router) {
			r.Get("/", h.GetPortfolio)
			r.Post("/deltas", h.ApplyDeltas)
		})

		r.Route("/loans", func(r chi.Router) {
			r.Get("/{id}/statement", h.GetStatement)
		})

		r.Route("/entries", func(r chi.Router) {
			r.Post("/{id}/void", h.VoidEntry)
		})
	})

	r.Get("/healthz", h.Healthz)
	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	return r
}
