package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/inkhaven/inkhaven/pkg/admission"
)

// buildRouter constructs the chi router with all routes and middleware.
// Admission runs before the CORS handler so OPTIONS traffic is counted
// against the preflight tier before the preflight response is written.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.gate.Middleware)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints.
		r.Get("/health", s.handleHealth)

		// Session endpoints.
		r.Route("/auth", func(r chi.Router) {
			r.Use(s.rateLimitMiddleware(s.cfg.RateLimit.AdminPerMinute))

			r.Post("/logout", s.handleLogout)

			r.Group(func(r chi.Router) {
				r.Use(s.authGate.RequireAuth)
				r.Get("/me", s.handleMe)
			})
		})

		// Admin endpoints (require auth + admin role).
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.authGate.RequireAuth)
			r.Use(s.authGate.RequireRole("admin"))
			r.Use(s.rateLimitMiddleware(s.cfg.RateLimit.AdminPerMinute))

			// Origin allow-list management.
			r.Get("/origins", s.handleListOrigins)
			r.Post("/origins", s.handleCreateOrigin)
			r.Put("/origins/{id}", s.handleUpdateOrigin)
			r.Delete("/origins/{id}", s.handleDeleteOrigin)
			r.Get("/origins/stats", s.handleOriginStats)
			r.Post("/origins/test", s.handleTestOrigin)

			// Alert trail.
			r.Get("/alerts", s.handleRecentAlerts)
			r.Get("/alerts/stats", s.handleAlertStats)
		})

		// Blog-domain handlers mount behind the full pipeline with
		// optional auth; role-sensitive handlers read the identity
		// from context.
		if s.domainRoutes != nil {
			r.Group(func(r chi.Router) {
				r.Use(s.authGate.OptionalAuth)
				s.domainRoutes(r)
			})
		}
	})

	return r
}

// corsMiddleware returns the CORS handler. Membership is a pure
// registry read; alerting for rejected origins happens in the
// admission gate, not here.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			return s.registry.Contains(origin)
		},
		AllowedMethods: []string{
			"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS",
		},
		AllowedHeaders: []string{
			"Content-Type", "Authorization",
			admission.HeaderWarmingRequest, admission.HeaderWarmingSource,
		},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           86400,
	})
}
