/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Logging:    Structured zap access log with request fields
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the dashboard
  6. Scope:      Workshop from JWT or X-Workshop-ID (/api only)

ROUTE GROUPS:
  /api/clients/*      Balances, accruals, redemptions, client view
  /api/referrals/*    Referral lifecycle
  /api/tiers/*        Tier ladder administration
  /api/config         Accrual parameters
  /api/admin/*        Program loading, manual expiry sweep, demo scenarios
  /api/statistics     Aggregates
  /health             Liveness (no scope required)

SEE ALSO:
  - handlers.go: Handler implementations
  - scope.go: Workshop scope middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/loyalty-engine/observability"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	// JWTSecret enables bearer-token scope. Empty trusts X-Workshop-ID.
	JWTSecret string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.Middleware(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", WorkshopHeader, IdempotencyHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.HealthCheck)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(ScopeMiddleware(opts.JWTSecret))

		// Client routes
		r.Route("/clients", func(r chi.Router) {
			r.Post("/", h.RegisterClient)
			r.Get("/{id}/loyalty", h.GetClientLoyalty)
			r.Get("/{id}/balance", h.GetBalance)
			r.Post("/{id}/accruals", h.Accrue)
			r.Post("/{id}/redemptions", h.Redeem)
			r.Get("/{id}/reconcile", h.Reconcile)
		})

		// Referral routes
		r.Route("/referrals", func(r chi.Router) {
			r.Get("/", h.ListReferrals)
			r.Post("/", h.CreateReferral)
			r.Get("/{id}", h.GetReferral)
			r.Delete("/{id}", h.DeleteReferral)
			r.Post("/{id}/confirm", h.ConfirmReferral)
			r.Post("/{id}/reject", h.RejectReferral)
			r.Post("/{id}/complete", h.CompleteReferral)
		})

		// Tier routes
		r.Route("/tiers", func(r chi.Router) {
			r.Get("/", h.ListTiers)
			r.Post("/", h.CreateTier)
			r.Put("/{id}", h.UpdateTier)
			r.Delete("/{id}", h.DeactivateTier)
		})

		r.Get("/config", h.GetConfig)
		r.Put("/config", h.UpdateConfig)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/program", h.LoadProgram)
			r.Post("/expire", h.TriggerExpiry)
			r.Get("/scenarios", h.ListScenarios)
			r.Post("/scenarios/load", h.LoadScenario)
		})

		r.Get("/statistics", h.GetStatistics)
	})

	return r
}
