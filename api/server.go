/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RequestLogger: zerolog line per request (carries the request id)
  3. Recoverer:     Panic recovery (500 instead of crash)
  4. CORS:          Cross-origin requests for the back-office UI

ROUTE GROUPS:
  /api/payments/*   Posting lifecycle and remainder routing
  /api/claims/*     Secondary trigger, reconciliation, activity
  /api/health       Liveness plus store ping

SECURITY NOTE:
  No authentication middleware. Deploy behind the billing gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.HealthCheck)

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.CreatePayment)
			r.Put("/{id}", h.ModifyPayment)
			r.Delete("/{id}", h.DeletePayment)
			r.Post("/{id}/auto-apply", h.AutoApply)
			r.Post("/{id}/disbursements", h.Disburse)
		})

		r.Route("/claims", func(r chi.Router) {
			r.Post("/{id}/secondary", h.EvaluateSecondary)
			r.Get("/{id}/reconciliation", h.GetReconciliation)
			r.Get("/{id}/activity", h.GetActivity)
		})
	})

	return r
}
