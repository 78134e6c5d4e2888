/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. Metrics:    Prometheus request counters (when configured)
  5. CORS:       Cross-origin requests for a chat frontend

ROUTE GROUPS:
  /api/users/{id}/*     Chat, actions and state reads
  /health               Liveness
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - metrics.go: Collectors and middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	if h.Metrics != nil {
		r.Use(h.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api/users/{id}", func(r chi.Router) {
		r.Post("/chat", h.Chat)
		r.Post("/actions/confirm", h.ConfirmAction)
		r.Post("/actions/cancel", h.CancelAction)
		r.Get("/finance", h.GetFinance)
		r.Get("/conversation", h.GetConversation)
		r.Get("/ledger", h.GetLedger)
	})

	r.Get("/health", h.Health)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics.Handler())
	}

	return r
}
