/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. Timeout:    Request-level deadline; a timed-out union is abandoned
  5. CORS:       Cross-origin requests for the dropdown frontend

ROUTE GROUPS:
  /api/users/*            Read path (visible reporting dates)
  /api/admin/*            Manual rebuild trigger
  /api/entitlements/*     Push invalidation from the entitlement source
  /api/status             Generation + rebuild health
  /healthz                Liveness

SECURITY NOTE:
  Authentication/session handling is owned by the gateway in front of this
  service; the user identity in the path is trusted here.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RequestTimeout bounds the whole read path, entitlement fetch included.
const RequestTimeout = 10 * time.Second

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Entitlements-Stale"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/users/{userID}/reporting-dates", h.GetReportingDates)
		r.Get("/status", h.GetStatus)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/rebuild", h.TriggerRebuild)
		})

		r.Post("/entitlements/invalidate", h.InvalidateEntitlements)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
