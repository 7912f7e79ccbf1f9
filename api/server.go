/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request, attached to log lines
  2. RequestLogger: One zerolog line per request
  3. Recoverer:     Panic recovery (500 instead of crash)
  4. Metrics:       Prometheus request count and latency by route pattern
  5. CORS:          Origins from CORS_ALLOWED_ORIGINS

ROUTE GROUPS:
  /api/subscriptions/*  Subscriptions, bindings, capacity
  /api/profiles/*       Unassignment
  /api/platforms/*      Assignable accounts
  /api/catalog/*        Catalog import
  /api/lifecycle/*      Sweeps and their audit records
  /api/rates            Currency rates
  /api/jobs/*           On-demand job runs

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/warp/profile-engine/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", h.CreateSubscription)
			r.Get("/{id}", h.GetSubscription)
			r.Delete("/{id}", h.DeleteSubscription)
			r.Get("/{id}/profiles", h.GetSubscriptionProfiles)
			r.Post("/{id}/profiles", h.AssignProfiles)
			r.Get("/{id}/capacity", h.GetCapacity)
		})

		r.Route("/profiles", func(r chi.Router) {
			r.Delete("/{id}", h.UnassignProfile)
		})

		r.Route("/platforms", func(r chi.Router) {
			r.Get("/{id}/assignable-accounts", h.ListAssignableAccounts)
		})

		r.Post("/catalog/import", h.ImportCatalog)

		r.Route("/lifecycle", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
			r.Get("/runs", h.ListLifecycleRuns)
		})

		r.Get("/rates", h.ListRates)
		r.Post("/jobs/{name}/run", h.RunJob)
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// RequestLogger logs each request with its request id.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqLogger := logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
			r = r.WithContext(reqLogger.WithContext(r.Context()))

			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			reqLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// Metrics records request count and latency, labelled by chi route pattern.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
