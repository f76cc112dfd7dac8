// Package app wires the HTTP router and readiness checks for the gateway.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	httpserver "github.com/routellm/gateway/internal/adapter/httpserver"
	"github.com/routellm/gateway/internal/adapter/observability"
	"github.com/routellm/gateway/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. Empty input means allow all.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Auth is open so clients can obtain tokens; still rate limited.
	r.Group(func(ar chi.Router) {
		ar.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		ar.Post("/v1/auth/login", srv.HandleLogin())
	})

	// API surface behind bearer auth. The chat and run endpoints are not
	// wrapped in a short timeout: provider calls can legitimately run long,
	// bounded by the provider timeout instead.
	r.Group(func(pr chi.Router) {
		pr.Use(srv.RequireAuth)
		pr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))

		pr.Post("/v1/llm/chat", srv.HandleChat())

		pr.Post("/v1/agent/runs", srv.HandleCreateRun())
		pr.Get("/v1/agent/runs/{id}", srv.HandleGetRun())
		pr.Post("/v1/agent/runs/{id}/cancel", srv.HandleCancelRun())

		pr.Post("/v1/files", srv.HandleUploadFiles())

		// Admin and stats endpoints never call upstream; a short deadline is
		// safe here.
		pr.Group(func(ar chi.Router) {
			ar.Use(httpserver.TimeoutMiddleware(30 * time.Second))

			ar.Route("/v1/admin/keys", func(kr chi.Router) {
				kr.Get("/", srv.HandleListKeys())
				kr.Post("/", srv.HandleCreateKey())
				kr.Get("/{id}", srv.HandleGetKey())
				kr.Patch("/{id}", srv.HandleUpdateKey())
				kr.Delete("/{id}", srv.HandleDeleteKey())
			})

			ar.Get("/v1/stats/keys/{key_id}/timeseries", srv.HandleKeyTimeseries())
			ar.Get("/v1/stats/timeseries/keys", srv.HandleTimeseriesKeys())
		})
	})

	// Public: providers fetch attachment content from here by URL.
	r.Get("/v1/files/{id}", srv.HandleDownloadFile())

	// Health and metrics
	r.Get("/healthz", srv.HandleHealthz())
	r.Get("/readyz", srv.HandleReadyz())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(otelhttp.NewHandler(r, "http.server"))
}
