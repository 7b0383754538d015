/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. requestLog: One zap line per request
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /health               Liveness + database ping
  /metrics              Prometheus scrape endpoint
  /api/runs/*           Pipeline runs (list, trigger, inspect)
  /api/batches          Batches with committed facts
  /api/facts/*          Fact rows and CSV export
  /api/files            Ingest file log
  /api/analysis/*       Trend, rank/conversion, top keywords

SECURITY NOTE:
  No authentication middleware. Expose behind a trusted network only.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/seo/main.go: Server startup (serve command)
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog(h.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Post("/", h.TriggerRun)
			r.Get("/{id}", h.GetRun)
		})

		r.Get("/batches", h.ListBatches)

		r.Route("/facts", func(r chi.Router) {
			r.Get("/", h.ListFacts)
			r.Get("/export", h.ExportFacts)
		})

		r.Get("/files", h.ListFiles)

		r.Route("/analysis", func(r chi.Router) {
			r.Get("/trends", h.Trends)
			r.Get("/rank-conversion", h.RankConversion)
			r.Get("/top-keywords", h.TopKeywords)
		})
	})

	return r
}

// requestLog logs method, path, status and latency of every request.
func requestLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
