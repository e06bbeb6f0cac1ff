// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/segforge/segcore/internal/adapter/httpserver"
	"github.com/segforge/segcore/internal/adapter/observability"
	"github.com/segforge/segcore/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
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

// BuildRouter constructs the HTTP handler with all middleware and the spec.md
// §6 REST surface, mounted against srv.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*", "X-User-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/health", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/openapi.yaml", srv.OpenAPIServe())
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))

		wr.Post("/projects", srv.CreateProjectHandler())
		wr.Get("/projects", srv.ListProjectsHandler())
		wr.Post("/projects/{p}/images", srv.UploadImageHandler())

		wr.Post("/projects/{p}/segmentation/batch", srv.EnqueueSegmentationBatchHandler())
		wr.Delete("/queue/items/{id}", srv.CancelQueueItemHandler())
		wr.Delete("/projects/{p}/queue", srv.CancelProjectQueueHandler())
		wr.Get("/projects/{p}/queue/stats", srv.QueueStatsHandler())
		wr.Get("/queue/items/{id}/status", srv.QueueItemStatusHandler())
		wr.Post("/queue/items/reconcile", srv.ReconcileQueueItemsHandler())

		wr.Post("/projects/{p}/export", srv.StartExportHandler())
		wr.Get("/projects/{p}/export/{job}/status", srv.ExportStatusHandler())
		wr.Post("/projects/{p}/export/{job}/cancel", srv.CancelExportHandler())
		wr.Get("/projects/{p}/export/{job}/download", srv.DownloadExportHandler())
		wr.Get("/export/jobs/{job}/status", srv.ExportJobStatusHandler())

		wr.Post("/projects/{p}/shares", srv.InviteShareHandler())
		wr.Post("/shares/accept", srv.AcceptShareHandler())
		wr.Delete("/shares/{id}", srv.RevokeShareHandler())
	})

	return httpserver.SecurityHeaders(r)
}
