// Package httpserver contains HTTP handlers and middleware.
//
// It provides the REST surface described in spec.md §6 (no realtime
// streaming endpoint is served here), a thin binding over the QueueEngine, ExportEngine, Reconciler and Sharing
// service: routing/authn policy stays a named external collaborator (spec.md
// §9 Non-goals) — callers supply an already-authenticated userId via the
// X-User-Id header.
package httpserver

import (
	"io"
	"net/http"
	"os"

	"github.com/segforge/segcore/internal/config"
	"github.com/segforge/segcore/internal/domain"
	"github.com/segforge/segcore/internal/export"
	"github.com/segforge/segcore/internal/queue"
	"github.com/segforge/segcore/internal/reconciler"
	"github.com/segforge/segcore/internal/sharing"
	"github.com/segforge/segcore/internal/stats"
)

// Server holds every collaborator the §6 REST surface binds to.
type Server struct {
	cfg     config.Config
	store   domain.Store
	bus     domain.EventBus
	queue   *queue.Engine
	export  *export.Engine
	share   *sharing.Service
	recon   *reconciler.Reconciler
	agg     *stats.Aggregator
}

// NewServer constructs a Server. Any collaborator may be nil in tests that
// only exercise handlers not reaching it.
func NewServer(cfg config.Config, store domain.Store, bus domain.EventBus, qe *queue.Engine, ee *export.Engine, share *sharing.Service, recon *reconciler.Reconciler, agg *stats.Aggregator) *Server {
	return &Server{cfg: cfg, store: store, bus: bus, queue: qe, export: ee, share: share, recon: recon, agg: agg}
}

// HealthzHandler reports process liveness unconditionally.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports readiness; the only gate is that a Store is
// configured. The Store is not contacted, so an unreachable database still
// reports ready.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// OpenAPIServe streams api/openapi.yaml relative to the process's working
// directory, when present.
func (s *Server) OpenAPIServe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := os.Open("api/openapi.yaml")
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = io.Copy(w, f)
	}
}
