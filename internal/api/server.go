// Package api provides the HTTP status server for a training run.
// It exposes run progress, the run ledger, and Prometheus metrics.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chroma-forge/chromatrain/internal/domain"
	"github.com/chroma-forge/chromatrain/internal/store"
)

// RunSource exposes a consistent snapshot of the live run.
type RunSource interface {
	Snapshot() domain.RunSnapshot
}

// Server serves run status over HTTP.
type Server struct {
	source  RunSource
	ledger  *store.DB // optional
	version string
}

// NewServer creates a status server. ledger may be nil.
func NewServer(source RunSource, ledger *store.DB, version string) *Server {
	return &Server{source: source, ledger: ledger, version: version}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
	})

	r.Get("/api/run", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.source.Snapshot())
	})

	r.Get("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		if s.ledger == nil {
			writeJSON(w, http.StatusOK, []domain.Run{})
			return
		}
		runs, err := s.ledger.ListRuns(50)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// ListenAndServe starts the server; it returns when the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	log.Printf("[api] status server listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}
