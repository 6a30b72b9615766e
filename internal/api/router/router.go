package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmiddleware "github.com/wolfman30/govbook/internal/http/middleware"
	"github.com/wolfman30/govbook/internal/session"
	"github.com/wolfman30/govbook/pkg/logging"
)

// SessionSource exposes live session snapshots.
type SessionSource interface {
	Snapshot(id string) (session.Snapshot, bool)
	Snapshots() []session.Snapshot
}

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	MetricsHandler http.Handler
	Sessions       SessionSource
	AllowedOrigins []string
}

// New creates the local status router.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(httpmiddleware.StatusCORS(cfg.AllowedOrigins))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}
	if cfg.Sessions != nil {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, cfg.Sessions.Snapshots())
			})
			r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) {
				snap, ok := cfg.Sessions.Snapshot(chi.URLParam(req, "id"))
				if !ok {
					writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
					return
				}
				writeJSON(w, http.StatusOK, snap)
			})
		})
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
