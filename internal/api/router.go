package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/appservices/internal/auth"
)

const defaultWSPath = "/ws"

// buildRouter mounts the status API under /api/v1 and the telemetry stream
// at websocket.path.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(
		withRequestID,
		s.accessLog,
		s.recoverPanics,
		s.cors,
		middleware.RequestSize(maxRequestBodySize),
	)

	r.Route("/api/v1", func(r chi.Router) {
		// Read-only views are public.
		r.Get("/health", s.handleHealth)
		r.Get("/sync/status", s.handleSyncStatus)
		r.Get("/sync/engines", s.handleSyncEngines)
		r.Get("/sync/last", s.handleLastSync)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.With(require(auth.PermSyncRead)).Post("/ws/ticket", s.handleWSTicket)
			r.With(require(auth.PermSyncTrigger), s.throttleSync).Post("/sync", s.handleSync)
			r.With(require(auth.PermSyncTrigger)).Post("/sync/interrupt", s.handleSyncInterrupt)
			r.With(require(auth.PermSyncDisconnect)).Post("/sync/disconnect", s.handleSyncDisconnect)
		})
	})

	path := s.wsCfg.Path
	if path == "" {
		path = defaultWSPath
	}
	r.Get(path, s.handleWebSocket)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"syncing": s.sync.Status().Running,
		"clients": s.hub.ClientCount(),
	})
}
