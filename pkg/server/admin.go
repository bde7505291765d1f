package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fisync/fisync/pkg/conn"
)

// AdminHandler returns the admin HTTP surface:
//
//	GET    /healthz                     liveness and session counts
//	GET    /metrics                     Prometheus metrics
//	GET    /api/sessions                live sessions
//	DELETE /api/sessions/{clientID}     disconnect a client
//	GET    /api/modules                 registered modules
//	GET    /api/datasets                loaded dataset IDs
//	GET    /ws                          the FI protocol over WebSocket
//	GET    /debug/pprof/                profiles, when Config.Profiling is set
func (s *Server) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	started := time.Now()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"uptime":        time.Since(started).Round(time.Second).String(),
			"pending":       s.registry.PendingCount(),
			"authenticated": s.registry.AuthenticatedCount(),
			"modules":       len(s.Modules()),
		})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{
		Registry: s.metrics.registry,
	}))

	if s.config.Profiling {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.registry.List())
		})
		r.Delete("/sessions/{clientID}", func(w http.ResponseWriter, req *http.Request) {
			id := chi.URLParam(req, "clientID")
			if _, ok := s.registry.Get(id); !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": ErrSessionNotFound.Error()})
				return
			}
			s.registry.Disconnect(id)
			w.WriteHeader(http.StatusNoContent)
		})
		r.Get("/modules", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.Modules())
		})
		r.Get("/datasets", func(w http.ResponseWriter, _ *http.Request) {
			ids := []string{}
			if s.datasets != nil {
				ids = s.datasets.IDs()
			}
			writeJSON(w, http.StatusOK, ids)
		})
	})

	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     s.config.CheckOrigin,
	}
	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		if s.isClosed() {
			http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
			return
		}
		s.wg.Add(1)
		defer s.wg.Done()
		if err := s.ServeConn(s.ctx, conn.NewWebSocketStream(ws)); err != nil {
			s.logger.Debug("websocket connection ended", "remote", req.RemoteAddr, "error", err)
		}
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
