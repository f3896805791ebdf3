// Package admin exposes an HTTP/WS introspection surface for operators:
// a health check, a connection-count snapshot, and a live stream of bus
// lifecycle events. Grounded on the teacher's internal/handler/ws
// upgrade/pump-loop pattern, adapted from per-user delivery to
// per-operator event delivery, and on its hub_stats.go stats shape.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/webitel/tcpbus/internal/connpool"
	"github.com/webitel/tcpbus/internal/events"
)

// Addr is the host:port the admin HTTP server listens on.
type Addr string

// Stats is the /stats response payload.
type Stats struct {
	TotalConnections int           `json:"total_connections"`
	Uptime           time.Duration `json:"uptime"`
}

// Server is the admin HTTP handler. It holds no sockets of its own;
// http.Server lifecycle is managed by this package's Module.
type Server struct {
	pool      *connpool.Pool
	dispatch  events.Dispatcher
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	startedAt time.Time

	router chi.Router
}

// New builds a Server ready to be handed to http.Server as a Handler.
func New(pool *connpool.Pool, dispatch events.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		pool:     pool,
		dispatch: dispatch,
		logger:   logger,
		upgrader: websocket.Upgrader{
			// Admin surface is operator-facing infrastructure, not
			// browser content; CheckOrigin is permissive like the
			// teacher's own ws handler.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/stats", s.handleStats)
	r.Get("/events", s.handleEvents)
	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := Stats{
		TotalConnections: s.pool.CountAll(),
		Uptime:           time.Since(s.startedAt),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.Error("admin: encode stats failed", "err", err)
	}
}

// handleEvents upgrades to a websocket and streams lifecycle events as
// they're published, mirroring the teacher's ws pump loop: one
// goroutine, one connection, exit on either the request context
// closing or the subscription channel closing.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("admin: ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch, cancel := s.dispatch.Subscribe(32)
	defer cancel()

	s.logger.Info("admin: event stream opened", "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("admin: marshal event failed", "err", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("admin: ws send failed", "err", err)
				return
			}
		}
	}
}
