// Package server exposes relay sessions over HTTP: a browser WebSocket
// endpoint and a Twilio media stream endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/room4-2/livelink/config"
	"github.com/room4-2/livelink/messages"
	"github.com/room4-2/livelink/relay"
)

// ResumeParam is the query parameter carrying a session ID to resume.
const ResumeParam = "resume"

type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	manager    *relay.Manager
	config     *config.Config
	logger     *slog.Logger
}

func NewServerWebsocket(cfg *config.Config, manager *relay.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager: manager,
		config:  cfg,
		logger:  logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // audio chunks
			WriteBufferSize:   64 * 1024,
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(cfg.AllowedOrigins, r.Header.Get("Origin"))
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// Handler returns the routes, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens until Shutdown. A graceful stop returns nil.
func (s *Server) Start() error {
	s.logger.Info("websocket server starting", "addr", s.httpServer.Addr,
		"endpoint", fmt.Sprintf("ws://localhost:%d/ws", s.config.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and closes the relay sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down websocket server")
	s.manager.Shutdown(ctx)
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	serveRelay(s.manager, s.logger, conn, relay.KindBrowser, r.URL.Query().Get(ResumeParam))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeHealth(w, map[string]any{"status": "ok", "sessions": s.manager.ActiveSessionCount()})
}

// serveRelay runs one relay session until it ends. The session outlives
// the upgrade request, so it gets its own context.
func serveRelay(m *relay.Manager, logger *slog.Logger, conn *websocket.Conn, kind relay.Kind, resumeID string) {
	ctx := context.Background()
	rs, err := m.CreateSession(ctx, conn, kind, resumeID)
	if err != nil {
		logger.Warn("failed to create session", "kind", kind.String(), "error", err)
		if kind == relay.KindBrowser {
			_ = conn.WriteJSON(messages.NewErrorMessage("", messages.ErrCodeSessionFailed, err.Error()))
		}
		_ = conn.Close()
		return
	}

	logger.Info("session created", "session", rs.ID, "kind", kind.String(), "resumed", rs.ID == resumeID)
	rs.Start(ctx)
	<-rs.Done()

	_ = m.RemoveSession(ctx, rs.ID)
	logger.Info("session closed", "session", rs.ID)
}

func writeHealth(w http.ResponseWriter, body map[string]any) {
	data, err := sonic.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
