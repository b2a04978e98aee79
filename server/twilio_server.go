package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/room4-2/livelink/config"
	"github.com/room4-2/livelink/relay"
)

type WebsocketTwilio struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	manager    *relay.Manager
	logger     *slog.Logger
}

func NewWebsocketTwilio(cfg *config.Config, manager *relay.Manager, logger *slog.Logger) *WebsocketTwilio {
	if logger == nil {
		logger = slog.Default()
	}
	s := &WebsocketTwilio{
		manager: manager,
		logger:  logger.With("component", "twilio"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Twilio neither compresses nor sends an Origin header.
			EnableCompression: false,
			CheckOrigin:       func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/voice", s.handleVoiceCall)
	mux.HandleFunc("/health", s.handleHealth)

	// Standalone Twilio servers take the main port.
	port := cfg.TwilioPort
	if cfg.ServerType == config.ServerTwilio {
		port = cfg.Port
	}

	// No read or write timeouts: media streams are long-lived.
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

func (s *WebsocketTwilio) Handler() http.Handler { return s.httpServer.Handler }

// Addr is the listen address.
func (s *WebsocketTwilio) Addr() string { return s.httpServer.Addr }

func (s *WebsocketTwilio) Start() error {
	s.logger.Info("twilio server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener. Sessions belong to the manager.
func (s *WebsocketTwilio) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down twilio server")
	return s.httpServer.Shutdown(ctx)
}

func (s *WebsocketTwilio) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("twilio upgrade failed", "error", err)
		return
	}
	serveRelay(s.manager, s.logger, conn, relay.KindTwilio, "")
}

// handleVoiceCall answers Twilio's voice webhook with TwiML that connects
// the call to the media stream.
func (s *WebsocketTwilio) handleVoiceCall(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/xml")
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<Response>
	<Say>Connecting to the assistant now.</Say>
	<Connect>
		<Stream url="wss://%s/stream" />
	</Connect>
</Response>`, r.Host)
}

func (s *WebsocketTwilio) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeHealth(w, map[string]any{"status": "ok", "server": "twilio", "sessions": s.manager.ActiveSessionCount()})
}
