// Package relay bridges browser and telephony WebSocket clients to live
// sessions. Each relay Session owns one session.Client.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/room4-2/livelink/codec"
	"github.com/room4-2/livelink/events"
	"github.com/room4-2/livelink/functions"
	"github.com/room4-2/livelink/media"
	"github.com/room4-2/livelink/messages"
	"github.com/room4-2/livelink/session"
	"github.com/room4-2/livelink/storage"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	readLimit       = 512 * 1024

	inputAudioMimeType = "audio/pcm;rate=16000"
	defaultImageType   = "image/jpeg"
)

// Kind tells which wire protocol the relay client speaks.
type Kind int

const (
	KindBrowser Kind = iota
	KindTwilio
)

func (k Kind) String() string {
	if k == KindTwilio {
		return "twilio"
	}
	return "browser"
}

// Session relays one client connection to one live session.
type Session struct {
	ID        string
	Kind      Kind
	CreatedAt time.Time

	conn      *websocket.Conn
	live      *session.Client
	setup     *messages.SetupConfig
	tools     *functions.Registry
	store     storage.ContextStore
	buffer    *media.ChunkBuffer
	keepAlive time.Duration
	logger    *slog.Logger

	writeChan chan any
	done      chan struct{}
	closeOnce sync.Once

	mu           sync.RWMutex
	lastActivity time.Time
	streamSid    string
	buttons      map[string]bool
}

type sessionDeps struct {
	live          *session.Client
	setup         *messages.SetupConfig
	tools         *functions.Registry
	store         storage.ContextStore
	maxBufferSize int
	keepAlive     time.Duration
	logger        *slog.Logger
}

func newSession(id string, kind Kind, conn *websocket.Conn, deps sessionDeps) *Session {
	conn.SetReadLimit(readLimit)
	if kind == KindBrowser {
		conn.EnableWriteCompression(true)
		_ = conn.SetCompressionLevel(6)
	}

	now := time.Now()
	return &Session{
		ID:           id,
		Kind:         kind,
		CreatedAt:    now,
		conn:         conn,
		live:         deps.live,
		setup:        deps.setup,
		tools:        deps.tools,
		store:        deps.store,
		buffer:       media.NewChunkBuffer(deps.maxBufferSize),
		keepAlive:    deps.keepAlive,
		logger:       deps.logger.With("relay", id[:8], "kind", kind.String()),
		writeChan:    make(chan any, writeBufferSize),
		done:         make(chan struct{}),
		lastActivity: now,
		buttons:      make(map[string]bool),
	}
}

// Live exposes the session client.
func (s *Session) Live() *session.Client { return s.live }

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Start wires the live events, opens the live session and begins
// reading from the client. It returns immediately.
func (s *Session) Start(ctx context.Context) {
	go s.writePump()
	s.bindLiveEvents()

	if s.Kind == KindBrowser {
		s.queue(messages.NewStatusMessage(s.ID, messages.StatusConnected, "Session established"))
		go s.readBrowser(ctx)
	} else {
		go s.readTwilio(ctx)
	}

	go func() {
		if err := s.live.Connect(ctx, s.setup); err != nil {
			s.logger.Error("live connect failed", "error", err)
			s.sendError(messages.ErrCodeSessionFailed, err.Error())
		}
	}()
}

func (s *Session) bindLiveEvents() {
	s.live.OnAudio(s.relayAudio)
	s.live.OnContent(s.relayContent)
	s.live.OnToolCall(s.answerToolCall)
	s.live.OnToolCallCancellation(func(tc *messages.ToolCallCancellation) {
		s.logger.Info("tool call cancelled", "ids", tc.IDs)
		s.sendStatus(messages.StatusToolCancelled, strings.Join(tc.IDs, ","))
	})
	s.live.On(events.SetupComplete, func(any) {
		s.sendStatus(messages.StatusSetupComplete, "")
	})
	s.live.On(events.TurnComplete, func(any) {
		s.sendStatus(messages.StatusTurnComplete, "")
	})
	s.live.On(events.Interrupted, func(any) {
		if s.Kind == KindTwilio {
			if sid := s.StreamSid(); sid != "" {
				s.queue(messages.NewTwilioClear(sid))
			}
			return
		}
		s.sendStatus(messages.StatusInterrupted, "")
	})
	s.live.OnClose(func(e session.CloseEvent) {
		s.logger.Warn("live session closed", "code", e.Code, "reason", e.Reason, "retries", s.live.Retries())
		s.sendStatus(messages.StatusDisconnected, e.Reason)
	})
}

func (s *Session) relayAudio(pcm []byte) {
	if s.Kind == KindBrowser {
		s.queue(messages.NewAudioMessage(s.ID, codec.Base64Encode(pcm)))
		return
	}
	sid := s.StreamSid()
	if sid == "" {
		s.logger.Warn("model audio before stream start, dropping", "bytes", len(pcm))
		return
	}
	s.queue(messages.NewTwilioMedia(sid, codec.Base64Encode(media.PCM24kToMuLaw(pcm))))
}

func (s *Session) relayContent(sc *messages.ServerContent) {
	var text strings.Builder
	var other []messages.Part
	for _, p := range sc.ModelTurn.Parts {
		if p.Text != "" && !p.Thought {
			text.WriteString(p.Text)
			continue
		}
		other = append(other, p)
	}

	if s.Kind == KindTwilio {
		s.logger.Debug("model text", "text", text.String())
		return
	}
	if text.Len() > 0 {
		s.queue(messages.NewTextMessage(s.ID, text.String()))
	}
	if len(other) > 0 {
		s.queue(messages.NewContentMessage(s.ID, other))
	}
}

func (s *Session) answerToolCall(tc *messages.ToolCall) {
	for _, fc := range tc.FunctionCalls {
		s.logger.Info("function call", "name", fc.Name, "id", fc.ID)
	}
	if s.Kind == KindBrowser {
		s.queue(messages.NewToolCallMessage(s.ID, tc.FunctionCalls))
	}
	resp := s.tools.RespondAll(context.Background(), tc)
	if err := s.live.SendToolResponse(resp); err != nil {
		s.logger.Error("tool response failed", "error", err)
		s.sendError(messages.ErrCodeLiveError, err.Error())
	}
}

// StreamSid is the Twilio stream the session plays audio into.
func (s *Session) StreamSid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamSid
}

// capturing reports whether any of the named sources is on. Sources the
// client never reported count as on.
func (s *Session) capturing(sources ...string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reported := false
	for _, name := range sources {
		on, ok := s.buttons[name]
		if on {
			return true
		}
		reported = reported || ok
	}
	return !reported
}

func (s *Session) writePump() {
	var ping <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		ping = t.C
	}
	defer func() {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}()

	for {
		select {
		case <-s.done:
			return
		case <-ping:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("keepalive failed", "error", err)
				go s.Close()
				return
			}
		case msg := <-s.writeChan:
			if err := s.write(msg); err != nil {
				s.logger.Debug("client write failed", "error", err)
				go s.Close()
				return
			}
		}
	}
}

func (s *Session) write(msg any) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", msg, err)
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// queue hands msg to the write pump without blocking.
func (s *Session) queue(msg any) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.writeChan <- msg:
		s.touch()
	default:
		s.logger.Warn("client write queue full, dropping message", "type", fmt.Sprintf("%T", msg))
	}
}

func (s *Session) sendStatus(status, message string) {
	if s.Kind == KindTwilio {
		return
	}
	s.queue(messages.NewStatusMessage(s.ID, status, message))
}

func (s *Session) sendError(code, message string) {
	if s.Kind == KindTwilio {
		return
	}
	s.queue(messages.NewErrorMessage(s.ID, code, message))
}

// Close ends the relay and the live session. Safe to call repeatedly.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.live.Close()
		s.buffer.Reset()
		_ = s.conn.Close()
		s.logger.Info("relay session closed")
	})
	return nil
}

func (s *Session) IsClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) readBrowser(ctx context.Context) {
	defer s.Close()
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.IsClosed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("client read failed", "error", err)
			}
			return
		}
		s.touch()

		if mt == websocket.BinaryMessage {
			if !s.capturing(messages.ButtonMic) {
				s.logger.Debug("mic off, dropping audio frame", "bytes", len(data))
				continue
			}
			s.bufferAudio(data)
			continue
		}

		var msg messages.ClientMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			s.sendError(messages.ErrCodeInvalidMessage, "Invalid message format")
			continue
		}
		s.handleClientMessage(ctx, &msg)
	}
}

func (s *Session) bufferAudio(pcm []byte) {
	if err := s.buffer.Append(pcm); err != nil {
		if errors.Is(err, media.ErrBufferFull) {
			s.sendError(messages.ErrCodeBufferFull, fmt.Sprintf("Audio buffer full (max %d bytes)", s.buffer.Limit()))
			return
		}
		s.sendError(messages.ErrCodeInvalidMessage, err.Error())
	}
}

func (s *Session) handleClientMessage(ctx context.Context, msg *messages.ClientMessage) {
	switch msg.Type {
	case messages.ClientTypeAudio:
		var p messages.AudioPayload
		if err := sonic.Unmarshal(msg.Payload, &p); err != nil || p.Data == "" {
			s.sendError(messages.ErrCodeInvalidMessage, "Invalid audio payload")
			return
		}
		if _, err := codec.Base64Decode(p.Data); err != nil {
			s.sendError(messages.ErrCodeInvalidMessage, "Invalid base64 audio data")
			return
		}
		if !s.capturing(messages.ButtonMic) {
			s.logger.Debug("mic off, dropping audio message")
			return
		}
		mime := p.MimeType
		if mime == "" {
			mime = inputAudioMimeType
		}
		s.realtime(messages.MediaChunk{MimeType: mime, Data: p.Data})

	case messages.ClientTypeImage:
		var p messages.ImagePayload
		if err := sonic.Unmarshal(msg.Payload, &p); err != nil || p.Data == "" {
			s.sendError(messages.ErrCodeInvalidMessage, "Invalid image payload")
			return
		}
		if !s.capturing(messages.ButtonVideo, messages.ButtonScreen) {
			s.logger.Debug("video and screen off, dropping frame")
			return
		}
		mime := p.MimeType
		if mime == "" {
			mime = defaultImageType
		}
		s.realtime(messages.MediaChunk{MimeType: mime, Data: p.Data})

	case messages.ClientTypeText:
		var p messages.TextPayload
		if err := sonic.Unmarshal(msg.Payload, &p); err != nil || p.Text == "" {
			s.sendError(messages.ErrCodeInvalidMessage, "Invalid text payload")
			return
		}
		turnComplete := p.TurnComplete == nil || *p.TurnComplete
		var err error
		if p.WithContext {
			err = s.live.SendWithContext(turnComplete, messages.TextPart(p.Text))
		} else {
			err = s.live.Send(turnComplete, messages.TextPart(p.Text))
		}
		if err != nil {
			s.sendLiveError(err)
		}

	case messages.ClientTypeContext:
		var p messages.ContextPayload
		if err := sonic.Unmarshal(msg.Payload, &p); err != nil || p.Text == "" {
			s.sendError(messages.ErrCodeInvalidMessage, "Invalid context payload")
			return
		}
		turn := messages.UserTurn(messages.TextPart(p.Text))
		s.live.Context().Append(turn)
		if err := s.store.Append(ctx, s.ID, turn); err != nil {
			s.logger.Warn("persisting context failed", "error", err)
		}

	case messages.ClientTypeControl:
		var p messages.ControlPayload
		if err := sonic.Unmarshal(msg.Payload, &p); err != nil {
			s.sendError(messages.ErrCodeInvalidMessage, "Invalid control payload")
			return
		}
		s.handleControl(ctx, &p)

	default:
		s.sendError(messages.ErrCodeInvalidMessage, "Unknown message type: "+msg.Type)
	}
}

func (s *Session) handleControl(ctx context.Context, p *messages.ControlPayload) {
	switch p.Action {
	case messages.ActionPing:
		s.sendStatus(messages.StatusPong, "")

	case messages.ActionEndTurn:
		s.flushAudio()

	case messages.ActionConnect:
		go func() {
			if err := s.live.Connect(ctx, s.setup); err != nil {
				s.sendError(messages.ErrCodeSessionFailed, err.Error())
			}
		}()

	case messages.ActionDisconnect:
		s.live.Disconnect()
		s.sendStatus(messages.StatusDisconnected, "Disconnected by client")

	case messages.ActionButton:
		if p.ButtonType == "" {
			s.sendError(messages.ErrCodeInvalidMessage, "Missing buttonType")
			return
		}
		s.mu.Lock()
		s.buttons[p.ButtonType] = p.ButtonState
		s.mu.Unlock()
		s.sendStatus(messages.StatusButton, fmt.Sprintf("%s=%t", p.ButtonType, p.ButtonState))

	default:
		s.sendError(messages.ErrCodeInvalidMessage, "Unknown control action: "+p.Action)
	}
}

// flushAudio sends the buffered binary audio as one realtime chunk.
func (s *Session) flushAudio() {
	pcm, chunks := s.buffer.Flush()
	if chunks == 0 {
		s.logger.Debug("end_turn with empty buffer")
		return
	}
	s.logger.Debug("sending buffered audio", "bytes", len(pcm), "chunks", chunks)
	s.realtime(messages.MediaChunk{MimeType: inputAudioMimeType, Data: codec.Base64Encode(pcm)})
}

func (s *Session) realtime(chunk messages.MediaChunk) {
	if err := s.live.SendRealtimeInput(chunk); err != nil {
		s.sendLiveError(err)
	}
}

func (s *Session) sendLiveError(err error) {
	var nc *session.NotConnectedError
	if errors.As(err, &nc) {
		s.sendError(messages.ErrCodeNotConnected, err.Error())
		return
	}
	s.sendError(messages.ErrCodeLiveError, err.Error())
}
