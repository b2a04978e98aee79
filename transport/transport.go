// Package transport opens the client side WebSocket of a live session.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultDialTimeout    = 30 * time.Second
	DefaultMaxMessageSize = 16 * 1024 * 1024 // 16MB
)

// Conn is the subset of *websocket.Conn the session client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn. A nil error means the socket is open.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	Header         http.Header
	DialTimeout    time.Duration
	MaxMessageSize int64
	// EnableCompression negotiates permessage-deflate.
	EnableCompression bool
}

// NewWebSocketDialer returns a dialer with default limits.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		DialTimeout:    DefaultDialTimeout,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  d.DialTimeout,
		EnableCompression: d.EnableCompression,
		TLSClientConfig:   &tls.Config{MinVersion: tls.VersionTLS12},
	}

	conn, resp, err := dialer.DialContext(ctx, rawURL, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	if d.MaxMessageSize > 0 {
		conn.SetReadLimit(d.MaxMessageSize)
	}
	return conn, nil
}

// errorMarker precedes the human readable part of server error reasons,
// e.g. "[ORIGINAL ERROR] generic::invalid_argument: ...".
const errorMarker = "ERROR]"

// CloseInfo describes why a socket stopped reading.
type CloseInfo struct {
	Code   int
	Reason string
}

// CloseInfoFromError extracts the close code and a readable reason from
// a read error.
func CloseInfoFromError(err error) CloseInfo {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return CloseInfo{Code: ce.Code, Reason: ReadableReason(ce.Text)}
	}
	if err == nil {
		return CloseInfo{Code: websocket.CloseNormalClosure}
	}
	return CloseInfo{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
}

// ReadableReason strips the server prelude from error close reasons.
func ReadableReason(reason string) string {
	if !strings.Contains(strings.ToLower(reason), "error") {
		return reason
	}
	if i := strings.Index(reason, errorMarker); i > 0 {
		return strings.TrimSpace(reason[i+len(errorMarker):])
	}
	return reason
}

// RedactURL masks credential query parameters so URLs can be logged.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	changed := false
	for _, k := range []string{"key", "access_token"} {
		if q.Has(k) {
			q.Set(k, "REDACTED")
			changed = true
		}
	}
	if !changed {
		return rawURL
	}
	u.RawQuery = q.Encode()
	return u.String()
}
