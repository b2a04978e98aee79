package session

import (
	"fmt"

	"github.com/room4-2/livelink/transport"
)

// ConfigError is returned when the socket opened but no handshake
// configuration was supplied.
type ConfigError struct{}

func (*ConfigError) Error() string {
	return "invalid config sent to Connect: setup config is required"
}

// ConnectionError reports a socket failure before the session opened.
type ConnectionError struct {
	URL string // credentials redacted
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("could not connect to %q: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func newConnectionError(rawURL string, err error) *ConnectionError {
	return &ConnectionError{URL: transport.RedactURL(rawURL), Err: err}
}

// NotConnectedError is returned by sends when the session is closed and
// no reconnect attempts remain.
type NotConnectedError struct {
	Retries int
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("websocket is not connected and max retries exceeded (%d)", e.Retries)
}
