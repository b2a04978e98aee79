package messages

import "encoding/json"

// Relay message types sent by browser clients.
const (
	ClientTypeAudio   = "audio"
	ClientTypeImage   = "image"
	ClientTypeText    = "text"
	ClientTypeContext = "context"
	ClientTypeControl = "control"
)

// Control actions.
const (
	ActionPing       = "ping"
	ActionEndTurn    = "end_turn"
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionButton     = "button"
)

// Buttons of the browser control bar. Turning one off stops the relay
// from forwarding that kind of media.
const (
	ButtonMic    = "mic"
	ButtonVideo  = "video"
	ButtonScreen = "screen"
)

// ClientMessage represents a message from a relay client
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AudioPayload contains audio data from client
type AudioPayload struct {
	Data     string `json:"data"` // Base64-encoded PCM audio
	MimeType string `json:"mimeType,omitempty"`
}

// ImagePayload is a captured webcam or screen frame.
type ImagePayload struct {
	MimeType  string `json:"mimeType"`
	Data      string `json:"data"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// TextPayload is a user turn typed in the UI.
type TextPayload struct {
	Text         string `json:"text"`
	WithContext  bool   `json:"withContext,omitempty"`
	TurnComplete *bool  `json:"turnComplete,omitempty"`
}

// ContextPayload appends a prior turn to the session context.
type ContextPayload struct {
	Text string `json:"text"`
}

// ControlPayload contains control commands
type ControlPayload struct {
	Action      string `json:"action"` // "ping", "end_turn", "connect", "disconnect", "button"
	ButtonType  string `json:"buttonType,omitempty"`
	ButtonState bool   `json:"buttonState,omitempty"`
}
