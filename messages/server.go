package messages

import "google.golang.org/genai"

// Relay error codes.
const (
	ErrCodeInvalidMessage   = "INVALID_MESSAGE"
	ErrCodeLiveError        = "LIVE_ERROR"
	ErrCodeSessionFailed    = "SESSION_FAILED"
	ErrCodeConnectionClosed = "CONNECTION_CLOSED"
	ErrCodeBufferFull       = "BUFFER_FULL"
	ErrCodeNotConnected     = "NOT_CONNECTED"
)

// Relay message types sent to browser clients.
const (
	TypeAudio    = "audio"
	TypeText     = "text"
	TypeContent  = "content"
	TypeToolCall = "tool_call"
	TypeStatus   = "status"
	TypeError    = "error"
)

// Status values relayed to clients.
const (
	StatusConnected     = "connected"
	StatusDisconnected  = "disconnected"
	StatusSetupComplete = "setup_complete"
	StatusTurnComplete  = "turn_complete"
	StatusInterrupted   = "interrupted"
	StatusToolCancelled = "tool_call_cancelled"
	StatusButton        = "button"
	StatusPong          = "pong"
)

// OutputAudioMimeType is the format of model audio.
const OutputAudioMimeType = "audio/pcm;rate=24000"

// ServerMessage is the envelope written to relay clients.
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Payload   any    `json:"payload"`
}

type AudioResponsePayload struct {
	Data     string `json:"data"` // base64 PCM
	MimeType string `json:"mimeType"`
}

type TextResponsePayload struct {
	Text string `json:"text"`
}

// ContentResponsePayload carries the non-audio, non-text parts of a
// model turn, e.g. executable code.
type ContentResponsePayload struct {
	Parts []Part `json:"parts"`
}

type ToolCallPayload struct {
	FunctionCalls []*genai.FunctionCall `json:"functionCalls"`
}

type StatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newServerMessage(typ, sessionID string, payload any) *ServerMessage {
	return &ServerMessage{Type: typ, SessionID: sessionID, Payload: payload}
}

// NewAudioMessage wraps base64 model audio.
func NewAudioMessage(sessionID, data string) *ServerMessage {
	return newServerMessage(TypeAudio, sessionID, AudioResponsePayload{Data: data, MimeType: OutputAudioMimeType})
}

func NewTextMessage(sessionID, text string) *ServerMessage {
	return newServerMessage(TypeText, sessionID, TextResponsePayload{Text: text})
}

func NewContentMessage(sessionID string, parts []Part) *ServerMessage {
	return newServerMessage(TypeContent, sessionID, ContentResponsePayload{Parts: parts})
}

func NewToolCallMessage(sessionID string, calls []*genai.FunctionCall) *ServerMessage {
	return newServerMessage(TypeToolCall, sessionID, ToolCallPayload{FunctionCalls: calls})
}

func NewStatusMessage(sessionID, status, message string) *ServerMessage {
	return newServerMessage(TypeStatus, sessionID, StatusPayload{Status: status, Message: message})
}

func NewErrorMessage(sessionID, code, message string) *ServerMessage {
	return newServerMessage(TypeError, sessionID, ErrorPayload{Code: code, Message: message})
}
