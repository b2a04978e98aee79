package messages

import (
	"encoding/json"

	"github.com/bytedance/sonic"
	"google.golang.org/genai"
)

// Outbound is any message the client writes to the Live socket.
type Outbound interface {
	outbound()
}

// SetupConfig is the handshake configuration sent in the setup frame.
// Extra carries any other setup key (realtimeInputConfig,
// sessionResumption, outputAudioTranscription, ...) as given; the typed
// fields win when both set the same key.
type SetupConfig struct {
	Model             string            `json:"model"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *genai.Content    `json:"systemInstruction,omitempty"`
	Tools             []*genai.Tool     `json:"tools,omitempty"`

	Extra map[string]any `json:"-"`
}

type setupFields SetupConfig

func (c SetupConfig) MarshalJSON() ([]byte, error) {
	data, err := sonic.ConfigStd.Marshal(setupFields(c))
	if err != nil || len(c.Extra) == 0 {
		return data, err
	}
	all := make(map[string]any, len(c.Extra)+4)
	for k, v := range c.Extra {
		all[k] = v
	}
	var typed map[string]json.RawMessage
	if err := sonic.ConfigStd.Unmarshal(data, &typed); err != nil {
		return nil, err
	}
	for k, v := range typed {
		all[k] = v
	}
	return sonic.ConfigStd.Marshal(all)
}

// GenerationConfig holds the model parameters of the handshake.
type GenerationConfig struct {
	Temperature        *float32            `json:"temperature,omitempty"`
	TopP               *float32            `json:"topP,omitempty"`
	TopK               *int32              `json:"topK,omitempty"`
	MaxOutputTokens    int32               `json:"maxOutputTokens,omitempty"`
	ResponseModalities []genai.Modality    `json:"responseModalities,omitempty"`
	SpeechConfig       *genai.SpeechConfig `json:"speechConfig,omitempty"`
}

// SetupMessage must be the first frame written after the socket opens.
type SetupMessage struct {
	Setup *SetupConfig `json:"setup"`
}

// ClientContentMessage carries one or more conversation turns.
type ClientContentMessage struct {
	ClientContent ClientContent `json:"clientContent"`
}

type ClientContent struct {
	Turns        []Content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

// RealtimeInputMessage streams media chunks (microphone PCM, video frames).
type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtimeInput"`
}

type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"mediaChunks"`
}

// MediaChunk is a base64 encoded media payload.
type MediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// ToolResponseMessage answers a previous tool call.
type ToolResponseMessage struct {
	ToolResponse *ToolResponse `json:"toolResponse"`
}

type ToolResponse struct {
	FunctionResponses []*genai.FunctionResponse `json:"functionResponses"`
}

func (SetupMessage) outbound()         {}
func (ClientContentMessage) outbound() {}
func (RealtimeInputMessage) outbound() {}
func (ToolResponseMessage) outbound()  {}

// NewClientContent wraps turns into a clientContent message.
func NewClientContent(turns []Content, turnComplete bool) ClientContentMessage {
	return ClientContentMessage{
		ClientContent: ClientContent{
			Turns:        turns,
			TurnComplete: turnComplete,
		},
	}
}

// NewRealtimeInput wraps media chunks into a realtimeInput message.
func NewRealtimeInput(chunks []MediaChunk) RealtimeInputMessage {
	return RealtimeInputMessage{RealtimeInput: RealtimeInput{MediaChunks: chunks}}
}
