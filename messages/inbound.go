package messages

import (
	"encoding/json"
	"strings"

	"github.com/bytedance/sonic"
	"google.golang.org/genai"
)

// RoleUser is the role of every turn the client authors.
const RoleUser = "user"

// AudioMimePrefix identifies inline PCM audio parts in a model turn.
const AudioMimePrefix = "audio/pcm"

// Inbound is one of *SetupComplete, *ServerContent, *ToolCall or
// *ToolCallCancellation.
type Inbound interface {
	Kind() Kind
}

// SetupComplete acknowledges the setup frame.
type SetupComplete struct {
	SessionID string `json:"sessionId,omitempty"`
}

// ServerContent is model output for the current turn.
type ServerContent struct {
	TurnComplete bool     `json:"turnComplete,omitempty"`
	Interrupted  bool     `json:"interrupted,omitempty"`
	ModelTurn    *Content `json:"modelTurn,omitempty"`
}

// ToolCall asks the client to run one or more functions.
type ToolCall struct {
	FunctionCalls []*genai.FunctionCall `json:"functionCalls"`
}

// ToolCallCancellation withdraws previously issued tool calls.
type ToolCallCancellation struct {
	IDs []string `json:"ids"`
}

func (*SetupComplete) Kind() Kind        { return KindSetupComplete }
func (*ServerContent) Kind() Kind        { return KindServerContent }
func (*ToolCall) Kind() Kind             { return KindToolCall }
func (*ToolCallCancellation) Kind() Kind { return KindToolCallCancellation }

// Content is a single conversation turn.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// Part is one piece of a turn. Only the fields the client inspects are
// typed; any other key is kept in Extra and written back on encode, so
// content events carry parts unchanged.
type Part struct {
	Text                string                  `json:"text,omitempty"`
	InlineData          *InlineData             `json:"inlineData,omitempty"`
	FileData            *FileData               `json:"fileData,omitempty"`
	FunctionCall        *genai.FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse    *genai.FunctionResponse `json:"functionResponse,omitempty"`
	ExecutableCode      json.RawMessage         `json:"executableCode,omitempty"`
	CodeExecutionResult json.RawMessage         `json:"codeExecutionResult,omitempty"`
	Thought             bool                    `json:"thought,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// partFields has Part's layout without its methods.
type partFields Part

var partKeys = []string{
	"text", "inlineData", "fileData", "functionCall", "functionResponse",
	"executableCode", "codeExecutionResult", "thought",
}

func (p *Part) UnmarshalJSON(data []byte) error {
	var f partFields
	if err := sonic.ConfigStd.Unmarshal(data, &f); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := sonic.ConfigStd.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range partKeys {
		delete(all, k)
	}
	f.Extra = nil
	if len(all) > 0 {
		f.Extra = all
	}
	*p = Part(f)
	return nil
}

// MarshalJSON writes the typed fields, then Extra keys they do not set.
func (p Part) MarshalJSON() ([]byte, error) {
	data, err := sonic.ConfigStd.Marshal(partFields(p))
	if err != nil || len(p.Extra) == 0 {
		return data, err
	}
	var all map[string]json.RawMessage
	if err := sonic.ConfigStd.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		if _, ok := all[k]; !ok {
			all[k] = v
		}
	}
	return sonic.ConfigStd.Marshal(all)
}

// InlineData is a base64 encoded blob.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type FileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

// IsAudio reports whether the part carries inline PCM audio.
func (p Part) IsAudio() bool {
	return p.InlineData != nil && strings.HasPrefix(p.InlineData.MimeType, AudioMimePrefix)
}

// TextPart is a shorthand for a text-only part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// UserTurn builds a turn authored by the user.
func UserTurn(parts ...Part) Content {
	return Content{Role: RoleUser, Parts: parts}
}
