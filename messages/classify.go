package messages

import (
	"bytes"
	"encoding/json"
	"errors"
)

// ErrUnclassified is returned for frames that match none of the known shapes.
var ErrUnclassified = errors.New("unclassified message")

// Frame is a decoded top-level JSON object, keyed by field name.
type Frame map[string]json.RawMessage

// Kind tags a classified frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindSetupComplete
	KindServerContent
	KindToolCall
	KindToolCallCancellation
)

func (k Kind) String() string {
	switch k {
	case KindSetupComplete:
		return "setupComplete"
	case KindServerContent:
		return "serverContent"
	case KindToolCall:
		return "toolCall"
	case KindToolCallCancellation:
		return "toolCallCancellation"
	default:
		return "unknown"
	}
}

// Field names that discriminate the protocol messages.
const (
	FieldSetup                = "setup"
	FieldClientContent        = "clientContent"
	FieldRealtimeInput        = "realtimeInput"
	FieldToolResponse         = "toolResponse"
	FieldSetupComplete        = "setupComplete"
	FieldServerContent        = "serverContent"
	FieldToolCall             = "toolCall"
	FieldToolCallCancellation = "toolCallCancellation"
	FieldInterrupted          = "interrupted"
	FieldTurnComplete         = "turnComplete"
	FieldModelTurn            = "modelTurn"
)

// Classify returns the inbound kind of f. The order matters only for
// malformed frames carrying several discriminators.
func Classify(f Frame) Kind {
	switch {
	case IsToolCallMessage(f):
		return KindToolCall
	case IsToolCallCancellationMessage(f):
		return KindToolCallCancellation
	case IsSetupCompleteMessage(f):
		return KindSetupComplete
	case IsServerContentMessage(f):
		return KindServerContent
	default:
		return KindUnknown
	}
}

func IsSetupMessage(f Frame) bool         { return isObject(f[FieldSetup]) }
func IsClientContentMessage(f Frame) bool { return isObject(f[FieldClientContent]) }
func IsRealtimeInputMessage(f Frame) bool { return isObject(f[FieldRealtimeInput]) }
func IsToolResponseMessage(f Frame) bool  { return isObject(f[FieldToolResponse]) }

func IsSetupCompleteMessage(f Frame) bool        { return isObject(f[FieldSetupComplete]) }
func IsServerContentMessage(f Frame) bool        { return isObject(f[FieldServerContent]) }
func IsToolCallMessage(f Frame) bool             { return isObject(f[FieldToolCall]) }
func IsToolCallCancellationMessage(f Frame) bool { return isObject(f[FieldToolCallCancellation]) }

// IsInterrupted, IsTurnComplete and IsModelTurn inspect the serverContent
// sub-object.
func IsInterrupted(serverContent Frame) bool  { return isTrue(serverContent[FieldInterrupted]) }
func IsTurnComplete(serverContent Frame) bool { return isTrue(serverContent[FieldTurnComplete]) }
func IsModelTurn(serverContent Frame) bool    { return isObject(serverContent[FieldModelTurn]) }

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isTrue(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("true"))
}
