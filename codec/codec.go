// Package codec converts between Live API wire frames and typed messages.
//
// Inbound frames arrive as bytes holding UTF-8 JSON text. Decode turns
// them into a messages.Frame, DecodeInbound goes one step further and
// produces the discriminated messages.Inbound variant.
package codec

import (
	"encoding/base64"
	"fmt"
	"unicode/utf8"

	"github.com/bytedance/sonic"

	"github.com/room4-2/livelink/messages"
)

var api = sonic.ConfigStd

// DecodeError reports a frame that is not valid UTF-8 JSON or does not
// fit the shape of the message it was classified as.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (%d bytes): %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses a wire frame into its top-level fields.
func Decode(data []byte) (messages.Frame, error) {
	if !utf8.Valid(data) {
		return nil, &DecodeError{Size: len(data), Err: fmt.Errorf("invalid utf-8")}
	}
	var f messages.Frame
	if err := api.Unmarshal(data, &f); err != nil {
		return nil, &DecodeError{Size: len(data), Err: err}
	}
	if f == nil {
		return nil, &DecodeError{Size: len(data), Err: fmt.Errorf("not a json object")}
	}
	return f, nil
}

// DecodeInbound decodes and classifies a frame. Frames that match no
// known shape return messages.ErrUnclassified.
func DecodeInbound(data []byte) (messages.Inbound, error) {
	f, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Parse(f)
}

// Parse converts a classified frame into its typed variant.
func Parse(f messages.Frame) (messages.Inbound, error) {
	var (
		msg   messages.Inbound
		field string
	)
	switch messages.Classify(f) {
	case messages.KindToolCall:
		msg, field = &messages.ToolCall{}, messages.FieldToolCall
	case messages.KindToolCallCancellation:
		msg, field = &messages.ToolCallCancellation{}, messages.FieldToolCallCancellation
	case messages.KindSetupComplete:
		msg, field = &messages.SetupComplete{}, messages.FieldSetupComplete
	case messages.KindServerContent:
		msg, field = &messages.ServerContent{}, messages.FieldServerContent
	default:
		return nil, messages.ErrUnclassified
	}

	raw := f[field]
	if err := api.Unmarshal(raw, msg); err != nil {
		return nil, &DecodeError{Size: len(raw), Err: fmt.Errorf("%s: %w", field, err)}
	}
	return msg, nil
}

// Encode serializes an outbound message to JSON text.
func Encode(msg messages.Outbound) ([]byte, error) {
	data, err := api.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}
	return data, nil
}

// Base64Encode encodes raw media bytes with the standard alphabet.
func Base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Base64Decode is the inverse of Base64Encode.
func Base64Decode(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return data, nil
}

// Valid reports whether data is well-formed JSON.
func Valid(data []byte) bool {
	return api.Valid(data)
}
