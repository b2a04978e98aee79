package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/room4-2/livelink/messages"
)

func TestBase64RoundTrip(t *testing.T) {
	inputs := [][]byte{
		{},
		{0x00},
		{0xff},
		[]byte("ABC"),
		bytes.Repeat([]byte{0x00, 0x7f, 0x80, 0xff, 0x10}, 333),
	}
	for _, in := range inputs {
		out, err := Base64Decode(Base64Encode(in))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(in, out), "round trip of %d bytes", len(in))
	}
}

func TestBase64Decode_Known(t *testing.T) {
	out, err := Base64Decode("QUJD")
	require.NoError(t, err)
	assert.Equal(t, []byte("ABC"), out)

	_, err = Base64Decode("not base64!")
	assert.Error(t, err)
}

func TestDecode_Invalid(t *testing.T) {
	for name, data := range map[string][]byte{
		"bad utf8":   {0xff, 0xfe, '{', '}'},
		"not json":   []byte("hello"),
		"truncated":  []byte(`{"serverContent":`),
		"json array": []byte(`[1,2,3]`),
		"json null":  []byte(`null`),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			var decErr *DecodeError
			assert.True(t, errors.As(err, &decErr), "got %v", err)
		})
	}
}

func TestDecodeInbound_Variants(t *testing.T) {
	msg, err := DecodeInbound([]byte(`{"setupComplete":{}}`))
	require.NoError(t, err)
	assert.IsType(t, &messages.SetupComplete{}, msg)

	msg, err = DecodeInbound([]byte(`{"toolCall":{"functionCalls":[{"name":"render_altair","id":"c1","args":{"json_graph":"{}"}}]}}`))
	require.NoError(t, err)
	call := msg.(*messages.ToolCall)
	require.Len(t, call.FunctionCalls, 1)
	assert.Equal(t, "render_altair", call.FunctionCalls[0].Name)
	assert.Equal(t, "c1", call.FunctionCalls[0].ID)
	assert.Equal(t, "{}", call.FunctionCalls[0].Args["json_graph"])

	msg, err = DecodeInbound([]byte(`{"toolCallCancellation":{"ids":["a","b"]}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, msg.(*messages.ToolCallCancellation).IDs)

	msg, err = DecodeInbound([]byte(`{"serverContent":{"turnComplete":true,"modelTurn":{"parts":[{"text":"hi"},{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"QUJD"}}]}}}`))
	require.NoError(t, err)
	sc := msg.(*messages.ServerContent)
	assert.True(t, sc.TurnComplete)
	assert.False(t, sc.Interrupted)
	require.NotNil(t, sc.ModelTurn)
	require.Len(t, sc.ModelTurn.Parts, 2)
	assert.Equal(t, "hi", sc.ModelTurn.Parts[0].Text)
	assert.True(t, sc.ModelTurn.Parts[1].IsAudio())
}

func TestDecodeInbound_Unclassified(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"usageMetadata":{"totalTokenCount":1}}`))
	assert.ErrorIs(t, err, messages.ErrUnclassified)
}

func TestDecodeInbound_ShapeMismatch(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"serverContent":{"turnComplete":"yes"}}`))
	var decErr *DecodeError
	assert.True(t, errors.As(err, &decErr), "got %v", err)
}

func TestEncode_Frames(t *testing.T) {
	data, err := Encode(messages.SetupMessage{Setup: &messages.SetupConfig{Model: "m1"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"setup":{"model":"m1"}}`, string(data))

	data, err = Encode(messages.NewClientContent([]messages.Content{messages.UserTurn(messages.TextPart("hi"))}, true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"clientContent":{"turns":[{"role":"user","parts":[{"text":"hi"}]}],"turnComplete":true}}`, string(data))

	data, err = Encode(messages.NewRealtimeInput([]messages.MediaChunk{{MimeType: "audio/pcm;rate=16000", Data: "QUJD"}}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"realtimeInput":{"mediaChunks":[{"mimeType":"audio/pcm;rate=16000","data":"QUJD"}]}}`, string(data))

	data, err = Encode(messages.ToolResponseMessage{ToolResponse: &messages.ToolResponse{
		FunctionResponses: []*genai.FunctionResponse{{ID: "c1", Response: map[string]any{"output": "ok"}}},
	}})
	require.NoError(t, err)
	f, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, messages.IsToolResponseMessage(f))
}
