package messages

// Twilio media stream events.
const (
	TwilioEventConnected = "connected"
	TwilioEventStart     = "start"
	TwilioEventMedia     = "media"
	TwilioEventMark      = "mark"
	TwilioEventStop      = "stop"
)

// TwilioEvent is an inbound media stream frame. Only the fields the
// relay reads are decoded.
type TwilioEvent struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	Start     *TwilioStart `json:"start,omitempty"`
	Media     *TwilioMedia `json:"media,omitempty"`
}

type TwilioStart struct {
	StreamSid string `json:"streamSid"`
	CallSid   string `json:"callSid,omitempty"`
}

// TwilioMedia carries base64 mu-law audio at 8 kHz.
type TwilioMedia struct {
	Payload string `json:"payload"`
}

// TwilioMediaMessage is an outbound media event played to the caller.
type TwilioMediaMessage struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid"`
	Media     TwilioMedia `json:"media"`
}

// TwilioClearMessage drops audio Twilio has buffered but not played yet.
type TwilioClearMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

func NewTwilioMedia(streamSid, payload string) *TwilioMediaMessage {
	return &TwilioMediaMessage{Event: TwilioEventMedia, StreamSid: streamSid, Media: TwilioMedia{Payload: payload}}
}

func NewTwilioClear(streamSid string) *TwilioClearMessage {
	return &TwilioClearMessage{Event: "clear", StreamSid: streamSid}
}
