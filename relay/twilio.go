package relay

import (
	"context"

	"github.com/bytedance/sonic"

	"github.com/room4-2/livelink/codec"
	"github.com/room4-2/livelink/media"
	"github.com/room4-2/livelink/messages"
)

// readTwilio handles a Twilio media stream: connected, start, media,
// mark and stop events. Caller audio is streamed as it arrives; the
// model does its own voice activity detection.
func (s *Session) readTwilio(_ context.Context) {
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.IsClosed() {
				s.logger.Warn("twilio read failed", "error", err)
			}
			return
		}
		s.touch()

		var ev messages.TwilioEvent
		if err := sonic.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("invalid twilio frame", "error", err)
			continue
		}
		if !s.handleTwilioEvent(&ev) {
			return
		}
	}
}

// handleTwilioEvent reports whether the stream continues.
func (s *Session) handleTwilioEvent(ev *messages.TwilioEvent) bool {
	switch ev.Event {
	case messages.TwilioEventConnected:
		s.logger.Info("twilio stream connected")

	case messages.TwilioEventStart:
		if ev.Start == nil || ev.Start.StreamSid == "" {
			s.logger.Warn("twilio start without streamSid")
			return true
		}
		s.mu.Lock()
		s.streamSid = ev.Start.StreamSid
		s.mu.Unlock()
		s.logger.Info("twilio stream started", "stream_sid", ev.Start.StreamSid, "call_sid", ev.Start.CallSid)

	case messages.TwilioEventMedia:
		if ev.Media == nil || ev.Media.Payload == "" {
			return true
		}
		ulaw, err := codec.Base64Decode(ev.Media.Payload)
		if err != nil {
			s.logger.Warn("invalid twilio audio", "error", err)
			return true
		}
		pcm := media.MuLawToPCM16k(ulaw)
		if err := s.live.SendRealtimeInput(messages.MediaChunk{
			MimeType: inputAudioMimeType,
			Data:     codec.Base64Encode(pcm),
		}); err != nil {
			s.logger.Error("forwarding caller audio failed", "error", err)
		}

	case messages.TwilioEventMark:
		s.logger.Debug("twilio mark")

	case messages.TwilioEventStop:
		s.logger.Info("twilio stream stopped")
		return false

	default:
		s.logger.Debug("unknown twilio event", "event", ev.Event)
	}
	return true
}
