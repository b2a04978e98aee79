// Package gemini holds the Gemini Live API specifics: endpoint, default
// model and the handshake configuration sent in the setup frame.
package gemini

import (
	"fmt"
	"net/url"

	"google.golang.org/genai"

	"github.com/room4-2/livelink/messages"
)

const (
	Host = "generativelanguage.googleapis.com"
	Path = "/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

	DefaultModel = "models/gemini-2.0-flash-exp"
	DefaultVoice = "Aoede" // Puck, Charon, Kore, Fenrir, Aoede, Leda, Orus, Zephyr
)

// DefaultURL is the Live endpoint without credentials.
var DefaultURL = "wss://" + Host + Path

// EndpointURL appends the API key to base as the key query parameter.
// An empty base selects DefaultURL.
func EndpointURL(base, apiKey string) (string, error) {
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid live url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid live url scheme %q", u.Scheme)
	}
	if apiKey != "" {
		q := u.Query()
		q.Set("key", apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// SetupOptions tune DefaultSetup.
type SetupOptions struct {
	Model        string
	SystemPrompt string
	Voice        string
	// Modality is "AUDIO" or "TEXT". Empty means AUDIO.
	Modality string
	Tools    []*genai.Tool
	// Extra is copied into the setup frame next to the typed keys.
	Extra map[string]any
}

// DefaultSetup builds the handshake config for a voice session.
func DefaultSetup(opts SetupOptions) *messages.SetupConfig {
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	voice := opts.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	modality := genai.Modality(opts.Modality)
	if modality == "" {
		modality = genai.ModalityAudio
	}

	cfg := &messages.SetupConfig{
		Model: model,
		GenerationConfig: &messages.GenerationConfig{
			ResponseModalities: []genai.Modality{modality},
			SpeechConfig: &genai.SpeechConfig{
				VoiceConfig: &genai.VoiceConfig{
					PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{
						VoiceName: voice,
					},
				},
			},
		},
		Tools: opts.Tools,
		Extra: opts.Extra,
	}
	if opts.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: opts.SystemPrompt}},
		}
	}
	return cfg
}
