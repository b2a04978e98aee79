// Command livechat talks to the Gemini Live API from the terminal.
//
// Usage:
//
//	livechat [flags]
//
// Every line typed on stdin is sent as a user turn. With --file, a PCM or
// WAV recording is streamed as microphone input first. Model audio is
// played through sox unless --text or --mute is set.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"google.golang.org/genai"

	"github.com/room4-2/livelink/codec"
	"github.com/room4-2/livelink/events"
	"github.com/room4-2/livelink/functions"
	"github.com/room4-2/livelink/gemini"
	"github.com/room4-2/livelink/logging"
	"github.com/room4-2/livelink/messages"
	"github.com/room4-2/livelink/session"
)

const inputMimeType = "audio/pcm;rate=16000"

type options struct {
	apiKey   string
	url      string
	model    string
	voice    string
	prompt   string
	file     string
	text     bool
	mute     bool
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	_ = godotenv.Load()
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "livechat",
		Short: "Chat with a Gemini Live model",
		Long: `Open a live session and chat with the model.

Examples:
  # Type turns, hear the answers
  livechat

  # Stream a recording, then keep chatting in text
  livechat --file examples/user.pcm --text`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.apiKey == "" {
				return fmt.Errorf("an API key is required (--key or GEMINI_API_KEY)")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.apiKey, "key", "k", os.Getenv("GEMINI_API_KEY"), "Gemini API key")
	f.StringVar(&opts.url, "url", os.Getenv("LIVE_URL"), "Live endpoint (default Gemini)")
	f.StringVarP(&opts.model, "model", "m", gemini.DefaultModel, "model name")
	f.StringVar(&opts.voice, "voice", gemini.DefaultVoice, "prebuilt voice")
	f.StringVarP(&opts.prompt, "prompt", "p", "You are a helpful assistant. Keep responses brief.", "system instruction")
	f.StringVarP(&opts.file, "file", "f", "", "PCM or WAV file to stream as microphone input")
	f.BoolVar(&opts.text, "text", false, "ask for text answers instead of audio")
	f.BoolVar(&opts.mute, "mute", false, "do not play model audio")
	f.StringVar(&opts.logLevel, "log-level", "warn", "debug, info, warn or error")
	return cmd
}

func run(ctx context.Context, opts *options, in io.Reader, out io.Writer) error {
	logger := logging.New(opts.logLevel, nil)

	liveURL, err := gemini.EndpointURL(opts.url, opts.apiKey)
	if err != nil {
		return err
	}

	tools := functions.NewRegistry(logger)
	err = functions.Builtins(tools, "", func(spec string) {
		fmt.Fprintf(out, "[chart] %s\n", spec)
	})
	if err != nil {
		return err
	}

	modality := string(genai.ModalityAudio)
	if opts.text {
		modality = string(genai.ModalityText)
	}
	setup := gemini.DefaultSetup(gemini.SetupOptions{
		Model:        opts.model,
		SystemPrompt: opts.prompt,
		Voice:        opts.voice,
		Modality:     modality,
		Tools:        tools.Tools(),
	})

	client := session.New(session.Options{URL: liveURL, Logger: logger})
	defer client.Close()

	if !opts.text && !opts.mute {
		player, err := NewAudioPlayer()
		if err != nil {
			return err
		}
		defer player.Close()
		client.OnAudio(player.Play)
	}
	bindOutput(client, tools, out)

	if err := client.Connect(ctx, setup); err != nil {
		return err
	}
	fmt.Fprintf(out, "connected (session %s), type a message or /quit\n", client.ID()[:8])

	if opts.file != "" {
		if err := streamFile(ctx, client, opts.file); err != nil {
			return err
		}
	}
	return chat(ctx, client, in)
}

func bindOutput(client *session.Client, tools *functions.Registry, out io.Writer) {
	client.OnContent(func(sc *messages.ServerContent) {
		for _, p := range sc.ModelTurn.Parts {
			if p.Text != "" && !p.Thought {
				fmt.Fprint(out, p.Text)
			}
		}
	})
	client.On(events.TurnComplete, func(any) {
		fmt.Fprintln(out, "\n--- turn complete ---")
	})
	client.On(events.Interrupted, func(any) {
		fmt.Fprintln(out, "\n--- interrupted ---")
	})
	client.OnToolCall(func(tc *messages.ToolCall) {
		if err := client.SendToolResponse(tools.RespondAll(context.Background(), tc)); err != nil {
			fmt.Fprintf(out, "tool response failed: %v\n", err)
		}
	})
	client.OnClose(func(e session.CloseEvent) {
		fmt.Fprintf(out, "connection closed (%d %s), retry %d\n", e.Code, e.Reason, client.Retries())
	})
}

// streamFile sends a recording at real time pace.
func streamFile(ctx context.Context, client *session.Client, path string) error {
	pcm, err := loadAudioFile(path)
	if err != nil {
		return err
	}
	slog.Info("streaming audio file", "path", path, "bytes", len(pcm))

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for _, c := range chunks(pcm, chunkSize) {
		err := client.SendRealtimeInput(messages.MediaChunk{MimeType: inputMimeType, Data: codec.Base64Encode(c)})
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// chat sends each non-empty stdin line as a complete user turn.
func chat(ctx context.Context, client *session.Client, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "/quit", "/exit":
				return nil
			}
			if err := client.SendText(line); err != nil {
				return err
			}
		}
	}
}
