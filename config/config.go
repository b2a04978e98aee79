package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/joho/godotenv"
)

// Server types.
const (
	ServerWebSocket = "websocket"
	ServerTwilio    = "twilio"
	ServerBoth      = "both"
)

// Config holds the relay and session client settings.
type Config struct {
	GeminiAPIKey string
	LiveURL      string // endpoint without the key parameter; empty selects the Gemini default
	Model        string
	SystemPrompt string
	VoiceName    string
	CompanyDocs  string
	// SetupExtra holds additional setup frame keys, from SETUP_EXTRA JSON.
	SetupExtra map[string]any

	// Session client
	MaxRetries         int
	RetryBaseDelay     time.Duration
	RealtimeRetryDelay time.Duration
	DialTimeout        time.Duration

	// Relay
	Port            int
	TwilioPort      int    // used when ServerType is "both"
	ServerType      string // "websocket", "twilio" or "both"
	RedisURL        string
	RedisPassword   string
	MaxSessions     int
	SessionTimeout  time.Duration
	AllowedOrigins  []string
	KeepAlivePeriod time.Duration
	MaxBufferSize   int // bytes of client audio buffered per session

	LogLevel string
}

// LoadConfig reads the environment, after loading .env when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		MaxRetries:         3,
		RetryBaseDelay:     time.Second,
		RealtimeRetryDelay: time.Second,
		DialTimeout:        30 * time.Second,
		Port:               8080,
		TwilioPort:         8081,
		ServerType:         ServerWebSocket,
		RedisURL:           "localhost:6379",
		MaxSessions:        100,
		SessionTimeout:     30 * time.Minute,
		AllowedOrigins:     []string{"*"},
		KeepAlivePeriod:    30 * time.Second,
		MaxBufferSize:      5 * 1024 * 1024,
		LogLevel:           "info",
	}

	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	setString(&cfg.LiveURL, "LIVE_URL")
	setString(&cfg.Model, "LIVE_MODEL")
	setString(&cfg.SystemPrompt, "SYSTEM_PROMPT")
	setString(&cfg.VoiceName, "VOICE_NAME")
	setString(&cfg.CompanyDocs, "COMPANY_DOCS")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_RETRIES", &cfg.MaxRetries},
		{"PORT", &cfg.Port},
		{"TWILIO_PORT", &cfg.TwilioPort},
		{"MAX_SESSIONS", &cfg.MaxSessions},
		{"MAX_BUFFER_SIZE", &cfg.MaxBufferSize},
	}
	for _, v := range ints {
		if err := setInt(v.dst, v.key); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key  string
		unit time.Duration
		dst  *time.Duration
	}{
		{"RETRY_BASE_DELAY_MS", time.Millisecond, &cfg.RetryBaseDelay},
		{"REALTIME_RETRY_DELAY_MS", time.Millisecond, &cfg.RealtimeRetryDelay},
		{"DIAL_TIMEOUT", time.Second, &cfg.DialTimeout},
		{"SESSION_TIMEOUT", time.Minute, &cfg.SessionTimeout},
		{"KEEPALIVE_PERIOD", time.Second, &cfg.KeepAlivePeriod},
	}
	for _, v := range durations {
		if err := setDuration(v.dst, v.key, v.unit); err != nil {
			return nil, err
		}
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if serverType := os.Getenv("SERVER_TYPE"); serverType != "" {
		switch serverType {
		case ServerWebSocket, ServerTwilio, ServerBoth:
			cfg.ServerType = serverType
		default:
			return nil, fmt.Errorf("invalid SERVER_TYPE: must be 'websocket', 'twilio', or 'both'")
		}
	}

	if extra := os.Getenv("SETUP_EXTRA"); extra != "" {
		if err := sonic.UnmarshalString(extra, &cfg.SetupExtra); err != nil {
			return nil, fmt.Errorf("invalid SETUP_EXTRA: %w", err)
		}
	}

	if cfg.MaxSessions <= 0 {
		return nil, fmt.Errorf("invalid MAX_SESSIONS: must be positive")
	}

	return cfg, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string, unit time.Duration) error {
	var n int
	if err := setInt(&n, key); err != nil {
		return err
	}
	if os.Getenv(key) != "" {
		*dst = time.Duration(n) * unit
	}
	return nil
}
