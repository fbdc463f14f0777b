// Package config loads the voice bridge configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/birddigital/voice-bridge/pkg/realtime"
)

// ErrMissingConfiguration is returned when a required credential or the
// public domain is absent.
var ErrMissingConfiguration = errors.New("missing required configuration")

// Readiness modes
const (
	ReadinessAck        = "ack"
	ReadinessOptimistic = "optimistic"
)

// Audio encodings carried end to end.
const (
	EncodingMulaw = "mulaw"
	EncodingAlaw  = "alaw"
)

// Overflow policies for the per-connection outbound queues.
const (
	OverflowDropOldest   = "drop_oldest"
	OverflowCloseSession = "close_session"
)

const (
	MediaPath   = "/api/telephony/media"
	WebhookPath = "/api/telephony/webhook"
)

type Config struct {
	Port         string
	PublicDomain string // host the provider reaches us on, no scheme

	TelnyxAPIKey       string
	TelnyxConnectionID string
	TelnyxFromNumber   string
	TelnyxBaseURL      string

	OpenAIAPIKey      string
	RealtimeURL       string
	RealtimeModel     string
	Voice             string
	Instructions      string
	Greeting          string // empty: no greeting response
	AudioEncoding     string
	TurnDetection     realtime.TurnDetection
	VoiceDialTimeout  time.Duration
	Readiness         string
	OutboundQueueSize int
	PendingAudioLimit int
	OverflowPolicy    string
	WriteTimeout      time.Duration
	PingInterval      time.Duration

	ActivationMaxAttempts int
	ActivationBackoff     time.Duration

	DatabaseURL string   // optional; in-memory call store when empty
	AlertSMSTo  []string // optional; activation failure alerts

	LogLevel  string
	LogFormat string

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

const defaultInstructions = "You are a friendly phone assistant. Keep answers short and conversational."

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Port:                  envOr("PORT", "3000"),
		PublicDomain:          strings.TrimSuffix(stripScheme(envOr("PUBLIC_DOMAIN", "")), "/"),
		TelnyxAPIKey:          envOr("TELNYX_API_KEY", ""),
		TelnyxConnectionID:    envOr("TELNYX_CONNECTION_ID", ""),
		TelnyxFromNumber:      envOr("TELNYX_FROM_NUMBER", ""),
		TelnyxBaseURL:         envOr("TELNYX_BASE_URL", ""),
		OpenAIAPIKey:          envOr("OPENAI_API_KEY", ""),
		RealtimeURL:           envOr("OPENAI_REALTIME_URL", realtime.DefaultURL),
		RealtimeModel:         envOr("OPENAI_REALTIME_MODEL", realtime.DefaultModel),
		Voice:                 envOr("OPENAI_VOICE", realtime.DefaultVoice),
		Instructions:          envOr("AGENT_INSTRUCTIONS", defaultInstructions),
		Greeting:              envOr("AGENT_GREETING", ""),
		AudioEncoding:         envOr("AUDIO_ENCODING", EncodingMulaw),
		VoiceDialTimeout:      envDurationOr("OPENAI_DIAL_TIMEOUT", 10*time.Second),
		Readiness:             envOr("BRIDGE_READINESS", ReadinessAck),
		OutboundQueueSize:     envIntOr("BRIDGE_OUTBOUND_QUEUE", 256),
		PendingAudioLimit:     envIntOr("BRIDGE_PENDING_AUDIO", 64),
		OverflowPolicy:        envOr("BRIDGE_OVERFLOW_POLICY", OverflowDropOldest),
		WriteTimeout:          envDurationOr("BRIDGE_WRITE_TIMEOUT", 5*time.Second),
		PingInterval:          envDurationOr("BRIDGE_PING_INTERVAL", 20*time.Second),
		ActivationMaxAttempts: envIntOr("ACTIVATION_MAX_ATTEMPTS", 3),
		ActivationBackoff:     envDurationOr("ACTIVATION_BACKOFF", 500*time.Millisecond),
		DatabaseURL:           envOr("DATABASE_URL", ""),
		AlertSMSTo:            splitCSV(os.Getenv("ALERT_SMS_TO")),
		LogLevel:              envOr("LOG_LEVEL", "info"),
		LogFormat:             envOr("LOG_FORMAT", "text"),
		ReadHeaderTimeout:     envDurationOr("READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:   envDurationOr("SHUTDOWN_GRACE_PERIOD", 15*time.Second),
	}

	var missing []string
	for _, req := range []struct{ key, val string }{
		{"PUBLIC_DOMAIN", cfg.PublicDomain},
		{"TELNYX_API_KEY", cfg.TelnyxAPIKey},
		{"TELNYX_CONNECTION_ID", cfg.TelnyxConnectionID},
		{"TELNYX_FROM_NUMBER", cfg.TelnyxFromNumber},
		{"OPENAI_API_KEY", cfg.OpenAIAPIKey},
	} {
		if req.val == "" {
			missing = append(missing, req.key)
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingConfiguration, strings.Join(missing, ", "))
	}

	td, err := realtime.ParseTurnDetection(envOr("TURN_DETECTION", string(realtime.TurnDetectionServerVAD)))
	if err != nil {
		return Config{}, fmt.Errorf("TURN_DETECTION must be one of server_vad|manual")
	}
	cfg.TurnDetection = td

	switch cfg.Readiness {
	case ReadinessAck, ReadinessOptimistic:
	default:
		return Config{}, fmt.Errorf("BRIDGE_READINESS must be one of ack|optimistic")
	}
	switch cfg.AudioEncoding {
	case EncodingMulaw, EncodingAlaw:
	default:
		return Config{}, fmt.Errorf("AUDIO_ENCODING must be one of mulaw|alaw")
	}
	switch cfg.OverflowPolicy {
	case OverflowDropOldest, OverflowCloseSession:
	default:
		return Config{}, fmt.Errorf("BRIDGE_OVERFLOW_POLICY must be one of drop_oldest|close_session")
	}

	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_WRITE_TIMEOUT must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_PING_INTERVAL must be > 0")
	}
	if cfg.ActivationMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("ACTIVATION_MAX_ATTEMPTS must be > 0")
	}
	if cfg.ActivationBackoff < 0 {
		return Config{}, fmt.Errorf("ACTIVATION_BACKOFF must be >= 0")
	}

	return cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + c.Port
}

// MediaURL is the websocket URL handed to the provider in streaming_start.
func (c Config) MediaURL() string {
	return "wss://" + c.PublicDomain + MediaPath
}

// WebhookURL is where the provider delivers call lifecycle notifications.
func (c Config) WebhookURL() string {
	return "https://" + c.PublicDomain + WebhookPath
}

func stripScheme(s string) string {
	for _, prefix := range []string{"https://", "http://", "wss://", "ws://"} {
		if strings.HasPrefix(s, prefix) {
			return strings.TrimPrefix(s, prefix)
		}
	}
	return s
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
