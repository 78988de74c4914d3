// Package config loads and validates the server configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Provider credentials and model identifiers.
	APIKey        string
	VoiceModel    string
	AnalysisModel string

	// Control surface.
	Port        int
	Debug       bool
	CORSOrigins map[string]struct{}

	// Supervisor attach secret; empty disables the check.
	SupervisorToken string

	// Persistence. Empty disables the summary store.
	DatabaseURL string

	// Core timings.
	TranscriptionDebounce time.Duration // input-transcript quiet window
	EchoWindow            time.Duration // assistant echo suppression window
	AnalyticsTimeout      time.Duration
	ConnectTimeout        time.Duration // provider setup handshake deadline
	DrainTimeout          time.Duration // outbox flush after close

	// Escalation policy.
	EscalationScore float64

	// Outbox capacities.
	SupervisorOutbox int
	CustomerOutbox   int
	AIAudioOutbox    int

	// Websocket hygiene and inbound limits.
	MaxAudioFrameBytes  int
	MaxJSONMessageBytes int64
	MaxAudioFPS         int
	MaxAudioBPS         int64
	InboundBurstSeconds int
	WSPingInterval      time.Duration
	WSWriteTimeout      time.Duration
	WSReadTimeout       time.Duration

	// Session caps and shutdown.
	MaxSessions         int
	MaxSessionDuration  time.Duration
	ShutdownGracePeriod time.Duration

	// Static dashboard assets; empty disables the mount.
	StaticDir string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		APIKey:                strings.TrimSpace(os.Getenv("API_KEY")),
		VoiceModel:            envOr("VOICE_MODEL", "gemini-2.0-flash-live-001"),
		AnalysisModel:         envOr("ANALYSIS_MODEL", "gemini-2.0-flash"),
		Port:                  envIntOr("PORT", 8080),
		Debug:                 envBoolOr("DEBUG", false),
		CORSOrigins:           make(map[string]struct{}),
		SupervisorToken:       strings.TrimSpace(os.Getenv("VOICEDESK_SUPERVISOR_TOKEN")),
		DatabaseURL:           strings.TrimSpace(os.Getenv("DATABASE_URL")),
		TranscriptionDebounce: envMillisOr("TRANSCRIPTION_DEBOUNCE_MS", 400*time.Millisecond),
		EchoWindow:            envMillisOr("ECHO_WINDOW_MS", 10*time.Second),
		AnalyticsTimeout:      envMillisOr("ANALYTICS_TIMEOUT_MS", 5*time.Second),
		ConnectTimeout:        envMillisOr("CONNECT_TIMEOUT_MS", 10*time.Second),
		DrainTimeout:          envMillisOr("VOICEDESK_DRAIN_MS", 500*time.Millisecond),
		EscalationScore:       envFloat64Or("VOICEDESK_ESCALATION_SCORE", 70),
		SupervisorOutbox:      envIntOr("VOICEDESK_SUPERVISOR_OUTBOX", 256),
		CustomerOutbox:        envIntOr("VOICEDESK_CUSTOMER_OUTBOX", 64),
		AIAudioOutbox:         envIntOr("VOICEDESK_AI_AUDIO_OUTBOX", 128),
		MaxAudioFrameBytes:    envIntOr("VOICEDESK_MAX_AUDIO_FRAME_BYTES", 8192),
		MaxJSONMessageBytes:   envInt64Or("VOICEDESK_MAX_JSON_MESSAGE_BYTES", 64*1024),
		MaxAudioFPS:           envIntOr("VOICEDESK_MAX_AUDIO_FPS", 120),
		MaxAudioBPS:           envInt64Or("VOICEDESK_MAX_AUDIO_BPS", 128*1024),
		InboundBurstSeconds:   envIntOr("VOICEDESK_INBOUND_BURST_SECONDS", 2),
		WSPingInterval:        envDurationOr("VOICEDESK_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:        envDurationOr("VOICEDESK_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:         envDurationOr("VOICEDESK_WS_READ_TIMEOUT", 60*time.Second),
		MaxSessions:           envIntOr("VOICEDESK_MAX_SESSIONS", 64),
		MaxSessionDuration:    envDurationOr("VOICEDESK_MAX_SESSION_DURATION", 2*time.Hour),
		ShutdownGracePeriod:   envDurationOr("VOICEDESK_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		StaticDir:             strings.TrimSpace(os.Getenv("VOICEDESK_STATIC_DIR")),
	}

	for _, origin := range splitCSV(os.Getenv("VOICEDESK_CORS_ORIGINS")) {
		cfg.CORSOrigins[origin] = struct{}{}
	}

	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("API_KEY must be set")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("PORT must be in 1..65535")
	}
	if cfg.TranscriptionDebounce <= 0 {
		return Config{}, fmt.Errorf("TRANSCRIPTION_DEBOUNCE_MS must be > 0")
	}
	if cfg.EchoWindow <= 0 {
		return Config{}, fmt.Errorf("ECHO_WINDOW_MS must be > 0")
	}
	if cfg.AnalyticsTimeout <= 0 {
		return Config{}, fmt.Errorf("ANALYTICS_TIMEOUT_MS must be > 0")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("CONNECT_TIMEOUT_MS must be > 0")
	}
	if cfg.DrainTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_DRAIN_MS must be > 0")
	}
	if cfg.EscalationScore <= 0 || cfg.EscalationScore > 100 {
		return Config{}, fmt.Errorf("VOICEDESK_ESCALATION_SCORE must be in 1..100")
	}
	if cfg.SupervisorOutbox <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_SUPERVISOR_OUTBOX must be > 0")
	}
	if cfg.CustomerOutbox <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_CUSTOMER_OUTBOX must be > 0")
	}
	if cfg.AIAudioOutbox <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_AI_AUDIO_OUTBOX must be > 0")
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("VOICEDESK_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.MaxAudioBPS < 0 {
		return Config{}, fmt.Errorf("VOICEDESK_MAX_AUDIO_BPS must be >= 0")
	}
	if (cfg.MaxAudioFPS > 0 || cfg.MaxAudioBPS > 0) && cfg.InboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("VOICEDESK_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("VOICEDESK_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.MaxSessions <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_MAX_SESSIONS must be > 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
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

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

// envMillisOr reads a bare millisecond count, e.g. TRANSCRIPTION_DEBOUNCE_MS=400.
func envMillisOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
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
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
