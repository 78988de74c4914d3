package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("API_KEY", "test-key")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setRequired(t)
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("port=%d", cfg.Port)
	}
	if cfg.TranscriptionDebounce != 400*time.Millisecond {
		t.Fatalf("debounce=%v", cfg.TranscriptionDebounce)
	}
	if cfg.EchoWindow != 10*time.Second {
		t.Fatalf("echo window=%v", cfg.EchoWindow)
	}
	if cfg.AnalyticsTimeout != 5*time.Second {
		t.Fatalf("analytics timeout=%v", cfg.AnalyticsTimeout)
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Fatalf("connect timeout=%v", cfg.ConnectTimeout)
	}
	if cfg.EscalationScore != 70 {
		t.Fatalf("escalation score=%f", cfg.EscalationScore)
	}
	if cfg.SupervisorOutbox != 256 || cfg.CustomerOutbox != 64 || cfg.AIAudioOutbox != 128 {
		t.Fatalf("outboxes=%d/%d/%d", cfg.SupervisorOutbox, cfg.CustomerOutbox, cfg.AIAudioOutbox)
	}
}

func TestLoadFromEnv_RequiresAPIKey(t *testing.T) {
	t.Setenv("API_KEY", "")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error without API_KEY")
	}
}

func TestLoadFromEnv_MillisecondOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("TRANSCRIPTION_DEBOUNCE_MS", "250")
	t.Setenv("ECHO_WINDOW_MS", "5000")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TranscriptionDebounce != 250*time.Millisecond {
		t.Fatalf("debounce=%v", cfg.TranscriptionDebounce)
	}
	if cfg.EchoWindow != 5*time.Second {
		t.Fatalf("echo window=%v", cfg.EchoWindow)
	}
}

func TestLoadFromEnv_InvalidMillisFallsBackToDefault(t *testing.T) {
	setRequired(t)
	t.Setenv("TRANSCRIPTION_DEBOUNCE_MS", "soon")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TranscriptionDebounce != 400*time.Millisecond {
		t.Fatalf("debounce=%v", cfg.TranscriptionDebounce)
	}
}

func TestLoadFromEnv_EscalationScoreBounds(t *testing.T) {
	setRequired(t)
	t.Setenv("VOICEDESK_ESCALATION_SCORE", "120")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error for score > 100")
	}
	t.Setenv("VOICEDESK_ESCALATION_SCORE", "80")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EscalationScore != 80 {
		t.Fatalf("score=%f", cfg.EscalationScore)
	}
}

func TestLoadFromEnv_CORSOrigins(t *testing.T) {
	setRequired(t)
	t.Setenv("VOICEDESK_CORS_ORIGINS", "https://a.example.com, https://b.example.com")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Fatalf("origins=%v", cfg.CORSOrigins)
	}
	if _, ok := cfg.CORSOrigins["https://a.example.com"]; !ok {
		t.Fatalf("origins=%v", cfg.CORSOrigins)
	}
}

func TestLoadFromEnv_BurstRequiredWithLimits(t *testing.T) {
	setRequired(t)
	t.Setenv("VOICEDESK_INBOUND_BURST_SECONDS", "0")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error: limits enabled but burst < 1")
	}
}
