package main

import (
	"strings"
	"testing"
	"time"

	"vaxllo/gemini"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"WEBHOOK_PORT", "DATABASE_DRIVER", "DATABASE_URL", "GEMINI_MODEL",
		"ACTION_TIMEOUT", "CLASSIFY_WORKERS", "FILLER_PAUSE", "ALLOWED_ORIGINS", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.WebhookPort != 3000 || cfg.DatabaseDriver != "sqlite" || cfg.DatabaseURL != "./vaxllo.db" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.GeminiModel != gemini.DefaultModel {
		t.Fatalf("model=%q", cfg.GeminiModel)
	}
	if cfg.Call.ActionTimeout != 10*time.Second || cfg.Call.FillerPause != 120*time.Second {
		t.Fatalf("call=%+v", cfg.Call)
	}
	if cfg.Classify.Workers != 2 || cfg.Classify.MaxAttempts != 1 {
		t.Fatalf("classify=%+v", cfg.Classify)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("origins=%v", cfg.AllowedOrigins)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("WEBHOOK_PORT", "8080")
	t.Setenv("DATABASE_DRIVER", "pgx")
	t.Setenv("ACTION_TIMEOUT", "3s")
	t.Setenv("CLASSIFY_MAX_ATTEMPTS", "3")
	t.Setenv("FEED_RPS", "0.5")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("TRANSCRIPTION_LANGUAGE", "en")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.WebhookPort != 8080 || cfg.DatabaseDriver != "pgx" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Call.ActionTimeout != 3*time.Second || cfg.Call.TranscriptionLanguage != "en" {
		t.Fatalf("call=%+v", cfg.Call)
	}
	if cfg.Classify.MaxAttempts != 3 || cfg.FeedRPS != 0.5 {
		t.Fatalf("classify=%+v rps=%v", cfg.Classify, cfg.FeedRPS)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins=%v", cfg.AllowedOrigins)
	}
}

func TestLoadConfigIgnoresBadNumbers(t *testing.T) {
	t.Setenv("WEBHOOK_PORT", "abc")
	t.Setenv("ACTION_TIMEOUT", "-1s")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.WebhookPort != 3000 || cfg.Call.ActionTimeout != 10*time.Second {
		t.Fatalf("port=%d timeout=%v", cfg.WebhookPort, cfg.Call.ActionTimeout)
	}
}

func TestLoadConfigRejectsUnknownDriver(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "mysql")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("want error for mysql driver")
	}
}

func TestValidateForServe(t *testing.T) {
	cfg := &Config{WebhookPort: 3000}
	err := cfg.ValidateForServe()
	if err == nil {
		t.Fatal("want error without keys")
	}
	for _, key := range []string{"TELNYX_API_KEY", "GEMINI_API_KEY"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("err=%v, want mention of %s", err, key)
		}
	}

	cfg.TelnyxAPIKey = "k"
	cfg.GeminiAPIKey = "g"
	if err := cfg.ValidateForServe(); err != nil {
		t.Fatalf("ValidateForServe: %v", err)
	}
}
