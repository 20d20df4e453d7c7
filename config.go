package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"vaxllo/calls"
	"vaxllo/classify"
	"vaxllo/gemini"
)

// Config holds all configuration for the Vaxllo receptionist
type Config struct {
	WebhookPort    int
	DatabaseDriver string // "sqlite" or "pgx"
	DatabaseURL    string
	LockFile       string

	TelnyxAPIKey    string
	TelnyxAPIBase   string
	TelnyxPublicKey string // base64 Ed25519 key; empty disables signature checks

	GeminiAPIKey string
	GeminiModel  string

	TelegramBotToken string

	FeedToken      string // bearer token for the /feed websocket
	AllowedOrigins []string
	FeedRPS        float64
	FeedBurst      int
	MaxBodyBytes   int64

	Call     calls.Config
	Classify classify.Config

	LogLevel  string
	LogFormat string
}

// LoadConfig loads configuration from the environment and .env
func LoadConfig() (*Config, error) {
	// Load .env file (overrides existing env vars)
	_ = godotenv.Overload()

	call := calls.DefaultConfig()
	call.TranscriptionLanguage = getEnvOrDefault("TRANSCRIPTION_LANGUAGE", call.TranscriptionLanguage)
	call.ReplyVoice.Voice = getEnvOrDefault("REPLY_VOICE", call.ReplyVoice.Voice)
	call.ReplyVoice.APIKeyRef = getEnvOrDefault("REPLY_VOICE_KEY_REF", call.ReplyVoice.APIKeyRef)
	call.FillerVoice.Voice = getEnvOrDefault("FILLER_VOICE", call.FillerVoice.Voice)
	call.FillerVoice.Language = getEnvOrDefault("VOICE_LANGUAGE", call.FillerVoice.Language)
	call.FillerPause = getEnvAsDurationOrDefault("FILLER_PAUSE", call.FillerPause)
	call.ActionTimeout = getEnvAsDurationOrDefault("ACTION_TIMEOUT", call.ActionTimeout)
	call.GenerationTimeout = getEnvAsDurationOrDefault("GENERATION_TIMEOUT", call.GenerationTimeout)

	cls := classify.DefaultConfig()
	cls.Workers = getEnvAsIntOrDefault("CLASSIFY_WORKERS", cls.Workers)
	cls.QueueSize = getEnvAsIntOrDefault("CLASSIFY_QUEUE_SIZE", cls.QueueSize)
	cls.Timeout = getEnvAsDurationOrDefault("CLASSIFY_TIMEOUT", cls.Timeout)
	cls.MaxAttempts = getEnvAsIntOrDefault("CLASSIFY_MAX_ATTEMPTS", cls.MaxAttempts)
	cls.RetryBackoff = getEnvAsDurationOrDefault("CLASSIFY_RETRY_BACKOFF", cls.RetryBackoff)

	config := &Config{
		WebhookPort:      getEnvAsIntOrDefault("WEBHOOK_PORT", 3000),
		DatabaseDriver:   getEnvOrDefault("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:      getEnvOrDefault("DATABASE_URL", "./vaxllo.db"),
		LockFile:         os.Getenv("LOCK_FILE"),
		TelnyxAPIKey:     os.Getenv("TELNYX_API_KEY"),
		TelnyxAPIBase:    os.Getenv("TELNYX_API_BASE"),
		TelnyxPublicKey:  os.Getenv("TELNYX_PUBLIC_KEY"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		GeminiModel:      getEnvOrDefault("GEMINI_MODEL", gemini.DefaultModel),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		FeedToken:        os.Getenv("FEED_TOKEN"),
		AllowedOrigins:   parseAllowedOrigins(),
		FeedRPS:          getEnvAsFloatOrDefault("FEED_RPS", 2),
		FeedBurst:        getEnvAsIntOrDefault("FEED_BURST", 5),
		MaxBodyBytes:     int64(getEnvAsIntOrDefault("MAX_BODY_BYTES", 1<<20)),
		Call:             call,
		Classify:         cls,
		LogLevel:         getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:        getEnvOrDefault("LOG_FORMAT", "text"),
	}

	switch config.DatabaseDriver {
	case "sqlite", "pgx":
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q (want sqlite or pgx)", config.DatabaseDriver)
	}
	return config, nil
}

// ValidateForServe checks the keys the webhook server cannot run without.
func (c *Config) ValidateForServe() error {
	var errs []error
	if c.TelnyxAPIKey == "" {
		errs = append(errs, errors.New("TELNYX_API_KEY not configured"))
	}
	if c.GeminiAPIKey == "" {
		errs = append(errs, errors.New("GEMINI_API_KEY not configured"))
	}
	if c.WebhookPort <= 0 {
		errs = append(errs, fmt.Errorf("invalid WEBHOOK_PORT %d", c.WebhookPort))
	}
	return errors.Join(errs...)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

// parseAllowedOrigins parses the ALLOWED_ORIGINS env var (comma-separated).
func parseAllowedOrigins() []string {
	origins := os.Getenv("ALLOWED_ORIGINS")
	if origins == "" {
		return nil
	}
	var result []string
	for _, p := range strings.Split(origins, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
