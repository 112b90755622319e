package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the story session service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	SessionRetention         time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	StoryDir      string
	StoryBaseURL  string
	StoryManifest string

	// RealtimeMode is auto, openai or mock. auto picks openai when an API key
	// is present.
	RealtimeMode            string
	OpenAIAPIKey            string
	OpenAIRealtimeURL       string
	OpenAIRealtimeModel     string
	RealtimeConnectAttempts int
	AudioSampleRate         int

	DatabaseURL     string
	AuditSQLitePath string
	AuditRedactPII  bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "storyvoice"),
		AllowAnyOrigin:           false,
		StoryDir:                 envOrDefault("STORY_DIR", "stories"),
		StoryBaseURL:             strings.TrimSpace(os.Getenv("STORY_BASE_URL")),
		StoryManifest:            strings.TrimSpace(os.Getenv("STORY_MANIFEST")),
		RealtimeMode:             strings.ToLower(envOrDefault("REALTIME_MODE", "auto")),
		OpenAIAPIKey:             strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIRealtimeURL:        envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		OpenAIRealtimeModel:      envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-10-01"),
		RealtimeConnectAttempts:  3,
		AudioSampleRate:          24000,
		DatabaseURL:              strings.TrimSpace(os.Getenv("DATABASE_URL")),
		AuditSQLitePath:          strings.TrimSpace(os.Getenv("AUDIT_SQLITE_PATH")),
		AuditRedactPII:           true,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		SessionRetention:         30 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("APP_SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeConnectAttempts, err = intFromEnv("REALTIME_CONNECT_ATTEMPTS", cfg.RealtimeConnectAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioSampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.AudioSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AuditRedactPII, err = boolFromEnv("AUDIT_REDACT_PII", cfg.AuditRedactPII)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SessionRetention <= 0 {
		return Config{}, fmt.Errorf("APP_SESSION_RETENTION must be positive")
	}
	switch cfg.RealtimeMode {
	case "auto", "openai", "mock":
	default:
		return Config{}, fmt.Errorf("REALTIME_MODE must be auto, openai or mock")
	}
	if cfg.RealtimeMode == "openai" && cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("REALTIME_MODE=openai requires OPENAI_API_KEY")
	}
	if cfg.RealtimeConnectAttempts <= 0 {
		return Config{}, fmt.Errorf("REALTIME_CONNECT_ATTEMPTS must be positive")
	}
	if cfg.AudioSampleRate < 8000 || cfg.AudioSampleRate > 48000 {
		return Config{}, fmt.Errorf("AUDIO_SAMPLE_RATE must be between 8000 and 48000")
	}

	return cfg, nil
}

// UseMockRealtime reports whether sessions talk to the in-process mock agent.
func (c Config) UseMockRealtime() bool {
	switch c.RealtimeMode {
	case "mock":
		return true
	case "openai":
		return false
	default:
		return c.OpenAIAPIKey == ""
	}
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
