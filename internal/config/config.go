package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the deckflow service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	ManusAPIKey  string
	ManusBaseURL string

	PollInterval time.Duration
	PollTimeout  time.Duration

	OutputDir string
	TasksFile string

	DatabaseURL string

	WebhookEnabled bool
	WebhookBaseURL string
	WebhookPath    string

	// ReadSilenceThreshold is how long a connection may stay silent
	// before the liveness supervisor probes it with a ping.
	ReadSilenceThreshold time.Duration
	LivenessInterval     time.Duration

	EventQueueSize int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "deckflow"),
		AllowAnyOrigin:       false,
		ManusAPIKey:          trimmedEnv("MANUS_API_KEY"),
		ManusBaseURL:         envOrDefault("MANUS_API_BASE_URL", "https://api.manus.ai"),
		OutputDir:            envOrDefault("OUTPUT_DIR", "storage/output"),
		TasksFile:            envOrDefault("TASKS_FILE", "storage/tasks.json"),
		DatabaseURL:          trimmedEnv("DATABASE_URL"),
		WebhookEnabled:       false,
		WebhookBaseURL:       trimmedEnv("WEBHOOK_BASE_URL"),
		WebhookPath:          envOrDefault("WEBHOOK_PATH", "/webhook/manus"),
		ShutdownTimeout:      15 * time.Second,
		PollInterval:         5 * time.Second,
		PollTimeout:          10 * time.Minute,
		ReadSilenceThreshold: 60 * time.Second,
		LivenessInterval:     30 * time.Second,
		EventQueueSize:       256,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PollInterval, err = durationFromEnv("POLL_INTERVAL", cfg.PollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.PollTimeout, err = durationFromEnv("POLL_TIMEOUT", cfg.PollTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReadSilenceThreshold, err = durationFromEnv("WS_READ_SILENCE_THRESHOLD", cfg.ReadSilenceThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.LivenessInterval, err = durationFromEnv("WS_LIVENESS_INTERVAL", cfg.LivenessInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.WebhookEnabled, err = boolFromEnv("WEBHOOK_ENABLED", cfg.WebhookEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.EventQueueSize, err = intFromEnv("EVENT_QUEUE_SIZE", cfg.EventQueueSize)
	if err != nil {
		return Config{}, err
	}

	if cfg.PollInterval < time.Second {
		return Config{}, fmt.Errorf("POLL_INTERVAL must be at least 1s")
	}
	if cfg.ReadSilenceThreshold < 5*time.Second {
		return Config{}, fmt.Errorf("WS_READ_SILENCE_THRESHOLD must be at least 5s")
	}
	if cfg.LivenessInterval <= 0 {
		return Config{}, fmt.Errorf("WS_LIVENESS_INTERVAL must be positive")
	}
	if cfg.EventQueueSize <= 0 {
		return Config{}, fmt.Errorf("EVENT_QUEUE_SIZE must be positive")
	}
	if cfg.WebhookEnabled && cfg.WebhookBaseURL == "" {
		return Config{}, fmt.Errorf("WEBHOOK_ENABLED requires WEBHOOK_BASE_URL")
	}

	return cfg, nil
}

// WebhookURL returns the externally reachable callback URL, or "" when
// no public base URL is configured.
func (c Config) WebhookURL() string {
	if c.WebhookBaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.WebhookBaseURL, "/") + c.WebhookPath
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
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
	v := trimmedEnv(key)
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
	v := strings.ToLower(trimmedEnv(key))
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
