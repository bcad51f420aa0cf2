package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the human-in-the-loop service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// DatabaseURL selects the Postgres backend; StatePath selects SQLite.
	// With neither set, state lives in memory for the life of the process.
	DatabaseURL string
	StatePath   string

	WorkspaceRoot string

	PreviewMaxChars     int
	UIInactivityTimeout time.Duration
	DialogFallback      bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("HUMANLOOP_BIND_ADDR", "127.0.0.1:7842"),
		MetricsNamespace:    envOrDefault("HUMANLOOP_METRICS_NAMESPACE", "humanloop"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		StatePath:           stringsTrimSpace("HUMANLOOP_STATE_PATH"),
		WorkspaceRoot:       stringsTrimSpace("HUMANLOOP_WORKSPACE_ROOT"),
		ShutdownTimeout:     10 * time.Second,
		PreviewMaxChars:     4000,
		UIInactivityTimeout: 2 * time.Minute,
		DialogFallback:      true,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("HUMANLOOP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.UIInactivityTimeout, err = durationFromEnv("HUMANLOOP_UI_INACTIVITY_TIMEOUT", cfg.UIInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PreviewMaxChars, err = intFromEnv("HUMANLOOP_PREVIEW_MAX_CHARS", cfg.PreviewMaxChars)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("HUMANLOOP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.DialogFallback, err = boolFromEnv("HUMANLOOP_DIALOG_FALLBACK", cfg.DialogFallback)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants that flags may also violate after Load.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BindAddr) == "" {
		return fmt.Errorf("HUMANLOOP_BIND_ADDR must not be empty")
	}
	if c.UIInactivityTimeout < 5*time.Second {
		return fmt.Errorf("HUMANLOOP_UI_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.PreviewMaxChars <= 0 {
		return fmt.Errorf("HUMANLOOP_PREVIEW_MAX_CHARS must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("HUMANLOOP_SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

// StoreMode names the persistence backend selected by the configuration.
func (c Config) StoreMode() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.StatePath != "":
		return "sqlite"
	default:
		return "in-memory"
	}
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
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
	v := stringsTrimSpace(key)
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
	v := strings.ToLower(stringsTrimSpace(key))
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
