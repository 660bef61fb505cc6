package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	// Proxy listener
	Host string
	Port int

	// Inbound auth. Empty disables authentication.
	APIKey string

	// Upstream
	UpstreamURL string

	// Credential files
	CodexHome string

	// Request log
	EnableLogging bool
	MaxLogs       int
	DBPath        string

	// Timeouts
	RequestTimeout time.Duration
	RefreshTimeout time.Duration
	DrainTimeout   time.Duration

	// Scheduling
	TokenRefreshAdvance time.Duration
	CooldownBase        time.Duration
	CooldownCeiling     time.Duration

	// Logging
	LogLevel string
}

func Load() *Config {
	return &Config{
		Host: envOr("CODEX_POOL_HOST", "127.0.0.1"),
		Port: envInt("CODEX_POOL_PORT", 8080),

		APIKey: os.Getenv("CODEX_POOL_API_KEY"),

		UpstreamURL: envOr("UPSTREAM_URL", "https://chatgpt.com"),

		CodexHome: envOr("CODEX_HOME", defaultCodexHome()),

		EnableLogging: envBool("ENABLE_LOGGING", true),
		MaxLogs:       envInt("MAX_LOGS", 1000),
		DBPath:        envOr("DB_PATH", "./codex-pool.db"),

		RequestTimeout: envDuration("REQUEST_TIMEOUT", 10*time.Minute),
		RefreshTimeout: envDuration("REFRESH_TIMEOUT", 30*time.Second),
		DrainTimeout:   envDuration("DRAIN_TIMEOUT", 5*time.Second),

		TokenRefreshAdvance: envDuration("TOKEN_REFRESH_ADVANCE", 60*time.Second),
		CooldownBase:        envDuration("COOLDOWN_BASE", 60*time.Second),
		CooldownCeiling:     envDuration("COOLDOWN_CEILING", 10*time.Minute),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func defaultCodexHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codex"
	}
	return filepath.Join(home, ".codex")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
