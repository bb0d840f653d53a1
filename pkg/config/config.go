// Package config loads environment-driven bootstrap settings.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading core.
type Config struct {
	// Venue bridge
	BridgeURL       string
	BridgeStreamURL string // WebSocket tick stream; derived from BridgeURL when empty
	BridgeTimeoutMs int    // per-request timeout on venue round-trips
	BridgeRateLimit float64
	TickMaxAgeMs    int // freshness bound on stream-cached ticks

	// Execution
	DryRun bool

	// Storage
	DBPath    string
	ConfigDir string

	// Users whose sessions exist from boot (run-state restore adds more)
	Users []string

	// Tick loop
	MaxRuntimeMinutes float64 // session budget; 0 disables
	HealthCheckEvery  int
	ReconnectAttempts int
	ReconnectDelaySec int

	// Observability
	MetricsAddr string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		BridgeURL:         getEnv("BRIDGE_URL", "http://127.0.0.1:8787"),
		BridgeStreamURL:   getEnv("BRIDGE_STREAM_URL", ""),
		BridgeTimeoutMs:   getEnvInt("BRIDGE_TIMEOUT_MS", 5000),
		BridgeRateLimit:   getEnvFloat("BRIDGE_RATE_LIMIT", 50),
		TickMaxAgeMs:      getEnvInt("TICK_MAX_AGE_MS", 500),
		DryRun:            getEnv("DRY_RUN", "false") == "true",
		DBPath:            getEnv("DB_PATH", "./data/pairtrade.db"),
		ConfigDir:         getEnv("CONFIG_DIR", "./config"),
		Users:             splitAndTrim(getEnv("USERS", "default")),
		MaxRuntimeMinutes: getEnvFloat("MAX_RUNTIME_MINUTES", 0),
		HealthCheckEvery:  getEnvInt("HEALTH_CHECK_EVERY", 100),
		ReconnectAttempts: getEnvInt("RECONNECT_ATTEMPTS", 10),
		ReconnectDelaySec: getEnvInt("RECONNECT_DELAY_SEC", 5),
		MetricsAddr:       getEnv("METRICS_ADDR", ":9090"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
