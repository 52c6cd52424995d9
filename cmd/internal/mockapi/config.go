package mockapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls the development backend.
type Config struct {
	Issuer string

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	MaxBodyBytes  int64
	MaxFrameBytes int64

	// OriginPatterns are passed to websocket.Accept for cross-origin browsers.
	OriginPatterns []string

	SendQueue         int
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Inbound limit per stream connection.
	RateEvents int
	RateWindow time.Duration
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{
		Issuer:            "arclink-dev",
		AccessTTL:         15 * time.Minute,
		RefreshTTL:        7 * 24 * time.Hour,
		MaxBodyBytes:      1 << 20,
		MaxFrameBytes:     1 << 20,
		OriginPatterns:    []string{"localhost", "127.0.0.1"},
		SendQueue:         256,
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		RateEvents:        120,
		RateWindow:        10 * time.Second,
	}
}

// LoadConfigFromEnv loads backend config from environment variables with safe defaults.
//
// Optional:
//   - ARC_MOCK_ACCESS_TTL
//   - ARC_MOCK_REFRESH_TTL
//   - ARC_MOCK_ALLOWED_ORIGINS (comma-separated host patterns)
//   - ARC_MOCK_HEARTBEAT_INTERVAL (0 disables)
//   - ARC_MOCK_RATE_EVENTS / ARC_MOCK_RATE_WINDOW
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	cfg := def

	cfg.AccessTTL = envDuration("ARC_MOCK_ACCESS_TTL", def.AccessTTL)
	cfg.RefreshTTL = envDuration("ARC_MOCK_REFRESH_TTL", def.RefreshTTL)
	cfg.OriginPatterns = envCSV("ARC_MOCK_ALLOWED_ORIGINS", def.OriginPatterns)
	cfg.RateEvents = envInt("ARC_MOCK_RATE_EVENTS", def.RateEvents)
	cfg.RateWindow = envDuration("ARC_MOCK_RATE_WINDOW", def.RateWindow)

	if v := strings.TrimSpace(os.Getenv("ARC_MOCK_HEARTBEAT_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.HeartbeatInterval = d
		}
	}

	// Refresh tokens must outlive access tokens.
	if cfg.RefreshTTL < cfg.AccessTTL {
		cfg.RefreshTTL = cfg.AccessTTL
	}
	return cfg
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSV(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
