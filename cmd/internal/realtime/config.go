package realtime

import (
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Transport names accepted by Config.Transport.
const (
	TransportCoder   = "coder"
	TransportGorilla = "gorilla"
)

// Config defines runtime configuration for stream channels.
type Config struct {
	// Transport selects the websocket implementation (TransportCoder or TransportGorilla).
	Transport string

	// BaseDelay and MaxAttempts shape the reconnect schedule:
	// attempt k waits BaseDelay * 2^(k-1); after MaxAttempts the channel fails.
	BaseDelay   time.Duration
	MaxAttempts int

	// HeartbeatInterval is the ping cadence; zero disables heartbeats.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// Outbound limit per channel.
	SendRateEvents int
	SendRateWindow time.Duration

	// ReadLimit caps inbound frame size in bytes.
	ReadLimit int64
}

// DefaultConfig returns the production reconnect schedule (3s, 6s, 12s, 24s, 48s).
func DefaultConfig() Config {
	return Config{
		Transport:         TransportCoder,
		BaseDelay:         defaultBaseDelay,
		MaxAttempts:       defaultMaxAttempts,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		DialTimeout:       dialTimeout,
		WriteTimeout:      writeTimeout,
		SendRateEvents:    sendRateEvents,
		SendRateWindow:    sendRateWindow,
		ReadLimit:         maxFrameBytes,
	}
}

// LoadConfigFromEnv loads stream configuration from environment variables.
//
// Optional:
//   - ARC_STREAM_TRANSPORT (coder|gorilla)
//   - ARC_STREAM_BASE_DELAY
//   - ARC_STREAM_MAX_ATTEMPTS (0..30)
//   - ARC_STREAM_HEARTBEAT_INTERVAL (0 disables)
//   - ARC_STREAM_DIAL_TIMEOUT
//   - ARC_STREAM_SEND_RATE_EVENTS
//   - ARC_STREAM_SEND_RATE_WINDOW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("ARC_STREAM_TRANSPORT")); v != "" {
		cfg.Transport = strings.ToLower(v)
	}

	durations := []struct {
		key       string
		dst       *time.Duration
		allowZero bool
	}{
		{"ARC_STREAM_BASE_DELAY", &cfg.BaseDelay, false},
		{"ARC_STREAM_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval, true},
		{"ARC_STREAM_DIAL_TIMEOUT", &cfg.DialTimeout, false},
		{"ARC_STREAM_SEND_RATE_WINDOW", &cfg.SendRateWindow, false},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 || (parsed == 0 && !d.allowZero) {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	if v := os.Getenv("ARC_STREAM_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, ErrConfig
		}
		cfg.MaxAttempts = n
	}

	if v := os.Getenv("ARC_STREAM_SEND_RATE_EVENTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, ErrConfig
		}
		cfg.SendRateEvents = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants the Manager relies on.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportCoder, TransportGorilla:
	default:
		return ErrConfig
	}
	if c.BaseDelay <= 0 || c.MaxAttempts < 0 || c.MaxAttempts > maxAttemptsLimit {
		return ErrConfig
	}
	if c.HeartbeatInterval < 0 || (c.HeartbeatInterval > 0 && c.HeartbeatTimeout <= 0) {
		return ErrConfig
	}
	if c.DialTimeout <= 0 || c.WriteTimeout <= 0 {
		return ErrConfig
	}
	return nil
}

// Backoff returns the delay before reconnect attempt k (1-indexed). The
// result saturates at math.MaxInt64 instead of overflowing.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift >= 63 || c.BaseDelay > time.Duration(math.MaxInt64>>shift) {
		return time.Duration(math.MaxInt64)
	}
	return c.BaseDelay << shift
}
