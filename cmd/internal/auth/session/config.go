package session

import (
	"net/url"
	"os"
	"strings"
	"time"
)

// Config defines runtime configuration for the client session.
type Config struct {
	// BaseURL is the API origin, e.g. https://api.example.com.
	BaseURL string

	// Endpoint paths relative to BaseURL.
	RefreshPath  string
	LogoutPath   string
	IdentityPath string

	// HTTPTimeout bounds every outbound call made with the default client.
	HTTPTimeout time.Duration

	// RefreshTimeout bounds the shared refresh call. It runs detached from the
	// caller that started it, so one impatient caller cannot fail the others.
	RefreshTimeout time.Duration
}

// DefaultConfig returns a configuration pointing at a local development backend.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://127.0.0.1:8080",
		RefreshPath:    "/auth/refresh",
		LogoutPath:     "/auth/logout",
		IdentityPath:   "/auth/me",
		HTTPTimeout:    15 * time.Second,
		RefreshTimeout: 10 * time.Second,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - ARC_API_BASE_URL
//   - ARC_HTTP_TIMEOUT
//   - ARC_REFRESH_TIMEOUT
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("ARC_API_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}

	if v := os.Getenv("ARC_HTTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.HTTPTimeout = d
	}

	if v := os.Getenv("ARC_REFRESH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants NewManager relies on.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" {
		return ErrConfig
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrConfig
	}
	for _, p := range []string{c.RefreshPath, c.LogoutPath, c.IdentityPath} {
		if !strings.HasPrefix(p, "/") {
			return ErrConfig
		}
	}
	if c.HTTPTimeout <= 0 || c.RefreshTimeout <= 0 {
		return ErrConfig
	}
	return nil
}

func (c Config) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}
