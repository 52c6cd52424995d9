package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"arclink/cmd/internal/auth/session"
	"arclink/cmd/internal/realtime"
)

// Token store backends accepted by Config.TokenStore.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// ErrConfig is returned for invalid runtime configuration.
var ErrConfig = errors.New("invalid configuration")

// Config contains the runtime configuration of the CLI.
//
// Precedence: environment > config file (ARC_CONFIG_FILE) > defaults.
// A .env file in the working directory (or ARC_ENV_FILE) is loaded first and
// never overrides variables that are already set.
type Config struct {
	LogLevel  string
	LogFormat string

	TokenStore      string
	TokenPath       string
	TokenPassphrase string
	Profile         string

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// MetricsAddr serves /healthz, /readyz and /metrics while watching; empty disables.
	MetricsAddr string

	MockAddr         string
	RequireTokenHMAC bool

	Session session.Config
	Stream  realtime.Config
}

// fileConfig is the YAML shape of ARC_CONFIG_FILE. Durations are Go duration strings.
type fileConfig struct {
	APIBaseURL     string `yaml:"api_base_url"`
	HTTPTimeout    string `yaml:"http_timeout"`
	RefreshTimeout string `yaml:"refresh_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	TokenStore  string `yaml:"token_store"`
	TokenPath   string `yaml:"token_path"`
	Profile     string `yaml:"profile"`
	DatabaseURL string `yaml:"database_url"`
	MetricsAddr string `yaml:"metrics_addr"`
	MockAddr    string `yaml:"mock_addr"`

	Stream struct {
		Transport         string `yaml:"transport"`
		BaseDelay         string `yaml:"base_delay"`
		MaxAttempts       *int   `yaml:"max_attempts"`
		HeartbeatInterval string `yaml:"heartbeat_interval"`
	} `yaml:"stream"`
}

// LoadConfig loads Config from .env, the optional YAML file and the environment.
func LoadConfig() (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}

	var fc fileConfig
	if path := EnvString("ARC_CONFIG_FILE", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
		}
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
		}
	}

	cfg := Config{
		LogLevel:        EnvString("ARC_LOG_LEVEL", or(fc.LogLevel, "info")),
		LogFormat:       strings.ToLower(EnvString("ARC_LOG_FORMAT", or(fc.LogFormat, "auto"))),
		TokenStore:      strings.ToLower(EnvString("ARC_TOKEN_STORE", or(fc.TokenStore, StoreFile))),
		TokenPath:       EnvString("ARC_TOKEN_PATH", fc.TokenPath),
		TokenPassphrase: EnvString("ARC_TOKEN_PASSPHRASE", ""),
		Profile:         EnvString("ARC_PROFILE", or(fc.Profile, "default")),

		DatabaseURL: EnvString("ARC_DATABASE_URL", fc.DatabaseURL),
		DBMaxConns:  EnvInt32("ARC_DB_MAX_CONNS", 4),
		DBMinConns:  EnvInt32("ARC_DB_MIN_CONNS", 0),

		MetricsAddr: EnvString("ARC_METRICS_ADDR", fc.MetricsAddr),

		MockAddr:         EnvString("ARC_MOCK_ADDR", or(fc.MockAddr, "127.0.0.1:8080")),
		RequireTokenHMAC: EnvBool("ARC_REQUIRE_TOKEN_HMAC", false),
	}

	sess, err := session.LoadConfigFromEnv()
	if err != nil {
		return Config{}, err
	}
	stream, err := realtime.LoadConfigFromEnv()
	if err != nil {
		return Config{}, err
	}
	if err := applyFile(fc, &sess, &stream); err != nil {
		return Config{}, err
	}
	cfg.Session, cfg.Stream = sess, stream

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	switch c.TokenStore {
	case StoreMemory, StoreFile, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: ARC_TOKEN_STORE=postgres requires ARC_DATABASE_URL", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown token store %q", ErrConfig, c.TokenStore)
	}
	switch c.LogFormat {
	case "auto", "json", "pretty":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrConfig, c.LogFormat)
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	return c.Stream.Validate()
}

// applyFile copies file values into fields whose env var is unset.
func applyFile(fc fileConfig, sess *session.Config, stream *realtime.Config) error {
	if fc.APIBaseURL != "" && unset("ARC_API_BASE_URL") {
		sess.BaseURL = fc.APIBaseURL
	}
	if fc.Stream.Transport != "" && unset("ARC_STREAM_TRANSPORT") {
		stream.Transport = strings.ToLower(fc.Stream.Transport)
	}
	if fc.Stream.MaxAttempts != nil && unset("ARC_STREAM_MAX_ATTEMPTS") {
		stream.MaxAttempts = *fc.Stream.MaxAttempts
	}

	durations := []struct {
		raw, env  string
		dst       *time.Duration
		allowZero bool
	}{
		{fc.HTTPTimeout, "ARC_HTTP_TIMEOUT", &sess.HTTPTimeout, false},
		{fc.RefreshTimeout, "ARC_REFRESH_TIMEOUT", &sess.RefreshTimeout, false},
		{fc.Stream.BaseDelay, "ARC_STREAM_BASE_DELAY", &stream.BaseDelay, false},
		{fc.Stream.HeartbeatInterval, "ARC_STREAM_HEARTBEAT_INTERVAL", &stream.HeartbeatInterval, true},
	}
	for _, d := range durations {
		if d.raw == "" || !unset(d.env) {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil || v < 0 || (v == 0 && !d.allowZero) {
			return fmt.Errorf("%w: bad duration %q for %s", ErrConfig, d.raw, d.env)
		}
		*d.dst = v
	}
	return nil
}

func loadDotEnv() error {
	path := EnvString("ARC_ENV_FILE", ".env")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("%w: load %s: %v", ErrConfig, path, err)
	}
	return nil
}

func unset(key string) bool {
	return strings.TrimSpace(os.Getenv(key)) == ""
}

func or(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
