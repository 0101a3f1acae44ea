package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for stakingd.
type Config struct {
	ListenAddress   string          `yaml:"listen"`
	Environment     string          `yaml:"environment"`
	StatePath       string          `yaml:"state_path"`
	StateEngine     string          `yaml:"state_engine"`
	GenesisPath     string          `yaml:"genesis"`
	HistoryLimit    int             `yaml:"history_limit"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"`
	MaxConnections  int             `yaml:"max_connections"`
	Logging         LoggingConfig   `yaml:"logging"`
	Auth            AuthConfig      `yaml:"auth"`
	RateLimits      RateLimits      `yaml:"rate_limits"`
	Journal         JournalConfig   `yaml:"journal"`
	Events          EventsConfig    `yaml:"events"`
	CORS            CORSConfig      `yaml:"cors"`
	Telemetry       TelemetryConfig `yaml:"telemetry"`
}

// LoggingConfig controls the structured logger and its file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Secret    string   `yaml:"hmac_secret"`
	Issuer    string   `yaml:"issuer"`
	Audience  string   `yaml:"audience"`
	ClockSkew Duration `yaml:"clock_skew"`
}

// RateLimit is a token bucket definition.
type RateLimit struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// RateLimits groups the buckets applied to mutating routes.
type RateLimits struct {
	Mutations RateLimit `yaml:"mutations"`
	Admin     RateLimit `yaml:"admin"`
}

// JournalConfig selects the event journal database.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// EventsConfig tunes the in-memory event hub and websocket stream.
type EventsConfig struct {
	History      int      `yaml:"history"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// CORSConfig lists origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Headers     string  `yaml:"headers"`
	Metrics     bool    `yaml:"metrics"`
	Traces      bool    `yaml:"traces"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads configuration from the supplied path. Environment variables
// override secrets and deployment specific values.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyEnv(&cfg, os.LookupEnv)
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("STAKINGD_ENV"); ok && strings.TrimSpace(v) != "" {
		cfg.Environment = strings.TrimSpace(v)
	}
	if v, ok := lookup("STAKINGD_LISTEN"); ok && strings.TrimSpace(v) != "" {
		cfg.ListenAddress = strings.TrimSpace(v)
	}
	if v, ok := lookup("STAKINGD_JWT_SECRET"); ok && v != "" {
		cfg.Auth.Secret = v
	}
	if v, ok := lookup("STAKINGD_JOURNAL_DSN"); ok && strings.TrimSpace(v) != "" {
		cfg.Journal.DSN = strings.TrimSpace(v)
	}
	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && strings.TrimSpace(v) != "" {
		cfg.Telemetry.Endpoint = strings.TrimSpace(v)
	}
	if v, ok := lookup("OTEL_EXPORTER_OTLP_HEADERS"); ok && strings.TrimSpace(v) != "" {
		cfg.Telemetry.Headers = strings.TrimSpace(v)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 64
	}
	cfg.StateEngine = strings.ToLower(strings.TrimSpace(cfg.StateEngine))
	if cfg.StateEngine == "" {
		cfg.StateEngine = "leveldb"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 512
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 5 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 30 * time.Second
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "stakingd"
	}
	if cfg.RateLimits.Mutations.RatePerSecond == 0 {
		cfg.RateLimits.Mutations = RateLimit{RatePerSecond: 5, Burst: 10}
	}
	if cfg.RateLimits.Admin.RatePerSecond == 0 {
		cfg.RateLimits.Admin = RateLimit{RatePerSecond: 1, Burst: 2}
	}
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	if cfg.Events.History <= 0 {
		cfg.Events.History = 2048
	}
	if cfg.Events.WriteTimeout.Duration == 0 {
		cfg.Events.WriteTimeout.Duration = 10 * time.Second
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.GenesisPath) == "" {
		return fmt.Errorf("genesis path must be configured")
	}
	switch cfg.StateEngine {
	case "", "leveldb", "bolt":
	default:
		return fmt.Errorf("unsupported state_engine %q", cfg.StateEngine)
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if cfg.Auth.Enabled && len(cfg.Auth.Secret) < 32 {
		return fmt.Errorf("auth.hmac_secret must be at least 32 bytes when auth is enabled")
	}
	if !cfg.Auth.Enabled && !strings.EqualFold(strings.TrimSpace(cfg.Environment), "dev") {
		return fmt.Errorf("auth must be enabled outside the dev environment (environment %q)", cfg.Environment)
	}
	switch cfg.Journal.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Journal.DSN) == "" {
			return fmt.Errorf("journal.dsn must be configured for postgres")
		}
	default:
		return fmt.Errorf("unsupported journal driver %q", cfg.Journal.Driver)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	for name, limit := range map[string]RateLimit{"mutations": cfg.RateLimits.Mutations, "admin": cfg.RateLimits.Admin} {
		if limit.RatePerSecond < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limits.%s must not be negative", name)
		}
	}
	return nil
}
