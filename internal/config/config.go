package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/livesync/internal/connection"
	"github.com/agentworkforce/livesync/internal/dispatch"
	"github.com/agentworkforce/livesync/internal/document"
)

// Defaults for RelayConfig. They match the relay package fallbacks.
const (
	DefaultRelayAddr   = ":8080"
	DefaultRedisPrefix = "livesync:doc:"
	DefaultSaveDelay   = time.Second
)

type Config struct {
	LogLevel string       `yaml:"log_level"`
	Client   ClientConfig `yaml:"client"`
	Relay    RelayConfig  `yaml:"relay"`
}

type ClientConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	DebounceDelay  time.Duration `yaml:"debounce_delay"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxHistory     int           `yaml:"max_history"`
	File           string        `yaml:"file"`
	Seed           bool          `yaml:"seed"`
}

type RelayConfig struct {
	Addr            string        `yaml:"addr"`
	SnapshotDSN     string        `yaml:"snapshot_dsn"`
	RedisURL        string        `yaml:"redis_url"`
	RedisPrefix     string        `yaml:"redis_prefix"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	SaveDelay       time.Duration `yaml:"save_delay"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Client: ClientConfig{
			DebounceDelay:  dispatch.DefaultDelay,
			ReconnectDelay: connection.DefaultReconnectDelay,
			MaxHistory:     document.DefaultMaxHistory,
		},
		Relay: RelayConfig{
			Addr:            DefaultRelayAddr,
			RedisPrefix:     DefaultRedisPrefix,
			MaxMessageBytes: 1 << 20,
			RateLimit:       50,
			RateBurst:       100,
			SaveDelay:       DefaultSaveDelay,
		},
	}
}

// Load layers defaults, the YAML file at path (if any) and LIVESYNC_*
// environment overrides, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = EnvOrDefault("LIVESYNC_LOG_LEVEL", cfg.LogLevel)

	cfg.Client.Endpoint = EnvOrDefault("LIVESYNC_ENDPOINT", cfg.Client.Endpoint)
	cfg.Client.DebounceDelay = DurationEnv("LIVESYNC_DEBOUNCE_DELAY", cfg.Client.DebounceDelay)
	cfg.Client.ReconnectDelay = DurationEnv("LIVESYNC_RECONNECT_DELAY", cfg.Client.ReconnectDelay)
	cfg.Client.MaxHistory = IntEnv("LIVESYNC_MAX_HISTORY", cfg.Client.MaxHistory)
	cfg.Client.File = EnvOrDefault("LIVESYNC_FILE", cfg.Client.File)
	cfg.Client.Seed = BoolEnv("LIVESYNC_SEED", cfg.Client.Seed)

	cfg.Relay.Addr = EnvOrDefault("LIVESYNC_RELAY_ADDR", cfg.Relay.Addr)
	cfg.Relay.SnapshotDSN = EnvOrDefault("LIVESYNC_SNAPSHOT_DSN", cfg.Relay.SnapshotDSN)
	cfg.Relay.RedisURL = EnvOrDefault("LIVESYNC_REDIS_URL", cfg.Relay.RedisURL)
	cfg.Relay.RedisPrefix = EnvOrDefault("LIVESYNC_REDIS_PREFIX", cfg.Relay.RedisPrefix)
	cfg.Relay.MaxMessageBytes = Int64Env("LIVESYNC_MAX_MESSAGE_BYTES", cfg.Relay.MaxMessageBytes)
	cfg.Relay.RateLimit = FloatEnv("LIVESYNC_RATE_LIMIT", cfg.Relay.RateLimit)
	cfg.Relay.RateBurst = IntEnv("LIVESYNC_RATE_BURST", cfg.Relay.RateBurst)
	cfg.Relay.SaveDelay = DurationEnv("LIVESYNC_SAVE_DELAY", cfg.Relay.SaveDelay)
}

func (c Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Client.DebounceDelay <= 0 {
		return fmt.Errorf("debounce_delay must be > 0")
	}
	if c.Client.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be > 0")
	}
	if c.Client.MaxHistory < 1 {
		return fmt.Errorf("max_history must be >= 1")
	}
	if strings.TrimSpace(c.Relay.Addr) == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Relay.MaxMessageBytes <= 0 {
		return fmt.Errorf("max_message_bytes must be > 0")
	}
	if c.Relay.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be >= 0")
	}
	if c.Relay.RateBurst < 1 {
		return fmt.Errorf("rate_burst must be >= 1")
	}
	if c.Relay.SaveDelay <= 0 {
		return fmt.Errorf("save_delay must be > 0")
	}
	return nil
}

func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log_level: %s", raw)
	}
}

// NewLogger returns a text logger on stderr at the configured level.
func (c Config) NewLogger() *slog.Logger {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
