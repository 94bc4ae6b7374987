package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

func EnvOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func IntEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid env value, using fallback", slog.String("name", name), slog.String("value", raw), slog.Int("fallback", fallback))
		return fallback
	}
	return value
}

func Int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid env value, using fallback", slog.String("name", name), slog.String("value", raw), slog.Int64("fallback", fallback))
		return fallback
	}
	return value
}

func DurationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid env value, using fallback", slog.String("name", name), slog.String("value", raw), slog.Duration("fallback", fallback))
		return fallback
	}
	return value
}

func FloatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid env value, using fallback", slog.String("name", name), slog.String("value", raw), slog.Float64("fallback", fallback))
		return fallback
	}
	return value
}

func BoolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid env value, using fallback", slog.String("name", name), slog.String("value", raw), slog.Bool("fallback", fallback))
		return fallback
	}
	return value
}
