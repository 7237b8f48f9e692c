// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

const devJWTSecret = "dev-secret-change-in-production"

// ErrProductionSecret is returned when the server would start in production
// with the development JWT secret.
var ErrProductionSecret = errors.New("JWT_SECRET must be set in production environment")

// Config holds everything the sync server needs to start.
type Config struct {
	Addr           string
	Env            string
	DatabaseDriver string // "sqlite", "postgres" or "memory"
	DatabaseDSN    string
	JWTSecret      string
	JWTExpiry      time.Duration
	MaxPageSize    int
	RateLimitRPS   float64
	RateLimitBurst int
}

// Load reads configuration from environment variables, falling back to
// development defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:           getEnv("SYNC_ADDR", ":8080"),
		Env:            getEnv("ENVIRONMENT", "development"),
		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseDSN:    getEnv("DATABASE_DSN", "file:deltasync.db"),
		JWTSecret:      getEnv("JWT_SECRET", devJWTSecret),
		JWTExpiry:      getEnvDuration("JWT_EXPIRY", 24*time.Hour),
		MaxPageSize:    getEnvInt("SYNC_MAX_PAGE_SIZE", 500),
		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 20),
	}

	if cfg.Env == "production" && cfg.JWTSecret == devJWTSecret {
		return nil, ErrProductionSecret
	}

	switch cfg.DatabaseDriver {
	case "sqlite", "postgres", "memory":
	default:
		return nil, errors.New("DATABASE_DRIVER must be sqlite, postgres or memory")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
