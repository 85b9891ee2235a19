// Package config loads server settings from the environment (and an optional
// .env file) and builds the process logger.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds the server settings read from the environment.
type Config struct {
	Port          int
	Store         string
	SQLitePath    string
	PostgresDSN   string
	RedisAddr     string
	NatsURL       string
	CORSOrigins   []string
	LogLevel      slog.Level
	Seed          bool
	CommitRetries int
}

// New reads VENDING_* variables. A missing .env file is not an error.
func New() (*Config, error) {
	_ = godotenv.Load()
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary variable source.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := &Config{
		Store:       strings.ToLower(get("VENDING_STORE", StoreSQLite)),
		SQLitePath:  get("VENDING_SQLITE_PATH", "vending.db"),
		PostgresDSN: get("VENDING_POSTGRES_DSN", ""),
		RedisAddr:   get("VENDING_REDIS_ADDR", ""),
		NatsURL:     get("VENDING_NATS_URL", ""),
		CORSOrigins: splitList(get("VENDING_CORS_ORIGINS", "http://localhost:3000")),
	}

	var err error
	if cfg.Port, err = getInt(get, "VENDING_PORT", 8080); err != nil {
		return nil, err
	}
	if cfg.CommitRetries, err = getInt(get, "VENDING_COMMIT_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.Seed, err = strconv.ParseBool(get("VENDING_SEED", "true")); err != nil {
		return nil, fmt.Errorf("invalid VENDING_SEED: %w", err)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(get("VENDING_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid VENDING_LOG_LEVEL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements. Call again after flag overrides.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreSQLite, StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("VENDING_STORE=postgres requires VENDING_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("invalid store %q, must be 'sqlite', 'postgres' or 'memory'", c.Store)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.CommitRetries < 0 {
		return fmt.Errorf("invalid commit retries %d", c.CommitRetries)
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// NewLogger returns a JSON slog logger writing to stderr at the configured level.
func (c *Config) NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: c.LogLevel}))
}

func getInt(get func(string, string) string, key string, def int) (int, error) {
	raw := get(key, strconv.Itoa(def))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
