// Package config loads server configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr       string `env:"ADDR" envDefault:":3001"`
	CORSOrigin string `env:"CORS_ORIGIN" envDefault:"*"`

	// Storage
	DatabaseURL string `env:"DATABASE_URL" envDefault:"slowplay.db"`

	// Auth (empty issuer means guest-only mode)
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" envDefault:""`

	// Capacity
	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"5000"`

	// Rate limiting
	MessageRateLimit   int           `env:"MESSAGE_RATE_LIMIT" envDefault:"10"`
	MessageRateWindow  time.Duration `env:"MESSAGE_RATE_WINDOW" envDefault:"60s"`
	HandshakeRateLimit int           `env:"HANDSHAKE_RATE_LIMIT" envDefault:"10"`
	HandshakeRateTTL   time.Duration `env:"HANDSHAKE_RATE_TTL" envDefault:"15m"`

	// Lifecycle sweeps
	RoomStayMax        time.Duration `env:"ROOM_STAY_MAX" envDefault:"4h"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	PurgeInterval      time.Duration `env:"PURGE_INTERVAL" envDefault:"24h"`
	PurgeStaleAfterDay int           `env:"PURGE_STALE_AFTER_DAYS" envDefault:"7"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and the
// environment. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("ADDR is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MessageRateLimit < 1 {
		return fmt.Errorf("MESSAGE_RATE_LIMIT must be > 0, got %d", c.MessageRateLimit)
	}
	if c.MessageRateWindow <= 0 {
		return fmt.Errorf("MESSAGE_RATE_WINDOW must be positive, got %s", c.MessageRateWindow)
	}
	if c.HandshakeRateLimit < 1 {
		return fmt.Errorf("HANDSHAKE_RATE_LIMIT must be > 0, got %d", c.HandshakeRateLimit)
	}
	if c.PurgeStaleAfterDay < 1 {
		return fmt.Errorf("PURGE_STALE_AFTER_DAYS must be > 0, got %d", c.PurgeStaleAfterDay)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the loaded configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("cors_origin", c.CORSOrigin).
		Str("database_url", c.DatabaseURL).
		Bool("auth_enabled", c.AuthIssuerURL != "").
		Int("max_connections", c.MaxConnections).
		Int("message_rate_limit", c.MessageRateLimit).
		Dur("message_rate_window", c.MessageRateWindow).
		Int("handshake_rate_limit", c.HandshakeRateLimit).
		Dur("room_stay_max", c.RoomStayMax).
		Dur("sweep_interval", c.SweepInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("server configuration loaded")
}
