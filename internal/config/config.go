// Package config loads the pgbus runtime configuration from the environment.
//
// The loading sequence is:
//  1. Load .env file via godotenv (non-fatal if absent).
//  2. Use envconfig to process struct tags and populate the Config struct.
//  3. Derive a backend id from the hostname if none was supplied.
//  4. Validate the struct using go-playground/validator.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"pgbus/internal/types"
)

// Config is the full pgbus configuration, populated from environment
// variables (optionally seeded from a .env file).
type Config struct {
	Postgres PostgresConfig
	Pool     PoolConfig
	Listener ListenerConfig

	// BackendID is the tenant tag stamped onto new and modified records
	// when the caller does not supply one explicitly. Defaults to the
	// process hostname when unset.
	BackendID string `envconfig:"BACKEND_ID"`

	// TolerantSessions downgrades "session factory not initialized" from
	// an error to a logged no-op session. Off by default: failing fast is
	// almost always what callers want outside of best-effort logging paths.
	TolerantSessions bool `envconfig:"TOLERANT_SESSIONS" default:"false"`

	// AddBackendToTables suffixes table names with the backend id so that
	// multiple backends can share one database without colliding.
	AddBackendToTables bool `envconfig:"ADD_BACKEND_TO_TABLES" default:"false"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// Port serves the ops endpoint (/healthz, /status) in cmd/pgbusd.
	Port int `envconfig:"PORT" default:"8080" validate:"min=1,max=65535"`
}

// PostgresConfig holds the connection parameters for the default database.
type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432" validate:"min=1,max=65535"`
	Database string `envconfig:"POSTGRES_DB"`
	User     string `envconfig:"POSTGRES_USER"`
	Password string `envconfig:"POSTGRES_PASSWORD"`
}

// PoolConfig carries the pool-tuning defaults applied by the registry when
// the caller does not override them per registration.
type PoolConfig struct {
	// Size is the base number of pooled connections.
	Size int `envconfig:"DB_POOL_SIZE" default:"5" validate:"min=1"`

	// MaxOverflow is the number of connections allowed beyond Size under load.
	MaxOverflow int `envconfig:"DB_MAX_OVERFLOW" default:"10" validate:"min=0"`

	// ConnRecycle is the maximum age of a pooled connection before it is
	// closed and replaced. Guards against server-side idle timeouts.
	ConnRecycle time.Duration `envconfig:"DB_CONN_RECYCLE" default:"1h"`

	// PrePing checks connection liveness before handing it to a caller.
	PrePing bool `envconfig:"DB_PRE_PING" default:"true"`
}

// ListenerConfig tunes the notification dispatcher.
type ListenerConfig struct {
	// PollInterval bounds how long the listener blocks waiting for a raw
	// notification before waking to notice Stop and newly-added channels.
	PollInterval time.Duration `envconfig:"LISTEN_POLL_INTERVAL" default:"1s"`
}

// ConnInfo builds a types.ConnInfo for the configured default database.
func (c *Config) ConnInfo() types.ConnInfo {
	return types.ConnInfo{
		Host:     c.Postgres.Host,
		Port:     c.Postgres.Port,
		Database: c.Postgres.Database,
		User:     c.Postgres.User,
		Password: c.Postgres.Password,
	}
}

// Load populates and validates the configuration.
//
// A .env file in the working directory is loaded first when present; it
// never overrides variables already set in the environment.
func Load() (*Config, error) {
	// Non-fatal if absent.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to process environment: %w", err)
	}

	if cfg.BackendID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		cfg.BackendID = host
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}
