// Package config centralises runtime configuration helpers for termsync services.
package config

import (
	"os"
	"strings"
	"time"
)

// Environment identifies the runtime environment where termsync operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// TransportSettings configures the terminal-stream websocket endpoint.
type TransportSettings struct {
	URL              string
	HandshakeTimeout time.Duration
	Application      string
}

// PostgresSettings configures the durable history storage.
type PostgresSettings struct {
	DSN           string
	MigrationsDir string
}

// TelemetrySettings configures metric export.
type TelemetrySettings struct {
	Endpoint string
	Interval time.Duration
}

// Settings contains the termsync configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment
	Transport   TransportSettings
	Postgres    PostgresSettings
	Telemetry   TelemetrySettings
}

// Default returns the default termsync configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Transport: TransportSettings{
			URL:              "wss://terminal.quantgate.local/stream",
			HandshakeTimeout: 10 * time.Second,
			Application:      "termsync",
		},
		Postgres: PostgresSettings{
			DSN:           "",
			MigrationsDir: "db/migrations",
		},
		Telemetry: TelemetrySettings{
			Endpoint: "",
			Interval: 30 * time.Second,
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("TERMSYNC_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("TERMSYNC_STREAM_URL")); v != "" {
		cfg.Transport.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("TERMSYNC_STREAM_HANDSHAKE_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Transport.HandshakeTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("TERMSYNC_APPLICATION")); v != "" {
		cfg.Transport.Application = v
	}
	if v := strings.TrimSpace(os.Getenv("TERMSYNC_PG_DSN")); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("TERMSYNC_MIGRATIONS_DIR")); v != "" {
		cfg.Postgres.MigrationsDir = v
	}
	if v := strings.TrimSpace(os.Getenv("TERMSYNC_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("TERMSYNC_OTLP_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Telemetry.Interval = dur
		}
	}
	return cfg
}
