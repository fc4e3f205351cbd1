package internal

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration, read from COMPANION_* environment variables.
type Config struct {
	// Session code to join at startup. If empty, the last persisted session is resumed, if any.
	SessionCode string `env:"COMPANION_SESSION_CODE"`
	// Stable local client id. Generated and persisted with the session when empty.
	ClientID string `env:"COMPANION_CLIENT_ID"`
	// The local user; only actors owned by this user are synchronised.
	UserID string `env:"COMPANION_USER_ID" envDefault:"gm"`
	// The GM owns every character.
	UserIsGM bool `env:"COMPANION_USER_IS_GM" envDefault:"true"`

	DBDriver string `env:"COMPANION_DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"COMPANION_DB" envDefault:"companion.db"`

	BindAddr         string `env:"COMPANION_BIND_ADDR" envDefault:":8009"`
	EnablePrometheus bool   `env:"COMPANION_PROM"`
	SentryDSN        string `env:"COMPANION_SENTRY_DSN"`
	OTLPURL          string `env:"COMPANION_OTLP_URL"`
	OTLPUser         string `env:"COMPANION_OTLP_USERNAME"`
	OTLPPass         string `env:"COMPANION_OTLP_PASSWORD"`
	LogLevel         string `env:"COMPANION_LOG_LEVEL" envDefault:"info"`

	HeartbeatInterval    time.Duration `env:"COMPANION_HEARTBEAT_INTERVAL" envDefault:"15s"`
	MaxReconnectAttempts int           `env:"COMPANION_MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectBaseDelay   time.Duration `env:"COMPANION_RECONNECT_BASE_DELAY" envDefault:"1s"`
	ActionTimeout        time.Duration `env:"COMPANION_ACTION_TIMEOUT" envDefault:"5s"`
	SessionTTL           time.Duration `env:"COMPANION_SESSION_TTL" envDefault:"24h"`
	ActionWorkers        int           `env:"COMPANION_ACTION_WORKERS" envDefault:"8"`

	// Region tag => relay websocket URL, e.g. NYC=wss://relay.example/ws
	RelayEndpoints map[string]string `env:"COMPANION_RELAY_ENDPOINTS" envSeparator:"," envKeyValSeparator:"="`
	// JSON file describing players and actors for the bundled host adapter.
	HostDataFile string `env:"COMPANION_HOST_DATA" envDefault:"world.json"`
}

// ParseConfig loads configuration from environment variables.
func ParseConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values which env parsing cannot.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("COMPANION_DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("COMPANION_HEARTBEAT_INTERVAL must be positive")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("COMPANION_MAX_RECONNECT_ATTEMPTS must not be negative")
	}
	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("COMPANION_RECONNECT_BASE_DELAY must be positive")
	}
	if c.ActionWorkers <= 0 {
		return fmt.Errorf("COMPANION_ACTION_WORKERS must be positive")
	}
	return nil
}
