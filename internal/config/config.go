package config

import (
	"time"
)

// Config is the complete hoist configuration. It is layered by viper from
// defaults, the config file and HOIST_* environment variables.
type Config struct {
	Ledger    LedgerConfig              `mapstructure:"ledger"`
	Session   SessionConfig             `mapstructure:"session"`
	Backoff   BackoffConfig             `mapstructure:"backoff"`
	Gate      GateConfig                `mapstructure:"gate"`
	Providers map[string]ProviderConfig `mapstructure:"providers" validate:"dive"`
	Server    ServerConfig              `mapstructure:"server"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Metrics   MetricsConfig             `mapstructure:"metrics"`
	Health    HealthConfig              `mapstructure:"health"`
}

// LedgerConfig selects where rate-limit state lives and how the ledger lock
// behaves.
type LedgerConfig struct {
	// Driver is one of file, bolt, sql, redis.
	Driver    string `mapstructure:"driver" validate:"oneof=file bolt sql redis"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
	// RedisKey names the key holding the ledger document.
	RedisKey  string `mapstructure:"redis_key"`

	LockPath    string        `mapstructure:"lock_path"`
	LockStale   time.Duration `mapstructure:"lock_stale" validate:"gte=0"`
	LockTimeout time.Duration `mapstructure:"lock_timeout" validate:"gte=0"`
	LockPoll    time.Duration `mapstructure:"lock_poll" validate:"gte=0"`
}

// SessionConfig controls the whole-upload session lock.
type SessionConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	LockPath  string        `mapstructure:"lock_path"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Stale     time.Duration `mapstructure:"stale"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

// BackoffConfig is the retry delay policy.
type BackoffConfig struct {
	Base   time.Duration `mapstructure:"base" validate:"gte=0"`
	Max    time.Duration `mapstructure:"max" validate:"gte=0"`
	Jitter time.Duration `mapstructure:"jitter" validate:"gte=0"`
}

// GateConfig tunes quota checks.
type GateConfig struct {
	Buffer   time.Duration `mapstructure:"buffer"`
	MaxWaits int           `mapstructure:"max_waits" validate:"gte=0"`
}

// ProviderConfig holds per-provider credentials and overrides. Zero values
// keep the provider's built-in defaults.
type ProviderConfig struct {
	BaseURL    string        `mapstructure:"base_url" validate:"omitempty,url"`
	Token      string        `mapstructure:"token"`
	UserHash   string        `mapstructure:"userhash"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0"`
	ChunkSize  int           `mapstructure:"chunk_size" validate:"gte=0"`
	MaxBytes   int64         `mapstructure:"max_bytes" validate:"gte=0"`

	// RequestsPerWindow and Window override the default provider-wide quota.
	RequestsPerWindow int           `mapstructure:"requests_per_window" validate:"gte=0"`
	Window            time.Duration `mapstructure:"window"`
}

// ServerConfig contains HTTP proxy configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxUploadBytes bounds a multipart request body.
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes" validate:"gte=0"`
	// RequestsPerSecond and Burst pace inbound upload requests.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" validate:"gte=0"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: simple, structured
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}
