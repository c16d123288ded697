// Package config loads hoist configuration with viper and decodes it into
// typed structs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	validator "github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/hoistup/hoist/internal/core"
	"github.com/hoistup/hoist/internal/provider"
)

const (
	// AppName names the XDG config and data directories.
	AppName = "hoist"
	// EnvPrefix prefixes environment overrides, e.g. HOIST_LEDGER_DRIVER.
	EnvPrefix = "HOIST"

	DriverFile  = "file"
	DriverBolt  = "bolt"
	DriverSQL   = "sql"
	DriverRedis = "redis"
)

// KnownProviders get default keys so that environment overrides such as
// HOIST_PROVIDERS_IMGCHEST_TOKEN bind without a config file.
var KnownProviders = []string{"sxcu", "imgchest", "catbox"}

// Setup points v at the config file (explicit or discovered), enables
// environment overrides and applies defaults. It returns the file used, if
// any.
func Setup(v *viper.Viper, configFile string) (string, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		if dir := gfconfig.GetAppConfigDir(AppName); dir != "" {
			v.AddConfigPath(dir)
		} else if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, "."+AppName))
		}
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return "", nil
		}
		if configFile == "" && errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

// SetDefaults registers every known key with its default.
func SetDefaults(v *viper.Viper) {
	dataDir := DefaultDataDir()

	v.SetDefault("ledger.driver", DriverFile)
	v.SetDefault("ledger.path", "")
	v.SetDefault("ledger.url", "")
	v.SetDefault("ledger.auth_token", "")
	v.SetDefault("ledger.redis_key", "")
	v.SetDefault("ledger.lock_path", filepath.Join(dataDir, "ledger.lock"))
	v.SetDefault("ledger.lock_stale", "10s")
	v.SetDefault("ledger.lock_timeout", "10s")
	v.SetDefault("ledger.lock_poll", "100ms")

	v.SetDefault("session.enabled", true)
	v.SetDefault("session.lock_path", filepath.Join(dataDir, "session.lock"))
	v.SetDefault("session.timeout", "0s")
	v.SetDefault("session.stale", "0s")
	v.SetDefault("session.heartbeat", "0s")

	v.SetDefault("backoff.base", "1s")
	v.SetDefault("backoff.max", "60s")
	v.SetDefault("backoff.jitter", "500ms")

	v.SetDefault("gate.buffer", "250ms")
	v.SetDefault("gate.max_waits", 5)

	for _, name := range KnownProviders {
		prefix := "providers." + name + "."
		v.SetDefault(prefix+"base_url", "")
		v.SetDefault(prefix+"token", "")
		v.SetDefault(prefix+"userhash", "")
		v.SetDefault(prefix+"timeout", "5m")
		v.SetDefault(prefix+"max_retries", 0)
		v.SetDefault(prefix+"chunk_size", 0)
		v.SetDefault(prefix+"max_bytes", 0)
		v.SetDefault(prefix+"requests_per_window", 0)
		v.SetDefault(prefix+"window", "0s")
	}

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "10m")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_upload_bytes", 256<<20)
	v.SetDefault("server.requests_per_second", 2.0)
	v.SetDefault("server.burst", 4)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)
}

// Decode converts v's merged settings into a Config and fills derived
// defaults.
func Decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Load builds a private viper instance and decodes it. Commands share the
// global viper instead so flags can bind to it.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	if _, err := Setup(v, configFile); err != nil {
		return nil, err
	}
	return Decode(v)
}

func (c *Config) normalize() error {
	c.Ledger.Driver = strings.ToLower(strings.TrimSpace(c.Ledger.Driver))
	switch c.Ledger.Driver {
	case "", DriverFile:
		c.Ledger.Driver = DriverFile
	case DriverBolt:
	case DriverSQL, "libsql":
		c.Ledger.Driver = DriverSQL
	case DriverRedis:
		if strings.TrimSpace(c.Ledger.URL) == "" {
			return errors.New("ledger.url is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q (use file, bolt, sql or redis)", c.Ledger.Driver)
	}

	if c.Ledger.Driver != DriverRedis && strings.TrimSpace(c.Ledger.Path) == "" && strings.TrimSpace(c.Ledger.URL) == "" {
		c.Ledger.Path = DefaultLedgerPath(c.Ledger.Driver)
	}
	if strings.TrimSpace(c.Ledger.LockPath) == "" {
		c.Ledger.LockPath = filepath.Join(DefaultDataDir(), "ledger.lock")
	}
	if strings.TrimSpace(c.Session.LockPath) == "" {
		c.Session.LockPath = filepath.Join(DefaultDataDir(), "session.lock")
	}
	if filepath.Clean(c.Session.LockPath) == filepath.Clean(c.Ledger.LockPath) {
		return errors.New("session.lock_path and ledger.lock_path must differ")
	}

	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	return nil
}

// ProviderSettings returns the client settings for name.
func (c *Config) ProviderSettings(name string) provider.Settings {
	pc := c.Providers[strings.ToLower(strings.TrimSpace(name))]
	return provider.Settings{
		BaseURL:    pc.BaseURL,
		Token:      pc.Token,
		UserHash:   pc.UserHash,
		Timeout:    pc.Timeout,
		MaxRetries: pc.MaxRetries,
		ChunkSize:  pc.ChunkSize,
		MaxBytes:   pc.MaxBytes,
		UserAgent:  provider.DefaultUserAgent,
	}
}

// RateLimits merges provider default quotas with configured overrides.
func (c *Config) RateLimits(profiles map[string]provider.Profile) map[string]core.RateLimit {
	out := make(map[string]core.RateLimit, len(profiles))
	for name, profile := range profiles {
		limit := profile.DefaultLimit
		if pc, ok := c.Providers[name]; ok {
			if pc.RequestsPerWindow > 0 {
				limit.RequestsPerWindow = pc.RequestsPerWindow
			}
			if pc.Window > 0 {
				limit.WindowDuration = pc.Window
			}
		}
		if limit.RequestsPerWindow <= 0 || limit.WindowDuration <= 0 {
			continue
		}
		out[name] = limit
	}
	return out
}

// DefaultDataDir returns the XDG data directory for hoist.
func DefaultDataDir() string {
	if dir := gfconfig.GetAppDataDir(AppName); strings.TrimSpace(dir) != "" {
		return dir
	}
	return "."
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	dir := gfconfig.GetAppConfigDir(AppName)
	if strings.TrimSpace(dir) == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// DefaultLedgerPath returns the ledger location for a driver.
func DefaultLedgerPath(driver string) string {
	name := "ledger.json"
	switch driver {
	case DriverBolt:
		name = "ledger.bolt"
	case DriverSQL:
		name = AppName + ".db"
	}
	return filepath.Join(DefaultDataDir(), name)
}

// DefaultLockTimeout is used when ledger.lock_timeout is zero.
const DefaultLockTimeout = 10 * time.Second
