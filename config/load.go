package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/otto/errors"
)

var globalConfig *Config
var viperInstance *viper.Viper

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath())

	v.SetDefault("scheduler.tick_interval_seconds", 5)
	v.SetDefault("scheduler.batch_size", 5)
	v.SetDefault("scheduler.lease_seconds", 120)

	v.SetDefault("outbox.drain_interval_seconds", 10)
	v.SetDefault("outbox.max_attempts", 5)
	v.SetDefault("outbox.base_delay_ms", 1000)
	v.SetDefault("outbox.max_delay_ms", 8000)
	v.SetDefault("outbox.chunk_limit", 4096)

	v.SetDefault("gateway.base_url", "http://127.0.0.1:18789")
	v.SetDefault("gateway.agent", "otto")
	v.SetDefault("gateway.timeout_seconds", 120)
	v.SetDefault("gateway.requests_per_minute", 30)

	v.SetDefault("watchdog.lookback_minutes", 60)
	v.SetDefault("watchdog.threshold", 3)
	v.SetDefault("watchdog.notify", true)

	v.SetDefault("log.json", false)
}

// DefaultDatabasePath returns ~/.otto/otto.db, falling back to the working
// directory when the home directory is unknown
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "otto.db"
	}
	return filepath.Join(home, ".otto", "otto.db")
}

// DefaultConfigPath returns ~/.otto/config.toml
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve home directory")
	}
	return filepath.Join(home, ".otto", "config.toml"), nil
}

// Load reads the configuration, caching the result for later calls
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &config
	return globalConfig, nil
}

// LoadFromFile loads configuration from a specific file path, bypassing the
// cache and environment binding
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}
	return &config, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

// initViper initializes viper with defaults, the user config file, and
// OTTO_-prefixed environment overrides
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix("OTTO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path, err := DefaultConfigPath(); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			v.SetConfigFile(path)
			v.SetConfigType("toml")
			// A present-but-broken config file surfaces on Unmarshal later;
			// a missing file just means pure defaults.
			_ = v.ReadInConfig()
		}
	}

	viperInstance = v
	return v
}
