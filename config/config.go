// Package config loads package-cache settings from an optional config file
// and PACKAGE_CACHE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// PACKAGE_CACHE_MINIMAL_MEMORY=true or PACKAGE_CACHE_LOG_LEVEL=debug.
const EnvPrefix = "PACKAGE_CACHE"

// Config is the complete runtime configuration.
type Config struct {
	// CacheDir overrides the cache root. Empty selects the user or system
	// folder.
	CacheDir    string `mapstructure:"cache_dir"`
	SystemCache bool   `mapstructure:"system_cache"`

	// Registries are tried in order before the defaults.
	Registries              []string `mapstructure:"registries"`
	IgnoreDefaultRegistries bool     `mapstructure:"ignore_default_registries"`

	// MinimalMemory selects lazy materialization.
	MinimalMemory bool `mapstructure:"minimal_memory"`

	// Timeout bounds each registry request.
	Timeout time.Duration `mapstructure:"timeout"`

	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File, when set, receives logs through a size-rotated writer.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig configures metrics export.
type MetricsConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	// PrometheusAddr, when set, serves /metrics on this address.
	PrometheusAddr string `mapstructure:"prometheus_addr"`
}

// Load reads the config file at path, if any, applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache_dir", "")
	v.SetDefault("system_cache", false)
	v.SetDefault("registries", []string{})
	v.SetDefault("ignore_default_registries", false)
	v.SetDefault("minimal_memory", false)
	v.SetDefault("timeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", true)
	v.SetDefault("metrics.otlp_endpoint", "")
	v.SetDefault("metrics.prometheus_addr", "")
}

// Validate checks field values that decoding cannot.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", c.Timeout))
	}
	if c.CacheDir != "" && c.SystemCache {
		errs = append(errs, errors.New("cache_dir and system_cache are mutually exclusive"))
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
