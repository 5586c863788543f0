// Package config loads fhirengine settings from defaults, an optional
// YAML file, FHIRENGINE_* environment variables and command flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/roach88/fhirengine/internal/store"
	"github.com/roach88/fhirengine/internal/syncer"
)

// EnvPrefix prefixes environment overrides: FHIRENGINE_SYNC_TIMEOUT sets
// sync.timeout.
const EnvPrefix = "FHIRENGINE"

type Config struct {
	DB        string       `mapstructure:"db"`
	RemoteURL string       `mapstructure:"remote_url"`
	Workers   int          `mapstructure:"workers"`
	Sync      SyncConfig   `mapstructure:"sync"`
	Remote    RemoteConfig `mapstructure:"remote"`
	Eval      EvalConfig   `mapstructure:"eval"`
	Log       LogConfig    `mapstructure:"log"`
}

type SyncConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	BatchSize      int           `mapstructure:"batch_size"`
	Schedule       string        `mapstructure:"schedule"`
	UploadPolicy   string        `mapstructure:"upload_policy"`
	DownloadPolicy string        `mapstructure:"download_policy"`
	Squash         bool          `mapstructure:"squash"`
}

type RemoteConfig struct {
	RateLimit float64 `mapstructure:"rate_limit"`
	PageSize  int     `mapstructure:"page_size"`
}

type EvalConfig struct {
	CacheSize int `mapstructure:"cache_size"`

	// ReferenceTime is the RFC 3339 instant evaluations treat as now.
	// Empty means the engine default.
	ReferenceTime string `mapstructure:"reference_time"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance with defaults and environment binding in
// place. Callers bind flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("db", "fhirengine.db")
	v.SetDefault("remote_url", "")
	v.SetDefault("workers", 4)
	v.SetDefault("sync.timeout", syncer.DefaultTimeout)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.initial_backoff", 200*time.Millisecond)
	v.SetDefault("sync.max_backoff", 10*time.Second)
	v.SetDefault("sync.batch_size", syncer.DefaultBatchSize)
	v.SetDefault("sync.schedule", "")
	v.SetDefault("sync.upload_policy", string(syncer.FailOnConflict))
	v.SetDefault("sync.download_policy", string(store.LocalWins))
	v.SetDefault("sync.squash", true)
	v.SetDefault("remote.rate_limit", 10.0)
	v.SetDefault("remote.page_size", 100)
	v.SetDefault("eval.cache_size", 512)
	v.SetDefault("eval.reference_time", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	return v
}

// Load reads file into v when file is non-empty and decodes the result.
// A named file that cannot be read is an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.DB == "" {
		add("db must be set")
	}
	if c.Workers < 1 {
		add("workers must be positive, got %d", c.Workers)
	}

	if c.Sync.Timeout <= 0 {
		add("sync.timeout must be positive, got %s", c.Sync.Timeout)
	}
	if c.Sync.MaxRetries < 0 {
		add("sync.max_retries must not be negative, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.InitialBackoff < 0 || c.Sync.MaxBackoff < c.Sync.InitialBackoff {
		add("sync backoff must satisfy 0 <= initial_backoff <= max_backoff, got %s and %s",
			c.Sync.InitialBackoff, c.Sync.MaxBackoff)
	}
	if c.Sync.BatchSize < 1 {
		add("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.Schedule != "" {
		if _, err := syncer.ParseSchedule(c.Sync.Schedule); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := syncer.ParseUploadPolicy(c.Sync.UploadPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := store.ParseConflictPolicy(c.Sync.DownloadPolicy); err != nil {
		errs = append(errs, err)
	}

	if c.Remote.RateLimit < 0 {
		add("remote.rate_limit must not be negative, got %g", c.Remote.RateLimit)
	}
	if c.Remote.PageSize < 0 {
		add("remote.page_size must not be negative, got %d", c.Remote.PageSize)
	}

	if c.Eval.CacheSize < 1 {
		add("eval.cache_size must be positive, got %d", c.Eval.CacheSize)
	}
	if _, err := c.ReferenceTime(); err != nil {
		errs = append(errs, err)
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil || c.Log.Level == "" {
		add("log.level %q is not a zerolog level", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format must be \"json\" or \"console\", got %q", c.Log.Format)
	}

	return errors.Join(errs...)
}

// ReferenceTime parses eval.reference_time. The zero time means unset.
func (c *Config) ReferenceTime() (time.Time, error) {
	if c.Eval.ReferenceTime == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, c.Eval.ReferenceTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("eval.reference_time: %w", err)
	}
	return t.UTC(), nil
}

// Retry returns the sync retry policy.
func (c *Config) Retry() syncer.RetryPolicy {
	return syncer.RetryPolicy{
		MaxRetries: c.Sync.MaxRetries,
		Initial:    c.Sync.InitialBackoff,
		Max:        c.Sync.MaxBackoff,
		Multiplier: 2,
	}
}
