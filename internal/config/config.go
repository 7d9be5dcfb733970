// Package config loads orchkit's configuration from defaults, an optional
// YAML file, and environment variables, in that order of precedence,
// following the layered approach the rest of the ambient stack uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	orchkiterrors "github.com/tombee/orchkit/pkg/errors"
)

// Config is the root configuration structure for an orchkit daemon or CLI
// invocation.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Parallel   ParallelConfig   `mapstructure:"parallel"`
	OutputCache OutputCacheConfig `mapstructure:"output_cache"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Sentry     SentryConfig     `mapstructure:"sentry"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	AddSource bool   `mapstructure:"add_source"`
}

// BackendConfig selects and configures the durable state backend.
type BackendConfig struct {
	// Type is "memory" or "sqlite".
	Type   string       `mapstructure:"type"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
	WAL  bool   `mapstructure:"wal"`
}

// QuotaConfig configures the per-user execution quota service.
type QuotaConfig struct {
	RatePerMinute float64 `mapstructure:"rate_per_minute"`
	Burst         int     `mapstructure:"burst"`
}

// ExecutorConfig configures the per-plugin circuit breakers the step
// executor opens lazily.
type ExecutorConfig struct {
	CircuitBreakerMaxFailures int   `mapstructure:"circuit_breaker_max_failures"`
	CircuitBreakerResetMs     int64 `mapstructure:"circuit_breaker_reset_ms"`
}

// ParallelConfig bounds fan-out concurrency for scatter/gather groups.
type ParallelConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	GroupTimeout   time.Duration `mapstructure:"group_timeout"`
}

// OutputCacheConfig selects and configures the step-output cache consulted
// during partial resume.
type OutputCacheConfig struct {
	// Type is "none" or "redis".
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the Redis-backed output cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// HTTPConfig configures the orchkit daemon's HTTP API.
type HTTPConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	JWTSigningKey string       `mapstructure:"jwt_signing_key"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// SentryConfig configures best-effort error reporting.
type SentryConfig struct {
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// Default returns a Config with sensible defaults for local development:
// an in-memory backend, no output cache, no tracing or error reporting.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Backend: BackendConfig{
			Type: "memory",
			SQLite: SQLiteConfig{
				Path: defaultDataPath("orchkit.db"),
				WAL:  true,
			},
		},
		Quota: QuotaConfig{
			RatePerMinute: 0, // unlimited by default
			Burst:         1,
		},
		Executor: ExecutorConfig{
			CircuitBreakerMaxFailures: 5,
			CircuitBreakerResetMs:     30_000,
		},
		Parallel: ParallelConfig{
			MaxConcurrency: 10,
			GroupTimeout:   5 * time.Minute,
		},
		OutputCache: OutputCacheConfig{
			Type: "none",
			Redis: RedisConfig{
				Addr: "localhost:6379",
				DB:   0,
				TTL:  24 * time.Hour,
			},
		},
		HTTP: HTTPConfig{
			ListenAddr:   ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "orchkit",
			ServiceVersion: "dev",
			SampleRatio:    1.0,
		},
		Sentry: SentryConfig{
			SampleRate: 1.0,
		},
	}
}

// Load reads configuration from, in ascending order of precedence: built-in
// defaults, the YAML file at configPath (if non-empty and present), and
// ORCHKIT_*-prefixed environment variables. An empty configPath skips the
// file layer without error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("ORCHKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, &orchkiterrors.ConfigError{Key: "config_file", Reason: fmt.Sprintf("failed to read %s", configPath), Cause: err}
			}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, &orchkiterrors.ConfigError{Key: "unmarshal", Reason: "failed to decode configuration", Cause: err}
	}

	if err := Validate(cfg); err != nil {
		return nil, &orchkiterrors.ConfigError{Key: "validation", Reason: "configuration validation failed", Cause: err}
	}

	return cfg, nil
}

// setDefaults seeds v with every field of d, keyed to match the
// mapstructure tags above. Keeping this in one place means Load and any
// future file-less caller (tests, one-off tools) see identical defaults.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.add_source", d.Log.AddSource)

	v.SetDefault("backend.type", d.Backend.Type)
	v.SetDefault("backend.sqlite.path", d.Backend.SQLite.Path)
	v.SetDefault("backend.sqlite.wal", d.Backend.SQLite.WAL)

	v.SetDefault("quota.rate_per_minute", d.Quota.RatePerMinute)
	v.SetDefault("quota.burst", d.Quota.Burst)

	v.SetDefault("executor.circuit_breaker_max_failures", d.Executor.CircuitBreakerMaxFailures)
	v.SetDefault("executor.circuit_breaker_reset_ms", d.Executor.CircuitBreakerResetMs)

	v.SetDefault("parallel.max_concurrency", d.Parallel.MaxConcurrency)
	v.SetDefault("parallel.group_timeout", d.Parallel.GroupTimeout)

	v.SetDefault("output_cache.type", d.OutputCache.Type)
	v.SetDefault("output_cache.redis.addr", d.OutputCache.Redis.Addr)
	v.SetDefault("output_cache.redis.password", d.OutputCache.Redis.Password)
	v.SetDefault("output_cache.redis.db", d.OutputCache.Redis.DB)
	v.SetDefault("output_cache.redis.ttl", d.OutputCache.Redis.TTL)

	v.SetDefault("http.listen_addr", d.HTTP.ListenAddr)
	v.SetDefault("http.jwt_signing_key", d.HTTP.JWTSigningKey)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.service_version", d.Tracing.ServiceVersion)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)

	v.SetDefault("sentry.dsn", d.Sentry.DSN)
	v.SetDefault("sentry.environment", d.Sentry.Environment)
	v.SetDefault("sentry.sample_rate", d.Sentry.SampleRate)
}

// Validate checks that cfg is internally consistent, returning every
// problem found rather than failing on the first.
func Validate(cfg *Config) error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", cfg.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", cfg.Log.Format))
	}

	switch cfg.Backend.Type {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("backend.type must be one of [memory, sqlite], got %q", cfg.Backend.Type))
	}
	if cfg.Backend.Type == "sqlite" && cfg.Backend.SQLite.Path == "" {
		errs = append(errs, "backend.sqlite.path is required when backend.type is sqlite")
	}

	if cfg.Quota.RatePerMinute < 0 {
		errs = append(errs, "quota.rate_per_minute must be non-negative")
	}
	if cfg.Quota.Burst < 0 {
		errs = append(errs, "quota.burst must be non-negative")
	}

	if cfg.Executor.CircuitBreakerMaxFailures <= 0 {
		errs = append(errs, "executor.circuit_breaker_max_failures must be positive")
	}
	if cfg.Executor.CircuitBreakerResetMs <= 0 {
		errs = append(errs, "executor.circuit_breaker_reset_ms must be positive")
	}

	if cfg.Parallel.MaxConcurrency <= 0 {
		errs = append(errs, "parallel.max_concurrency must be positive")
	}

	switch cfg.OutputCache.Type {
	case "none", "redis":
	default:
		errs = append(errs, fmt.Sprintf("output_cache.type must be one of [none, redis], got %q", cfg.OutputCache.Type))
	}
	if cfg.OutputCache.Type == "redis" && cfg.OutputCache.Redis.Addr == "" {
		errs = append(errs, "output_cache.redis.addr is required when output_cache.type is redis")
	}

	if cfg.HTTP.ListenAddr == "" {
		errs = append(errs, "http.listen_addr must not be empty")
	}

	if cfg.Tracing.Enabled {
		if cfg.Tracing.OTLPEndpoint == "" {
			errs = append(errs, "tracing.otlp_endpoint is required when tracing.enabled is true")
		}
		if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
			errs = append(errs, fmt.Sprintf("tracing.sample_ratio must be between 0.0 and 1.0, got %f", cfg.Tracing.SampleRatio))
		}
	}

	if cfg.Sentry.SampleRate < 0 || cfg.Sentry.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("sentry.sample_rate must be between 0.0 and 1.0, got %f", cfg.Sentry.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", orchkiterrors.ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// defaultDataPath joins name under XDG_DATA_HOME (or ~/.orchkit/data as a
// fallback) so a bare `backend.type: sqlite` config works without also
// specifying a path.
func defaultDataPath(name string) string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "orchkit", name)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "orchkit-data", name)
	}
	return filepath.Join(home, ".orchkit", "data", name)
}
