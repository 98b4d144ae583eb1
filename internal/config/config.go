// Package config provides configuration management for the concurrency core.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like SERVER_PORT, LOG_LEVEL)
// 3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Log         LogConfig       `mapstructure:"log"`
	Worker      WorkerConfig    `mapstructure:"worker"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Breaker     BreakerConfig   `mapstructure:"breaker"`
	Pool        PoolConfig      `mapstructure:"pool"`
	Batch       BatchConfig     `mapstructure:"batch"`
	ModelCache  ModelCacheConfig `mapstructure:"model_cache"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	AllowedOrigins        []string `mapstructure:"allowed_origins"`
	AllowCredentials      bool     `mapstructure:"allow_credentials"`
	UnsafeAllowAllOrigins bool     `mapstructure:"unsafe_allow_all_origins"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// WorkerConfig contains task pool sizing.
type WorkerConfig struct {
	GeneralPoolSize int           `mapstructure:"general_pool_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RateLimitConfig contains default sliding-window rate limiter settings.
type RateLimitConfig struct {
	MaxCalls int           `mapstructure:"max_calls"`
	Window   time.Duration `mapstructure:"window"`
}

// BreakerConfig contains default circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// PoolConfig contains default resource pool sizing.
type PoolConfig struct {
	MinSize     int           `mapstructure:"min_size"`
	MaxSize     int           `mapstructure:"max_size"`
	AcquireWait time.Duration `mapstructure:"acquire_wait"`
}

// BatchConfig contains default batch processor sizing.
type BatchConfig struct {
	BatchSize            int `mapstructure:"batch_size"`
	MaxConcurrentBatches int `mapstructure:"max_concurrent_batches"`
}

// ModelCacheConfig selects the resiliency profile applied to
// per-caller model managers (see internal/modelcache).
type ModelCacheConfig struct {
	Profile                   string        `mapstructure:"profile"` // "production", "staging", "development"
	DegradedTimeout           time.Duration `mapstructure:"degraded_timeout"`
	ConsecutiveFailureOpen    int           `mapstructure:"consecutive_failure_open"`
	ConsecutiveFailureDisable int           `mapstructure:"consecutive_failure_disable"`
	CircuitResetTimeout       time.Duration `mapstructure:"circuit_reset_timeout"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/relay-agent")

	// No prefix: uses standard names like SERVER_PORT, LOG_LEVEL.
	// Maps nested config: rate_limit.max_calls -> RATE_LIMIT_MAX_CALLS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	switch c.ModelCache.Profile {
	case "production", "staging", "development":
	default:
		return fmt.Errorf("model_cache.profile must be one of production, staging, development, got %q", c.ModelCache.Profile)
	}
	if c.Pool.MaxSize < c.Pool.MinSize {
		return fmt.Errorf("pool.max_size must be >= pool.min_size")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.allow_credentials", true)
	v.SetDefault("server.unsafe_allow_all_origins", false)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Worker
	v.SetDefault("worker.general_pool_size", 100)
	v.SetDefault("worker.shutdown_timeout", "30s")

	// Rate limiter
	v.SetDefault("rate_limit.max_calls", 60)
	v.SetDefault("rate_limit.window", "1m")

	// Circuit breaker
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "30s")

	// Resource pool
	v.SetDefault("pool.min_size", 0)
	v.SetDefault("pool.max_size", 10)
	v.SetDefault("pool.acquire_wait", "5s")

	// Batch processor
	v.SetDefault("batch.batch_size", 10)
	v.SetDefault("batch.max_concurrent_batches", 4)

	// Model cache / resilient factory
	v.SetDefault("model_cache.profile", "production")
	v.SetDefault("model_cache.degraded_timeout", "5s")
	v.SetDefault("model_cache.consecutive_failure_open", 3)
	v.SetDefault("model_cache.consecutive_failure_disable", 10)
	v.SetDefault("model_cache.circuit_reset_timeout", "60s")
}
