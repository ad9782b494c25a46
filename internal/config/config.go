// Package config provides configuration management for the voicecore
// control plane. Configuration is loaded from a YAML file with environment
// variable overrides for store credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the control plane subsystems.
type Config struct {
	// Server settings (thin wiring layer only).
	HTTPPort        int      `yaml:"httpPort"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`

	// Observability.
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
	LogOutput string `yaml:"logOutput"`

	Store      StoreConfig      `yaml:"store"`
	Registry   RegistryConfig   `yaml:"registry"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit"`
	Connection ConnectionConfig `yaml:"connection"`
	Health     HealthConfig     `yaml:"health"`
}

// StoreConfig holds key-value store settings.
type StoreConfig struct {
	// Type selects the backend: "redis" or "memory".
	Type     string   `yaml:"type"`
	Address  string   `yaml:"address"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
	PoolSize int      `yaml:"poolSize"`
	Timeout  Duration `yaml:"timeout"`
}

// RegistryConfig holds service registry settings.
type RegistryConfig struct {
	ProbeInterval Duration `yaml:"probeInterval"`
	ProbeTimeout  Duration `yaml:"probeTimeout"`
}

// BreakerConfig holds circuit breaker defaults.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failureThreshold"`
	RecoveryTimeout  Duration `yaml:"recoveryTimeout"`
	HalfOpenMax      int      `yaml:"halfOpenMax"`
	CallTimeout      Duration `yaml:"callTimeout"`
}

// RateLimitConfig holds rate limiter settings.
type RateLimitConfig struct {
	MaxRequests     int      `yaml:"maxRequests"`
	Window          Duration `yaml:"window"`
	CleanupInterval Duration `yaml:"cleanupInterval"`
	StatsMaxAge     Duration `yaml:"statsMaxAge"`
}

// ConnectionConfig holds connection manager settings.
type ConnectionConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
	SweepInterval     Duration `yaml:"sweepInterval"`
	IdleTimeout       Duration `yaml:"idleTimeout"`
}

// HealthConfig holds health aggregator settings.
type HealthConfig struct {
	SampleInterval    Duration `yaml:"sampleInterval"`
	ResourceThreshold float64  `yaml:"resourceThreshold"`
	DependencyTimeout Duration `yaml:"dependencyTimeout"`
	// Dependencies maps a dependency name to a health URL probed by the
	// aggregator.
	Dependencies map[string]string `yaml:"dependencies"`
}

// Default values applied by Validate.
const (
	DefaultHTTPPort          = 8080
	DefaultProbeInterval     = 30 * time.Second
	DefaultProbeTimeout      = 5 * time.Second
	DefaultFailureThreshold  = 5
	DefaultRecoveryTimeout   = 60 * time.Second
	DefaultHalfOpenMax       = 1
	DefaultCallTimeout       = 30 * time.Second
	DefaultMaxRequests       = 100
	DefaultWindow            = time.Minute
	DefaultCleanupInterval   = 5 * time.Minute
	DefaultStatsMaxAge       = time.Hour
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSweepInterval     = time.Minute
	DefaultIdleTimeout       = 5 * time.Minute
	DefaultSampleInterval    = 30 * time.Second
	DefaultResourceThreshold = 90.0
	DefaultDependencyTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultStoreTimeout      = 3 * time.Second
)

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Validate()
	return cfg
}

// Load reads configuration from a YAML file, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variables over file values.
// Store credentials come from the environment in deployed setups.
func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("VOICECORE_STORE_ADDRESS"); addr != "" {
		c.Store.Address = addr
	}
	if password := os.Getenv("VOICECORE_STORE_PASSWORD"); password != "" {
		c.Store.Password = password
	}
	if level := os.Getenv("VOICECORE_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}

// Validate checks the configuration and fills in defaults for zero values.
func (c *Config) Validate() error {
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port: %d", c.HTTPPort)
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = DefaultHTTPPort
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}

	switch c.Store.Type {
	case "", "memory":
		c.Store.Type = "memory"
	case "redis":
		if c.Store.Address == "" {
			c.Store.Address = "localhost:6379"
		}
	default:
		return fmt.Errorf("unknown store type: %q", c.Store.Type)
	}
	if c.Store.Prefix == "" {
		c.Store.Prefix = "voicecore:"
	}
	if c.Store.PoolSize <= 0 {
		c.Store.PoolSize = 10
	}
	if c.Store.Timeout <= 0 {
		c.Store.Timeout = Duration(DefaultStoreTimeout)
	}

	if c.Registry.ProbeInterval <= 0 {
		c.Registry.ProbeInterval = Duration(DefaultProbeInterval)
	}
	if c.Registry.ProbeTimeout <= 0 {
		c.Registry.ProbeTimeout = Duration(DefaultProbeTimeout)
	}

	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		c.Breaker.RecoveryTimeout = Duration(DefaultRecoveryTimeout)
	}
	if c.Breaker.HalfOpenMax <= 0 {
		c.Breaker.HalfOpenMax = DefaultHalfOpenMax
	}
	if c.Breaker.CallTimeout <= 0 {
		c.Breaker.CallTimeout = Duration(DefaultCallTimeout)
	}

	if c.RateLimit.MaxRequests <= 0 {
		c.RateLimit.MaxRequests = DefaultMaxRequests
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = Duration(DefaultWindow)
	}
	if c.RateLimit.CleanupInterval <= 0 {
		c.RateLimit.CleanupInterval = Duration(DefaultCleanupInterval)
	}
	if c.RateLimit.StatsMaxAge <= 0 {
		c.RateLimit.StatsMaxAge = Duration(DefaultStatsMaxAge)
	}

	if c.Connection.HeartbeatInterval <= 0 {
		c.Connection.HeartbeatInterval = Duration(DefaultHeartbeatInterval)
	}
	if c.Connection.SweepInterval <= 0 {
		c.Connection.SweepInterval = Duration(DefaultSweepInterval)
	}
	if c.Connection.IdleTimeout <= 0 {
		c.Connection.IdleTimeout = Duration(DefaultIdleTimeout)
	}

	if c.Health.SampleInterval <= 0 {
		c.Health.SampleInterval = Duration(DefaultSampleInterval)
	}
	if c.Health.ResourceThreshold <= 0 || c.Health.ResourceThreshold > 100 {
		c.Health.ResourceThreshold = DefaultResourceThreshold
	}
	if c.Health.DependencyTimeout <= 0 {
		c.Health.DependencyTimeout = Duration(DefaultDependencyTimeout)
	}

	return nil
}
