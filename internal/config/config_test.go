package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultHTTPPort, cfg.HTTPPort)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, DefaultFailureThreshold, cfg.Breaker.FailureThreshold)
	assert.Equal(t, DefaultRecoveryTimeout, cfg.Breaker.RecoveryTimeout.Duration())
	assert.Equal(t, DefaultMaxRequests, cfg.RateLimit.MaxRequests)
	assert.Equal(t, DefaultWindow, cfg.RateLimit.Window.Duration())
	assert.Equal(t, DefaultIdleTimeout, cfg.Connection.IdleTimeout.Duration())
	assert.Equal(t, DefaultResourceThreshold, cfg.Health.ResourceThreshold)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voicecore.yaml")

	content := `
httpPort: 9090
logLevel: debug
store:
  type: redis
  address: "redis.internal:6379"
  prefix: "va:"
registry:
  probeInterval: "10s"
  probeTimeout: "2s"
breaker:
  failureThreshold: 3
  recoveryTimeout: "45s"
rateLimit:
  maxRequests: 50
  window: "30s"
connection:
  idleTimeout: "2m"
health:
  dependencies:
    transcription: "https://stt.example.com/health"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "redis.internal:6379", cfg.Store.Address)
	assert.Equal(t, "va:", cfg.Store.Prefix)
	assert.Equal(t, 10*time.Second, cfg.Registry.ProbeInterval.Duration())
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 45*time.Second, cfg.Breaker.RecoveryTimeout.Duration())
	assert.Equal(t, 50, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window.Duration())
	assert.Equal(t, 2*time.Minute, cfg.Connection.IdleTimeout.Duration())
	assert.Equal(t, "https://stt.example.com/health", cfg.Health.Dependencies["transcription"])

	// Defaults fill unset sections.
	assert.Equal(t, DefaultHalfOpenMax, cfg.Breaker.HalfOpenMax)
	assert.Equal(t, DefaultSweepInterval, cfg.Connection.SweepInterval.Duration())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/voicecore.yaml")
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voicecore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  type: redis\n"), 0o600))

	t.Setenv("VOICECORE_STORE_ADDRESS", "override:6379")
	t.Setenv("VOICECORE_STORE_PASSWORD", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "override:6379", cfg.Store.Address)
	assert.Equal(t, "secret", cfg.Store.Password)
}

func TestValidate_UnknownStoreType(t *testing.T) {
	cfg := &Config{}
	cfg.Store.Type = "etcd"
	assert.Error(t, cfg.Validate())
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := &Config{HTTPPort: 70000}
	assert.Error(t, cfg.Validate())
}

func TestDuration_Marshal(t *testing.T) {
	d := Duration(90 * time.Second)
	v, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", v)
}
