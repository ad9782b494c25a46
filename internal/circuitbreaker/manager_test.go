package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalis/voicecore/internal/observability"
)

func newTestManager(defaults Config) *Manager {
	return NewManager(ManagerConfig{Defaults: defaults, CallTimeout: time.Second}, observability.NopLogger())
}

func TestManagerCallSuccess(t *testing.T) {
	m := newTestManager(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, HalfOpenMax: 1})

	result, err := m.Call(context.Background(), "stt", func(ctx context.Context) (any, error) {
		return "transcript", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "transcript", result)

	stats, ok := m.Stats("stt")
	require.True(t, ok)
	assert.Equal(t, 1, stats.SuccessCount)
	assert.Equal(t, 1, stats.TotalCalls)
}

func TestManagerCallFailureWrapsError(t *testing.T) {
	m := newTestManager(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, HalfOpenMax: 1})

	cause := errors.New("upstream timeout")
	_, err := m.Call(context.Background(), "tts", func(ctx context.Context) (any, error) {
		return nil, cause
	})
	require.Error(t, err)
	assert.True(t, IsExternalFailure(err))
	assert.False(t, IsCircuitOpen(err))
	assert.ErrorIs(t, err, cause)
}

func TestManagerRejectsWhenOpen(t *testing.T) {
	m := newTestManager(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, HalfOpenMax: 1})

	for i := 0; i < 3; i++ {
		_, err := m.Call(context.Background(), "llm", func(ctx context.Context) (any, error) {
			return nil, errors.New("boom")
		})
		require.Error(t, err)
	}

	invoked := false
	_, err := m.Call(context.Background(), "llm", func(ctx context.Context) (any, error) {
		invoked = true
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, IsCircuitOpen(err))
	assert.False(t, invoked)

	stats, ok := m.Stats("llm")
	require.True(t, ok)
	assert.Equal(t, 4, stats.TotalCalls)
	assert.Equal(t, 3, stats.FailureCount)
}

func TestManagerRecoveryCycle(t *testing.T) {
	m := newTestManager(Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond, HalfOpenMax: 1})

	_, err := m.Call(context.Background(), "stt", func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, StateOpen, m.Breaker("stt").State())

	time.Sleep(30 * time.Millisecond)

	result, err := m.Call(context.Background(), "stt", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateClosed, m.Breaker("stt").State())
	assert.Equal(t, 0, m.Breaker("stt").Stats().FailureCount)
}

func TestManagerCallTimeout(t *testing.T) {
	m := NewManager(ManagerConfig{
		Defaults:    Config{FailureThreshold: 5, RecoveryTimeout: time.Minute, HalfOpenMax: 1},
		CallTimeout: 20 * time.Millisecond,
	}, observability.NopLogger())

	_, err := m.Call(context.Background(), "tts", func(ctx context.Context) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return "too late", nil
		}
	})
	require.Error(t, err)
	assert.True(t, IsExternalFailure(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManagerCallWithConfig(t *testing.T) {
	m := newTestManager(Config{FailureThreshold: 10, RecoveryTimeout: time.Minute, HalfOpenMax: 1})

	cfg := Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMax: 1}
	_, err := m.CallWithConfig(context.Background(), "llm", cfg, func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, StateOpen, m.Breaker("llm").State())
}

func TestManagerResetAndRemove(t *testing.T) {
	m := newTestManager(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMax: 1})

	assert.False(t, m.Reset("missing"))
	assert.False(t, m.Remove("missing"))

	_, err := m.Call(context.Background(), "stt", func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, StateOpen, m.Breaker("stt").State())

	assert.True(t, m.Reset("stt"))
	assert.Equal(t, StateClosed, m.Breaker("stt").State())

	assert.True(t, m.Remove("stt"))
	_, ok := m.Stats("stt")
	assert.False(t, ok)
}

func TestManagerHealth(t *testing.T) {
	m := newTestManager(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMax: 1})

	health := m.Health()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 0, health.Total)

	_, _ = m.Call(context.Background(), "stt", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	_, _ = m.Call(context.Background(), "tts", func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	})

	health = m.Health()
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, 2, health.Total)
	assert.Equal(t, 1, health.Closed)
	assert.Equal(t, 1, health.Open)
	assert.Equal(t, []string{"tts"}, health.OpenBreakers)

	_, _ = m.Call(context.Background(), "stt", func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	})

	health = m.Health()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, 2, health.Open)
}
