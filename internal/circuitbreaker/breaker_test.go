package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := newBreaker("stt", Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, HalfOpenMax: 1})

	for i := 0; i < 2; i++ {
		allowed, _ := b.allow()
		require.True(t, allowed)
		b.recordFailure()
		assert.Equal(t, StateClosed, b.State())
	}

	allowed, _ := b.allow()
	require.True(t, allowed)
	b.recordFailure()
	assert.Equal(t, StateOpen, b.State())

	allowed, state := b.allow()
	assert.False(t, allowed)
	assert.Equal(t, StateOpen, state)
}

func TestBreakerRejectedCallCountsAttempt(t *testing.T) {
	b := newBreaker("tts", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMax: 1})

	allowed, _ := b.allow()
	require.True(t, allowed)
	b.recordFailure()
	require.Equal(t, StateOpen, b.State())

	allowed, _ = b.allow()
	assert.False(t, allowed)

	stats := b.Stats()
	assert.Equal(t, 2, stats.TotalCalls)
	assert.Equal(t, 1, stats.FailureCount)
	assert.Equal(t, 0, stats.SuccessCount)
}

func TestBreakerHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b := newBreaker("llm", Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond, HalfOpenMax: 1})

	allowed, _ := b.allow()
	require.True(t, allowed)
	b.recordFailure()
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)

	allowed, state := b.allow()
	assert.True(t, allowed)
	assert.Equal(t, StateHalfOpen, state)

	b.recordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Stats().FailureCount)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newBreaker("llm", Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond, HalfOpenMax: 1})

	allowed, _ := b.allow()
	require.True(t, allowed)
	b.recordFailure()

	time.Sleep(30 * time.Millisecond)

	allowed, _ = b.allow()
	require.True(t, allowed)
	b.recordFailure()
	assert.Equal(t, StateOpen, b.State())

	allowed, _ = b.allow()
	assert.False(t, allowed)
}

func TestBreakerHalfOpenBudget(t *testing.T) {
	b := newBreaker("stt", Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond, HalfOpenMax: 2})

	allowed, _ := b.allow()
	require.True(t, allowed)
	b.recordFailure()

	time.Sleep(30 * time.Millisecond)

	allowed, _ = b.allow()
	assert.True(t, allowed)
	allowed, _ = b.allow()
	assert.True(t, allowed)

	allowed, state := b.allow()
	assert.False(t, allowed)
	assert.Equal(t, StateHalfOpen, state)
}

func TestBreakerReset(t *testing.T) {
	b := newBreaker("stt", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMax: 1})

	allowed, _ := b.allow()
	require.True(t, allowed)
	b.recordFailure()
	require.Equal(t, StateOpen, b.State())

	b.reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Stats().FailureCount)
}

func TestStatsRates(t *testing.T) {
	s := Stats{TotalCalls: 0}
	assert.Zero(t, s.SuccessRate())
	assert.Zero(t, s.FailureRate())

	s = Stats{TotalCalls: 4, SuccessCount: 3, FailureCount: 1}
	assert.InDelta(t, 0.75, s.SuccessRate(), 0.001)
	assert.InDelta(t, 0.25, s.FailureRate(), 0.001)
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{}
	cfg.normalize()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, 1, cfg.HalfOpenMax)
}
