package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/vocalis/voicecore/internal/observability"
)

// Operation is a unit of work executed under circuit breaker protection.
type Operation func(ctx context.Context) (any, error)

// Manager owns the table of named breakers and executes protected calls.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	defaults    Config
	callTimeout time.Duration
	logger      observability.Logger
}

// ManagerConfig holds configuration for the Manager.
type ManagerConfig struct {
	Defaults    Config
	CallTimeout time.Duration
}

// NewManager creates a circuit breaker manager.
func NewManager(cfg ManagerConfig, logger observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NopLogger()
	}
	cfg.Defaults.normalize()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Manager{
		breakers:    make(map[string]*Breaker),
		defaults:    cfg.Defaults,
		callTimeout: cfg.CallTimeout,
		logger:      logger.With(observability.String("component", "circuitbreaker")),
	}
}

// Breaker returns the breaker for name, creating it with default
// configuration on first use.
func (m *Manager) Breaker(name string) *Breaker {
	return m.breakerWithConfig(name, m.defaults)
}

// BreakerWithConfig returns the breaker for name, creating it with cfg on
// first use. An existing breaker keeps its original configuration.
func (m *Manager) BreakerWithConfig(name string, cfg Config) *Breaker {
	return m.breakerWithConfig(name, cfg)
}

func (m *Manager) breakerWithConfig(name string, cfg Config) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b = newBreaker(name, cfg)
	m.breakers[name] = b
	m.logger.Info("circuit breaker created",
		observability.String("name", name),
		observability.Int("failure_threshold", b.config.FailureThreshold),
		observability.Duration("recovery_timeout", b.config.RecoveryTimeout),
	)
	return b
}

// Call executes op under the breaker for name using default configuration.
func (m *Manager) Call(ctx context.Context, name string, op Operation) (any, error) {
	return m.call(ctx, m.Breaker(name), op)
}

// CallWithConfig executes op under the breaker for name, creating the
// breaker with cfg if it does not exist yet.
func (m *Manager) CallWithConfig(ctx context.Context, name string, cfg Config, op Operation) (any, error) {
	return m.call(ctx, m.breakerWithConfig(name, cfg), op)
}

func (m *Manager) call(ctx context.Context, b *Breaker, op Operation) (any, error) {
	allowed, state := b.allow()
	if !allowed {
		recordCall(b.name, "rejected")
		m.logger.Warn("call rejected by open circuit",
			observability.String("name", b.name),
			observability.String("state", state.String()),
		)
		return nil, &CircuitOpenError{Name: b.name}
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	result, err := op(callCtx)
	if err != nil {
		b.recordFailure()
		recordCall(b.name, "failure")
		m.logger.Warn("protected call failed",
			observability.String("name", b.name),
			observability.String("state", b.State().String()),
			observability.Error(err),
		)
		return nil, &ExternalServiceError{Name: b.name, Err: err}
	}

	b.recordSuccess()
	recordCall(b.name, "success")
	return result, nil
}

// Reset forces the named breaker back to closed. Returns false if no
// breaker exists for name.
func (m *Manager) Reset(name string) bool {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	b.reset()
	m.logger.Info("circuit breaker reset", observability.String("name", name))
	return true
}

// Remove deletes the named breaker. Returns false if no breaker exists.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.breakers[name]; !ok {
		return false
	}
	delete(m.breakers, name)
	return true
}

// Stats returns the stats snapshot for the named breaker.
func (m *Manager) Stats(name string) (Stats, bool) {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	return b.Stats(), true
}

// AllStats returns snapshots for every breaker keyed by name.
func (m *Manager) AllStats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Stats, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.Stats()
	}
	return out
}

// HealthSummary describes the aggregate condition of all breakers.
type HealthSummary struct {
	Status       string   `json:"status"`
	Total        int      `json:"total"`
	Closed       int      `json:"closed"`
	Open         int      `json:"open"`
	HalfOpen     int      `json:"half_open"`
	OpenBreakers []string `json:"open_breakers,omitempty"`
}

// Health returns the aggregate breaker condition: healthy when no circuit
// is open, unhealthy when every circuit is open, degraded otherwise.
func (m *Manager) Health() HealthSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := HealthSummary{Total: len(m.breakers), Status: "healthy"}
	for name, b := range m.breakers {
		switch b.State() {
		case StateClosed:
			summary.Closed++
		case StateOpen:
			summary.Open++
			summary.OpenBreakers = append(summary.OpenBreakers, name)
		case StateHalfOpen:
			summary.HalfOpen++
		}
	}

	switch {
	case summary.Open == 0:
		summary.Status = "healthy"
	case summary.Open == summary.Total && summary.Total > 0:
		summary.Status = "unhealthy"
	default:
		summary.Status = "degraded"
	}
	return summary
}
