// Package circuitbreaker provides per-dependency fault isolation for calls
// to external providers. Each named dependency gets its own breaker record
// with closed/open/half_open states.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and calls pass through.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen

	// StateHalfOpen indicates the circuit is testing whether the
	// dependency has recovered.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	// FailureThreshold is the number of failures in the closed state
	// before the circuit opens.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open after the last
	// failure before a trial call is allowed.
	RecoveryTimeout time.Duration

	// HalfOpenMax is the number of concurrent trial calls allowed in the
	// half_open state.
	HalfOpenMax int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMax:      1,
	}
}

// normalize fills invalid fields with defaults.
func (c *Config) normalize() {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout < time.Millisecond {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.HalfOpenMax < 1 {
		c.HalfOpenMax = 1
	}
}

// Breaker is a single named circuit breaker record. The state field is the
// sole authority for whether calls are rejected; counters are bookkeeping.
type Breaker struct {
	name   string
	config Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	totalCalls      int
	halfOpenInUse   int
	lastFailure     time.Time
	lastSuccess     time.Time
	lastStateChange time.Time
	createdAt       time.Time
}

func newBreaker(name string, config Config) *Breaker {
	config.normalize()
	now := time.Now()
	return &Breaker{
		name:            name,
		config:          config,
		state:           StateClosed,
		lastStateChange: now,
		createdAt:       now,
	}
}

// allow decides whether a call may proceed. A rejected call still counts as
// an attempt. Returns the state observed for logging.
func (b *Breaker) allow() (bool, State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++

	switch b.state {
	case StateClosed:
		return true, StateClosed

	case StateOpen:
		if time.Since(b.lastFailure) >= b.config.RecoveryTimeout {
			b.transitionTo(StateHalfOpen)
			b.halfOpenInUse = 1
			return true, StateHalfOpen
		}
		return false, StateOpen

	case StateHalfOpen:
		if b.halfOpenInUse < b.config.HalfOpenMax {
			b.halfOpenInUse++
			return true, StateHalfOpen
		}
		return false, StateHalfOpen

	default:
		return false, b.state
	}
}

// recordSuccess records a successful call. A trial success in half_open
// closes the circuit and zeroes the failure count.
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount++
	b.lastSuccess = time.Now()

	if b.state == StateHalfOpen {
		b.transitionTo(StateClosed)
		b.failureCount = 0
		b.halfOpenInUse = 0
	}
}

// recordFailure records a failed call. In the closed state the circuit opens
// once the failure threshold is reached; any half_open failure reopens the
// circuit and restarts the recovery timer.
func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.halfOpenInUse = 0
		b.transitionTo(StateOpen)
	}
}

// transitionTo moves the breaker to a new state. Caller holds b.mu.
func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	b.state = newState
	b.lastStateChange = time.Now()
	recordStateChange(b.name, oldState, newState)
}

// reset forces the breaker back to closed and zeroes the failure count.
func (b *Breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenInUse = 0
	b.lastStateChange = time.Now()
}

// State returns the current state of the breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the breaker's dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// Stats returns a snapshot of the breaker's statistics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		TotalCalls:       b.totalCalls,
		LastFailure:      b.lastFailure,
		LastSuccess:      b.lastSuccess,
		FailureThreshold: b.config.FailureThreshold,
		RecoveryTimeout:  b.config.RecoveryTimeout,
		CreatedAt:        b.createdAt,
	}
}

// Stats holds a point-in-time snapshot of one breaker.
type Stats struct {
	Name             string        `json:"name"`
	State            State         `json:"-"`
	FailureCount     int           `json:"failure_count"`
	SuccessCount     int           `json:"success_count"`
	TotalCalls       int           `json:"total_calls"`
	LastFailure      time.Time     `json:"last_failure"`
	LastSuccess      time.Time     `json:"last_success"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	CreatedAt        time.Time     `json:"created_at"`
}

// SuccessRate returns the fraction of calls that succeeded.
func (s Stats) SuccessRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.TotalCalls)
}

// FailureRate returns the fraction of calls that failed.
func (s Stats) FailureRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.FailureCount) / float64(s.TotalCalls)
}

// Uptime returns the time since the breaker record was created.
func (s Stats) Uptime() time.Duration {
	return time.Since(s.CreatedAt)
}
