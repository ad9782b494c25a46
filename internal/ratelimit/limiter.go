// Package ratelimit provides per-client admission control using fixed time
// windows counted in the key-value store. The fixed-window scheme admits up
// to twice the configured rate across adjacent window boundaries; that
// approximation is intentional.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vocalis/voicecore/internal/observability"
	"github.com/vocalis/voicecore/internal/store"
)

const keyPrefix = "ratelimit:"

// Limit is a (max requests, window) admission pair.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// Decision is the outcome of a rate limit check. RetryAfter is set only
// when the request was denied.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"retry_after"`
	Limit      Limit         `json:"-"`
}

// Config holds configuration for the Limiter.
type Config struct {
	Default         Limit
	CleanupInterval time.Duration
	StatsMaxAge     time.Duration
}

// Limiter performs admission checks against the store and keeps best-effort
// per-client counters locally for reporting. The local counters are never
// consulted for admission decisions.
type Limiter struct {
	store  store.Store
	config Config
	logger observability.Logger

	mu              sync.Mutex
	clients         map[string]*clientRecord
	totalRequests   int64
	blockedRequests int64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

type clientRecord struct {
	requests  int64
	blocked   int64
	firstSeen time.Time
	lastSeen  time.Time
}

// New creates a Limiter backed by kv.
func New(kv store.Store, cfg Config, logger observability.Logger) *Limiter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.Default.MaxRequests <= 0 {
		cfg.Default.MaxRequests = 100
	}
	if cfg.Default.Window < time.Second {
		cfg.Default.Window = time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.StatsMaxAge <= 0 {
		cfg.StatsMaxAge = time.Hour
	}
	return &Limiter{
		store:     kv,
		config:    cfg,
		logger:    logger.With(observability.String("component", "ratelimit")),
		clients:   make(map[string]*clientRecord),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Check runs an admission check for clientID under the default limit.
func (l *Limiter) Check(ctx context.Context, clientID string) Decision {
	return l.CheckLimit(ctx, clientID, l.config.Default)
}

// CheckLimit runs an admission check for clientID under an explicit limit.
// On any store error the limiter fails open and admits the request.
func (l *Limiter) CheckLimit(ctx context.Context, clientID string, limit Limit) Decision {
	if limit.MaxRequests <= 0 || limit.Window < time.Second {
		limit = l.config.Default
	}

	now := time.Now().Unix()
	windowSeconds := int64(limit.Window / time.Second)
	windowIndex := now / windowSeconds
	key := fmt.Sprintf("%s%s:%d", keyPrefix, clientID, windowIndex)

	count, err := store.GetInt(ctx, l.store, key)
	if err != nil {
		return l.failOpen(clientID, limit, err)
	}

	if count >= int64(limit.MaxRequests) {
		return l.deny(clientID, limit, now, windowSeconds)
	}

	newCount, err := l.store.IncrementWithExpiry(ctx, key, 1, limit.Window)
	if err != nil {
		return l.failOpen(clientID, limit, err)
	}
	if newCount > int64(limit.MaxRequests) {
		// Lost the increment race against concurrent requests from the
		// same client.
		return l.deny(clientID, limit, now, windowSeconds)
	}

	l.record(clientID, true)
	decisionsTotal.WithLabelValues("allowed").Inc()
	return Decision{Allowed: true, Limit: limit}
}

func (l *Limiter) deny(clientID string, limit Limit, now, windowSeconds int64) Decision {
	retryAfter := time.Duration(windowSeconds-now%windowSeconds) * time.Second

	l.record(clientID, false)
	decisionsTotal.WithLabelValues("blocked").Inc()
	l.logger.Warn("rate limit exceeded",
		observability.String("client_id", clientID),
		observability.Int("max_requests", limit.MaxRequests),
		observability.Duration("window", limit.Window),
		observability.Duration("retry_after", retryAfter),
	)
	return Decision{Allowed: false, RetryAfter: retryAfter, Limit: limit}
}

func (l *Limiter) failOpen(clientID string, limit Limit, err error) Decision {
	l.record(clientID, true)
	decisionsTotal.WithLabelValues("fail_open").Inc()
	l.logger.Error("rate limit store error, admitting request",
		observability.String("client_id", clientID),
		observability.Error(err),
	)
	return Decision{Allowed: true, Limit: limit}
}

func (l *Limiter) record(clientID string, allowed bool) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.totalRequests++
	rec, ok := l.clients[clientID]
	if !ok {
		rec = &clientRecord{firstSeen: now}
		l.clients[clientID] = rec
	}
	rec.requests++
	rec.lastSeen = now
	if !allowed {
		l.blockedRequests++
		rec.blocked++
	}
}

// ResetClient clears the stored window counters for clientID and zeroes its
// local blocked count.
func (l *Limiter) ResetClient(ctx context.Context, clientID string) error {
	pattern := fmt.Sprintf("%s%s:*", keyPrefix, clientID)
	if _, err := l.store.InvalidatePattern(ctx, pattern); err != nil {
		return fmt.Errorf("reset client %s: %w", clientID, err)
	}

	l.mu.Lock()
	if rec, ok := l.clients[clientID]; ok {
		rec.blocked = 0
	}
	l.mu.Unlock()

	l.logger.Info("rate limits reset", observability.String("client_id", clientID))
	return nil
}

// ClientStats is the reporting view of one client's local counters.
type ClientStats struct {
	ClientID  string    `json:"client_id"`
	Requests  int64     `json:"requests"`
	Blocked   int64     `json:"blocked"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// BlockRate returns the percentage of this client's requests that were
// blocked.
func (c ClientStats) BlockRate() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.Blocked) / float64(c.Requests) * 100
}

// Stats is the limiter-wide reporting snapshot.
type Stats struct {
	TotalRequests   int64 `json:"total_requests"`
	BlockedRequests int64 `json:"blocked_requests"`
	AllowedRequests int64 `json:"allowed_requests"`
	UniqueClients   int   `json:"unique_clients"`
}

// BlockRate returns the overall blocked percentage.
func (s Stats) BlockRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.BlockedRequests) / float64(s.TotalRequests) * 100
}

// Stats returns the limiter-wide counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		TotalRequests:   l.totalRequests,
		BlockedRequests: l.blockedRequests,
		AllowedRequests: l.totalRequests - l.blockedRequests,
		UniqueClients:   len(l.clients),
	}
}

// ClientStats returns the local counters for one client.
func (l *Limiter) ClientStats(clientID string) (ClientStats, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.clients[clientID]
	if !ok {
		return ClientStats{}, false
	}
	return l.snapshot(clientID, rec), true
}

// TopClients returns up to n clients ordered by request count descending.
func (l *Limiter) TopClients(n int) []ClientStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ClientStats, 0, len(l.clients))
	for id, rec := range l.clients {
		out = append(out, l.snapshot(id, rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Requests != out[j].Requests {
			return out[i].Requests > out[j].Requests
		}
		return out[i].ClientID < out[j].ClientID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// BlockedClients returns every client that has had at least one request
// blocked.
func (l *Limiter) BlockedClients() []ClientStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []ClientStats
	for id, rec := range l.clients {
		if rec.blocked > 0 {
			out = append(out, l.snapshot(id, rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (l *Limiter) snapshot(id string, rec *clientRecord) ClientStats {
	return ClientStats{
		ClientID:  id,
		Requests:  rec.requests,
		Blocked:   rec.blocked,
		FirstSeen: rec.firstSeen,
		LastSeen:  rec.lastSeen,
	}
}

// CleanupStale drops local client records not seen within maxAge and
// returns how many were removed. Stored window counters expire on their
// own TTL and need no sweeping.
func (l *Limiter) CleanupStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, rec := range l.clients {
		if rec.lastSeen.Before(cutoff) {
			delete(l.clients, id)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("cleaned up stale client stats", observability.Int("removed", removed))
	}
	return removed
}

// Start launches the background stats cleanup loop.
func (l *Limiter) Start() {
	l.startOnce.Do(func() {
		go l.cleanupLoop()
	})
}

// Stop terminates the cleanup loop and waits for it to exit.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.startOnce.Do(func() {
		close(l.stoppedCh)
	})
	<-l.stoppedCh
}

func (l *Limiter) cleanupLoop() {
	defer close(l.stoppedCh)

	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.CleanupStale(l.config.StatsMaxAge)
		}
	}
}
