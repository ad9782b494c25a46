// Package registry maintains the authoritative set of live service instances,
// probes their health endpoints on an interval and answers discovery queries.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vocalis/voicecore/internal/observability"
)

// ErrNoInstances is returned by Discover when no instance matches the
// requested name.
var ErrNoInstances = errors.New("no service instances found")

// Config holds configuration for the Registry.
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Registry is the in-memory service directory with an active probe loop.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*ServiceInstance

	totalProbes  int64
	failedProbes int64

	config Config
	client *http.Client
	logger observability.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New creates a Registry. Start must be called to begin health probing.
func New(cfg Config, logger observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Registry{
		instances: make(map[string]*ServiceInstance),
		config:    cfg,
		client:    &http.Client{Timeout: cfg.ProbeTimeout},
		logger:    logger.With(observability.String("component", "registry")),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Register adds an instance to the directory and returns its id. Multiple
// instances may share a name; discovery picks among them.
func (r *Registry) Register(desc Descriptor) (string, error) {
	if err := desc.validate(); err != nil {
		return "", fmt.Errorf("invalid service descriptor: %w", err)
	}

	id := desc.ID
	if id == "" {
		id = uuid.NewString()
	}
	protocol := desc.Protocol
	if protocol == "" {
		protocol = "http"
	}
	endpoint := desc.HealthEndpoint
	if endpoint == "" {
		endpoint = "/health"
	}

	inst := &ServiceInstance{
		ID:             id,
		Name:           desc.Name,
		Version:        desc.Version,
		Host:           desc.Host,
		Port:           desc.Port,
		Protocol:       protocol,
		HealthEndpoint: endpoint,
		Tags:           append([]string(nil), desc.Tags...),
		Dependencies:   append([]string(nil), desc.Dependencies...),
		Metadata:       desc.Metadata,
		RegisteredAt:   time.Now(),
		Status:         StatusUnknown,
	}

	r.mu.Lock()
	r.instances[id] = inst
	total := len(r.instances)
	r.mu.Unlock()

	instancesGauge.Set(float64(total))
	r.logger.Info("service registered",
		observability.String("id", id),
		observability.String("name", inst.Name),
		observability.String("host", inst.Host),
		observability.Int("port", inst.Port),
		observability.Strings("tags", inst.Tags),
	)
	return id, nil
}

// Deregister removes an instance. Returns whether it existed.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	total := len(r.instances)
	r.mu.Unlock()

	if !ok {
		return false
	}
	instancesGauge.Set(float64(total))
	r.logger.Info("service deregistered",
		observability.String("id", id),
		observability.String("name", inst.Name),
	)
	return true
}

// Get returns a copy of the instance with the given id.
func (r *Registry) Get(id string) (*ServiceInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	return inst.clone(), true
}

// Filter narrows a List query. Zero-value fields match everything; set
// fields are combined with logical AND.
type Filter struct {
	Name   string
	Tag    string
	Status Status
}

func (f Filter) matches(inst *ServiceInstance) bool {
	if f.Name != "" && inst.Name != f.Name {
		return false
	}
	if f.Tag != "" && !inst.HasTags([]string{f.Tag}) {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	return true
}

// List returns copies of all instances matching the filter.
func (r *Registry) List(f Filter) []*ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ServiceInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		if f.matches(inst) {
			out = append(out, inst.clone())
		}
	}
	return out
}

// Instances returns copies of every instance registered under name.
func (r *Registry) Instances(name string) []*ServiceInstance {
	return r.List(Filter{Name: name})
}

// HealthyInstances returns copies of the healthy instances for name.
func (r *Registry) HealthyInstances(name string) []*ServiceInstance {
	return r.List(Filter{Name: name, Status: StatusHealthy})
}

// Available reports whether at least one healthy instance exists for name.
func (r *Registry) Available(name string) bool {
	return len(r.HealthyInstances(name)) > 0
}

// Dependencies returns the declared dependency list for name, taken from
// any one of its instances.
func (r *Registry) Dependencies(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inst := range r.instances {
		if inst.Name == name {
			return append([]string(nil), inst.Dependencies...)
		}
	}
	return nil
}

// Discover resolves name (and optional required tags) to one instance,
// preferring the healthy instance with the lowest observed latency. When no
// matching instance is healthy it falls back to an arbitrary match rather
// than reporting absence; ErrNoInstances means zero instances matched.
func (r *Registry) Discover(name string, tags ...string) (*ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var fallback *ServiceInstance
	var best *ServiceInstance
	bestLatency := math.Inf(1)

	for _, inst := range r.instances {
		if inst.Name != name || !inst.HasTags(tags) {
			continue
		}
		if fallback == nil {
			fallback = inst
		}
		if inst.Status != StatusHealthy {
			continue
		}
		latency := inst.LatencyMS
		if latency <= 0 {
			latency = math.Inf(1)
		}
		if best == nil || latency < bestLatency {
			best = inst
			bestLatency = latency
		}
	}

	if best != nil {
		return best.clone(), nil
	}
	if fallback != nil {
		return fallback.clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoInstances, name)
}

// Start launches the background probe loop. Safe to call once.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		go r.probeLoop()
		r.logger.Info("registry probe loop started",
			observability.Duration("interval", r.config.ProbeInterval),
		)
	})
}

// Stop terminates the probe loop and waits for it to exit. Safe to call
// even if Start never ran.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.startOnce.Do(func() {
		close(r.stoppedCh)
	})
	<-r.stoppedCh
}

func (r *Registry) probeLoop() {
	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.ProbeAll(context.Background())
		}
	}
}

// ProbeAll probes every registered instance concurrently. Each probe's
// outcome is isolated; one failure never aborts the batch.
func (r *Registry) ProbeAll(ctx context.Context) {
	r.mu.RLock()
	targets := make([]*ServiceInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		targets = append(targets, inst)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, inst := range targets {
		wg.Add(1)
		go func(inst *ServiceInstance) {
			defer wg.Done()
			r.probeOne(ctx, inst)
		}(inst)
	}
	wg.Wait()
}

func (r *Registry) probeOne(ctx context.Context, inst *ServiceInstance) {
	probeCtx, cancel := context.WithTimeout(ctx, r.config.ProbeTimeout)
	defer cancel()

	url := inst.HealthURL()
	start := time.Now()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		r.recordProbe(inst, StatusUnhealthy, 0)
		return
	}

	resp, err := r.client.Do(req)
	latencyMS := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		r.recordProbe(inst, StatusUnhealthy, 0)
		r.logger.Warn("health probe failed",
			observability.String("id", inst.ID),
			observability.String("name", inst.Name),
			observability.String("url", url),
			observability.Error(err),
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		r.recordProbe(inst, StatusHealthy, latencyMS)
		return
	}

	r.recordProbe(inst, StatusDegraded, 0)
	r.logger.Warn("health probe degraded",
		observability.String("id", inst.ID),
		observability.String("name", inst.Name),
		observability.Int("status_code", resp.StatusCode),
	)
}

func (r *Registry) recordProbe(inst *ServiceInstance, status Status, latencyMS float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// The instance may have been deregistered while the probe was in
	// flight; drop the result in that case.
	if _, ok := r.instances[inst.ID]; !ok {
		return
	}

	r.totalProbes++
	inst.LastProbe = time.Now()
	inst.Status = status

	switch status {
	case StatusHealthy:
		inst.ConsecutiveFailures = 0
		inst.LatencyMS = latencyMS
		probesTotal.WithLabelValues("healthy").Inc()
	case StatusDegraded:
		inst.ConsecutiveFailures++
		probesTotal.WithLabelValues("degraded").Inc()
	default:
		inst.ConsecutiveFailures++
		r.failedProbes++
		probesTotal.WithLabelValues("unhealthy").Inc()
	}
}

// Stats is a snapshot of registry-wide aggregates.
type Stats struct {
	TotalInstances   int            `json:"total_instances"`
	ByStatus         map[Status]int `json:"by_status"`
	ByTag            map[string]int `json:"by_tag"`
	TotalProbes      int64          `json:"total_probes"`
	FailedProbes     int64          `json:"failed_probes"`
	AverageLatencyMS float64        `json:"average_latency_ms"`
}

// Stats returns aggregate counts by status and tag plus cumulative probe
// counters. Average latency covers currently-healthy instances only.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalInstances: len(r.instances),
		ByStatus: map[Status]int{
			StatusHealthy:   0,
			StatusDegraded:  0,
			StatusUnhealthy: 0,
			StatusUnknown:   0,
		},
		ByTag:        make(map[string]int),
		TotalProbes:  r.totalProbes,
		FailedProbes: r.failedProbes,
	}

	var latencySum float64
	var latencyCount int
	for _, inst := range r.instances {
		stats.ByStatus[inst.Status]++
		for _, tag := range inst.Tags {
			stats.ByTag[tag]++
		}
		if inst.Status == StatusHealthy && inst.LatencyMS > 0 {
			latencySum += inst.LatencyMS
			latencyCount++
		}
	}
	if latencyCount > 0 {
		stats.AverageLatencyMS = latencySum / float64(latencyCount)
	}
	return stats
}
