// Package health composes registry stats, circuit breaker state, system
// resource samples and external dependency probes into one overall verdict.
package health

import (
	"context"
	"time"

	"github.com/vocalis/voicecore/internal/circuitbreaker"
	"github.com/vocalis/voicecore/internal/observability"
	"github.com/vocalis/voicecore/internal/registry"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// DefaultResourceThreshold is the usage percentage above which a resource
// metric degrades the overall status.
const DefaultResourceThreshold = 90.0

// ResourceSample is a point-in-time view of system resource usage.
type ResourceSample struct {
	CPUPercent      float64 `json:"cpu_percent"`
	CPUCount        int     `json:"cpu_count"`
	MemoryPercent   float64 `json:"memory_percent"`
	MemoryTotal     uint64  `json:"memory_total_bytes"`
	MemoryAvailable uint64  `json:"memory_available_bytes"`
	DiskPercent     float64 `json:"disk_percent"`
	DiskTotal       uint64  `json:"disk_total_bytes"`
	DiskFree        uint64  `json:"disk_free_bytes"`
}

// ResourceSampler reads system resource usage.
type ResourceSampler interface {
	Sample(ctx context.Context) (*ResourceSample, error)
}

// Dependency is an external collaborator whose reachability feeds the
// overall verdict.
type Dependency struct {
	Name  string
	Check func(ctx context.Context) error
}

// DependencyStatus is the probe outcome for one dependency.
type DependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report is one full health evaluation.
type Report struct {
	Status        string                       `json:"status"`
	Timestamp     time.Time                    `json:"timestamp"`
	Resources     *ResourceSample              `json:"resources,omitempty"`
	ResourceError string                       `json:"resource_error,omitempty"`
	Registry      registry.Stats               `json:"registry"`
	Breakers      circuitbreaker.HealthSummary `json:"circuit_breakers"`
	Dependencies  map[string]DependencyStatus  `json:"dependencies,omitempty"`
}

// Aggregator computes health reports. It holds no state of its own beyond
// its collaborators.
type Aggregator struct {
	registry  *registry.Registry
	breakers  *circuitbreaker.Manager
	sampler   ResourceSampler
	deps      []Dependency
	threshold float64
	logger    observability.Logger
}

// NewAggregator creates an Aggregator. A threshold of zero selects the
// default.
func NewAggregator(
	reg *registry.Registry,
	breakers *circuitbreaker.Manager,
	sampler ResourceSampler,
	deps []Dependency,
	threshold float64,
	logger observability.Logger,
) *Aggregator {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if threshold <= 0 {
		threshold = DefaultResourceThreshold
	}
	return &Aggregator{
		registry:  reg,
		breakers:  breakers,
		sampler:   sampler,
		deps:      deps,
		threshold: threshold,
		logger:    logger.With(observability.String("component", "health")),
	}
}

// Check evaluates the overall status. Unhealthy means resource sampling
// itself failed; degraded means a resource exceeded the threshold, the
// registry has more unhealthy than healthy instances, or an external
// dependency is unreachable.
func (a *Aggregator) Check(ctx context.Context) Report {
	report := Report{
		Timestamp:    time.Now(),
		Registry:     a.registry.Stats(),
		Breakers:     a.breakers.Health(),
		Dependencies: make(map[string]DependencyStatus, len(a.deps)),
	}

	sample, err := a.sampler.Sample(ctx)
	if err != nil {
		report.ResourceError = err.Error()
		report.Status = StatusUnhealthy
		a.logger.Error("resource sampling failed", observability.Error(err))
		checksTotal.WithLabelValues(report.Status).Inc()
		return report
	}
	report.Resources = sample

	depUnhealthy := false
	for _, dep := range a.deps {
		if err := dep.Check(ctx); err != nil {
			depUnhealthy = true
			report.Dependencies[dep.Name] = DependencyStatus{
				Status: StatusUnhealthy,
				Error:  err.Error(),
			}
			a.logger.Warn("dependency check failed",
				observability.String("dependency", dep.Name),
				observability.Error(err),
			)
			continue
		}
		report.Dependencies[dep.Name] = DependencyStatus{Status: StatusHealthy}
	}

	switch {
	case sample.CPUPercent > a.threshold,
		sample.MemoryPercent > a.threshold,
		sample.DiskPercent > a.threshold:
		report.Status = StatusDegraded
	case report.Registry.ByStatus[registry.StatusUnhealthy] > report.Registry.ByStatus[registry.StatusHealthy]:
		report.Status = StatusDegraded
	case depUnhealthy:
		report.Status = StatusDegraded
	default:
		report.Status = StatusHealthy
	}

	checksTotal.WithLabelValues(report.Status).Inc()
	return report
}
