package registry

import (
	"fmt"
	"time"
)

// Status is the observed health of a service instance.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ServiceInstance is one registered instance of a logical service. Instances
// are owned by the Registry; callers receive copies.
type ServiceInstance struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Version             string            `json:"version"`
	Host                string            `json:"host"`
	Port                int               `json:"port"`
	Protocol            string            `json:"protocol"`
	HealthEndpoint      string            `json:"health_endpoint"`
	Tags                []string          `json:"tags"`
	Dependencies        []string          `json:"dependencies"`
	Metadata            map[string]string `json:"metadata"`
	RegisteredAt        time.Time         `json:"registered_at"`
	LastProbe           time.Time         `json:"last_probe,omitzero"`
	Status              Status            `json:"status"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LatencyMS           float64           `json:"latency_ms"`
}

// HealthURL returns the full URL the probe loop hits for this instance.
func (s *ServiceInstance) HealthURL() string {
	return fmt.Sprintf("%s://%s:%d%s", s.Protocol, s.Host, s.Port, s.HealthEndpoint)
}

// HasTags reports whether the instance carries every tag in tags.
func (s *ServiceInstance) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range s.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *ServiceInstance) clone() *ServiceInstance {
	out := *s
	out.Tags = append([]string(nil), s.Tags...)
	out.Dependencies = append([]string(nil), s.Dependencies...)
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Descriptor is the caller-supplied input to Register.
type Descriptor struct {
	ID             string            `json:"id,omitempty"`
	Name           string            `json:"name"`
	Version        string            `json:"version"`
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	Protocol       string            `json:"protocol,omitempty"`
	HealthEndpoint string            `json:"health_endpoint,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	Dependencies   []string          `json:"dependencies,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (d *Descriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if d.Host == "" {
		return fmt.Errorf("service host is required")
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("invalid service port %d", d.Port)
	}
	if d.Protocol != "" && d.Protocol != "http" && d.Protocol != "https" {
		return fmt.Errorf("unsupported protocol %q", d.Protocol)
	}
	return nil
}
