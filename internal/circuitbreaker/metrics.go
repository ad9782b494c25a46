package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecore_circuit_breaker_state_changes_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecore_circuit_breaker_calls_total",
			Help: "Total number of circuit breaker protected calls by outcome",
		},
		[]string{"name", "outcome"},
	)
)

func recordStateChange(name string, from, to State) {
	stateChangesTotal.WithLabelValues(name, from.String(), to.String()).Inc()
}

func recordCall(name, outcome string) {
	callsTotal.WithLabelValues(name, outcome).Inc()
}
