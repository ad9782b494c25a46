package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	instancesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voicecore_registry_instances",
			Help: "Number of currently registered service instances",
		},
	)

	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecore_registry_probes_total",
			Help: "Total number of health probes by outcome",
		},
		[]string{"outcome"},
	)
)
