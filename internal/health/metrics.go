package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var checksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "voicecore_health_checks_total",
		Help: "Total number of health evaluations by resulting status",
	},
	[]string{"status"},
)
