package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "voicecore_ratelimit_decisions_total",
		Help: "Total number of admission decisions by outcome",
	},
	[]string{"outcome"},
)
