package connection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voicecore_connections_active",
			Help: "Number of currently open client connections",
		},
	)

	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecore_connection_messages_total",
			Help: "Total number of messages by direction",
		},
		[]string{"direction"},
	)
)
