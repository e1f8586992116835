package signalling

import (
	"github.com/prometheus/client_golang/prometheus"
)

type hubMetrics struct {
	participants prometheus.Gauge
	relayed      *prometheus.CounterVec
	rateLimited  prometheus.Counter
}

// newHubMetrics registers the hub's collectors with registerer. A nil
// registerer keeps them unregistered.
func newHubMetrics(registerer prometheus.Registerer) *hubMetrics {
	m := &hubMetrics{
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roundmesh",
			Subsystem: "signalling",
			Name:      "participants",
			Help:      "Participants currently in a room.",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roundmesh",
			Subsystem: "signalling",
			Name:      "relayed_total",
			Help:      "Messages relayed between participants, by event.",
		}, []string{"event"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roundmesh",
			Subsystem: "signalling",
			Name:      "rate_limited_total",
			Help:      "Inbound websocket messages dropped by the rate limiter.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.participants, m.relayed, m.rateLimited)
	}
	return m
}
