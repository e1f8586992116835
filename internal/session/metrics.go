package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Glare outcomes
const (
	glareIgnored    = "ignored"
	glareRolledBack = "rolled_back"
	glareRecreated  = "recreated"
)

// Renegotiation results
const (
	renegotiationCompleted = "completed"
	renegotiationSkipped   = "skipped"
	renegotiationFailed    = "failed"
)

type managerMetrics struct {
	sessions           prometheus.Gauge
	offersSent         prometheus.Counter
	glare              *prometheus.CounterVec
	renegotiations     *prometheus.CounterVec
	removals           *prometheus.CounterVec
	candidatesBuffered prometheus.Counter
}

// newManagerMetrics registers the manager's collectors with registerer. A
// nil registerer keeps them unregistered.
func newManagerMetrics(registerer prometheus.Registerer) *managerMetrics {
	m := &managerMetrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roundmesh",
			Name:      "peer_sessions",
			Help:      "Peer sessions currently held.",
		}),
		offersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roundmesh",
			Name:      "offers_sent_total",
			Help:      "Offers sent to peers, including renegotiations.",
		}),
		glare: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roundmesh",
			Name:      "glare_total",
			Help:      "Colliding offers, by how they were settled.",
		}, []string{"outcome"}),
		renegotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roundmesh",
			Name:      "renegotiations_total",
			Help:      "Renegotiation attempts, by result.",
		}, []string{"result"}),
		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roundmesh",
			Name:      "peer_removals_total",
			Help:      "Peers removed, by reason.",
		}, []string{"reason"}),
		candidatesBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roundmesh",
			Name:      "candidates_buffered_total",
			Help:      "Remote candidates held back until a remote description was set.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.sessions, m.offersSent, m.glare, m.renegotiations, m.removals, m.candidatesBuffered)
	}
	return m
}
