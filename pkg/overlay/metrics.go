package overlay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports registration outcomes and the peer count. A nil *Metrics
// records nothing.
type Metrics struct {
	peers         prometheus.Gauge
	registrations *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when reg is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "socktail",
			Subsystem: "overlay",
			Name:      "peers",
			Help:      "Peers in the current peer table.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socktail",
			Subsystem: "overlay",
			Name:      "registrations_total",
			Help:      "Registration attempts by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(m.peers, m.registrations)
	}
	return m
}

func (m *Metrics) registered(peerCount int) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues("success").Inc()
	m.peers.Set(float64(peerCount))
}

func (m *Metrics) failed() {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues("failure").Inc()
}

func (m *Metrics) cleared() {
	if m == nil {
		return
	}
	m.peers.Set(0)
}
