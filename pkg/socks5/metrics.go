package socks5

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks proxy activity. Counters are exported to Prometheus and
// mirrored in atomics so Snapshot can serve the status API without a scrape.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessions     *prometheus.CounterVec
	active       prometheus.Gauge
	bytes        *prometheus.CounterVec
	dialDuration prometheus.Histogram

	accepted   atomic.Int64
	activeN    atomic.Int64
	relayed    atomic.Int64
	failed     atomic.Int64
	dialErrors atomic.Int64
	bytesUp    atomic.Int64
	bytesDown  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the proxy counters
type StatsSnapshot struct {
	Accepted        int64 `json:"accepted"`
	Active          int64 `json:"active"`
	Relayed         int64 `json:"relayed"`
	Failed          int64 `json:"failed"`
	DialErrors      int64 `json:"dialErrors"`
	BytesUpstream   int64 `json:"bytesUpstream"`
	BytesDownstream int64 `json:"bytesDownstream"`
}

// NewMetrics creates the collectors and registers them on reg when reg is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socktail",
			Name:      "sessions_total",
			Help:      "SOCKS sessions by close reason.",
		}, []string{"result"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "socktail",
			Name:      "sessions_active",
			Help:      "SOCKS sessions currently open.",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socktail",
			Name:      "relay_bytes_total",
			Help:      "Bytes relayed by direction.",
		}, []string{"direction"}),
		dialDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "socktail",
			Name:      "dial_duration_seconds",
			Help:      "Time spent dialing proxy targets.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.sessions, m.active, m.bytes, m.dialDuration)
	}

	return m
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.accepted.Add(1)
	m.activeN.Add(1)
	m.active.Inc()
}

func (m *Metrics) sessionClosed(reason CloseReason) {
	if m == nil {
		return
	}
	m.activeN.Add(-1)
	m.active.Dec()
	m.sessions.WithLabelValues(reason.String()).Inc()

	switch reason {
	case ReasonDone:
		m.relayed.Add(1)
	case ReasonDialFailed:
		m.dialErrors.Add(1)
		m.failed.Add(1)
	default:
		m.failed.Add(1)
	}
}

func (m *Metrics) observeDial(d time.Duration) {
	if m == nil {
		return
	}
	m.dialDuration.Observe(d.Seconds())
}

func (m *Metrics) addRelayed(stats RelayStats) {
	if m == nil {
		return
	}
	m.bytesUp.Add(stats.Upstream)
	m.bytesDown.Add(stats.Downstream)
	m.bytes.WithLabelValues("upstream").Add(float64(stats.Upstream))
	m.bytes.WithLabelValues("downstream").Add(float64(stats.Downstream))
}

// Snapshot returns the current counters
func (m *Metrics) Snapshot() StatsSnapshot {
	if m == nil {
		return StatsSnapshot{}
	}
	return StatsSnapshot{
		Accepted:        m.accepted.Load(),
		Active:          m.activeN.Load(),
		Relayed:         m.relayed.Load(),
		Failed:          m.failed.Load(),
		DialErrors:      m.dialErrors.Load(),
		BytesUpstream:   m.bytesUp.Load(),
		BytesDownstream: m.bytesDown.Load(),
	}
}
