package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors. Each Relay owns its own
// registry so tests can build isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	messages      *prometheus.CounterVec
	droppedFrames prometheus.Counter
	rejected      *prometheus.CounterVec
	reaped        prometheus.Counter
	deleted       prometheus.Counter
}

// NewMetrics registers the relay collectors on a fresh registry. The gauges
// read their values from the store and registry on scrape.
func NewMetrics(store *Store, connections func() int) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_total",
			Help:      "Inbound messages by type and outcome.",
		}, []string{"type", "outcome"}),
		droppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "dropped_frames_total",
			Help:      "Outbound frames dropped because the peer was closed or its queue was full.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "rejected_connections_total",
			Help:      "Connections refused during the handshake.",
		}, []string{"reason"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "reaped_participants_total",
			Help:      "Participants removed by the idle sweep.",
		}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "deleted_sessions_total",
			Help:      "Sessions deleted after staying empty for the grace period.",
		}),
	}

	reg.MustRegister(
		m.messages,
		m.droppedFrames,
		m.rejected,
		m.reaped,
		m.deleted,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "sessions",
			Help:      "Sessions currently held in memory.",
		}, func() float64 { return float64(store.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "participants",
			Help:      "Participants joined across all sessions.",
		}, func() float64 {
			total := 0
			for _, sess := range store.Sessions() {
				total += sess.ParticipantCount()
			}
			return float64(total)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}, func() float64 { return float64(connections()) }),
	)

	return m
}

func (m *Metrics) observeMessage(messageType, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(messageType, outcome).Inc()
}

func (m *Metrics) observeDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedFrames.Add(float64(n))
}

func (m *Metrics) observeRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reaped.Add(float64(n))
}

func (m *Metrics) observeDeleted() {
	if m == nil {
		return
	}
	m.deleted.Inc()
}
