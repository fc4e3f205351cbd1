package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tablelink/companion-sync/protocol"
)

// Metrics for one connection. A nil *Metrics records nothing.
type Metrics struct {
	state      prometheus.Gauge
	inbound    *prometheus.CounterVec
	outbound   *prometheus.CounterVec
	reconnects prometheus.Counter
	reg        prometheus.Registerer
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "companion",
			Subsystem: "relay",
			Name:      "state",
			Help:      "Current connection state, 0=Disconnected to 6=Suspended",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "relay",
			Name:      "inbound_messages",
			Help:      "Number of messages received, by type",
		}, []string{"type"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "relay",
			Name:      "outbound_messages",
			Help:      "Number of messages sent, by type",
		}, []string{"type"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "relay",
			Name:      "reconnect_attempts",
			Help:      "Number of scheduled reconnect attempts",
		}),
		reg: reg,
	}
	reg.MustRegister(m.state, m.inbound, m.outbound, m.reconnects)
	return m
}

// Unregister removes the collectors, e.g. on shutdown.
func (m *Metrics) Unregister() {
	if m == nil {
		return
	}
	m.reg.Unregister(m.state)
	m.reg.Unregister(m.inbound)
	m.reg.Unregister(m.outbound)
	m.reg.Unregister(m.reconnects)
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Metrics) received(t protocol.MsgType) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) sent(t protocol.MsgType) {
	if m == nil {
		return
	}
	m.outbound.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
