package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the server's prometheus instruments behind one registry so
// the debug web server can expose exactly this set and nothing else.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	HandshakesFailed    prometheus.Counter
	PacketsRelayed      *prometheus.CounterVec
	ActiveSessions      *prometheus.GaugeVec
	TickSlack           *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tidf",
			Name:      "connections_accepted_total",
			Help:      "TCP connections that passed the join handshake.",
		}),
		HandshakesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tidf",
			Name:      "handshakes_failed_total",
			Help:      "Connections dropped during the join handshake.",
		}),
		PacketsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tidf",
			Name:      "packets_relayed_total",
			Help:      "Packets accepted for relay, by transport.",
		}, []string{"transport"}),
		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tidf",
			Name:      "active_sessions",
			Help:      "Live sessions per worker.",
		}, []string{"worker"}),
		TickSlack: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tidf",
			Name:      "tick_slack_nanoseconds",
			Help:      "Spare time in the last tick per worker; negative when overrunning.",
		}, []string{"worker"}),
	}
	m.Registry.MustRegister(
		m.ConnectionsAccepted,
		m.HandshakesFailed,
		m.PacketsRelayed,
		m.ActiveSessions,
		m.TickSlack,
	)
	return m
}
