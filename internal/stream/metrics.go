package stream

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the client's Prometheus collectors.
type Metrics struct {
	Frames       *prometheus.CounterVec
	ServerErrors prometheus.Counter
	Acks         prometheus.Counter
	Pings        prometheus.Counter
	PongTimeouts prometheus.Counter
	Reconnects   prometheus.Counter
	State        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qstrike",
			Subsystem: "stream_client",
			Name:      "frames_received_total",
			Help:      "Binary frames received, by decode result.",
		}, []string{"result"}),
		ServerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qstrike",
			Subsystem: "stream_client",
			Name:      "server_errors_total",
			Help:      "ERROR text frames received from the server.",
		}),
		Acks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qstrike",
			Subsystem: "stream_client",
			Name:      "acks_sent_total",
			Help:      "ACK frames written.",
		}),
		Pings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qstrike",
			Subsystem: "stream_client",
			Name:      "pings_sent_total",
			Help:      "Liveness pings written.",
		}),
		PongTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qstrike",
			Subsystem: "stream_client",
			Name:      "pong_timeouts_total",
			Help:      "Sessions closed because no pong arrived in time.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qstrike",
			Subsystem: "stream_client",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after a transient failure.",
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qstrike",
			Subsystem: "stream_client",
			Name:      "connection_state",
			Help:      "Current connection state (0 connecting, 1 open, 2 awaiting pong, 3 closing, 4 closed, 5 reconnecting).",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Frames, m.ServerErrors, m.Acks, m.Pings, m.PongTimeouts, m.Reconnects, m.State)
	}
	return m
}
