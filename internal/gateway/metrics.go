package gateway

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Connections    *prometheus.GaugeVec
	FramesSent     *prometheus.CounterVec
	FramesDropped  prometheus.Counter
	Published      prometheus.Counter
	Acks           prometheus.Counter
	Pauses         prometheus.Counter
	AuthRejections *prometheus.CounterVec
	ReplayErrors   prometheus.Counter
}

// NewMetrics creates the gateway collectors and registers them with reg when
// it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qstrike_gateway_connections",
			Help: "Open stream connections by route.",
		}, []string{"route"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qstrike_gateway_frames_sent_total",
			Help: "Binary frames written to subscribers by route.",
		}, []string{"route"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qstrike_gateway_frames_dropped_total",
			Help: "Frames dropped because a subscriber queue was full.",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qstrike_gateway_published_total",
			Help: "Frames accepted from event sources.",
		}),
		Acks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qstrike_gateway_acks_total",
			Help: "ACK text frames received.",
		}),
		Pauses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qstrike_gateway_pauses_total",
			Help: "Times a connection publisher paused on unACKed frames.",
		}),
		AuthRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qstrike_gateway_auth_rejections_total",
			Help: "Connections closed for authorization by close code.",
		}, []string{"code"}),
		ReplayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qstrike_gateway_replay_errors_total",
			Help: "Replay store failures.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.FramesSent, m.FramesDropped, m.Published,
			m.Acks, m.Pauses, m.AuthRejections, m.ReplayErrors)
	}
	return m
}
