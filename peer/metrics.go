package peer

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// Members is the number of members in the local membership view.
	Members prometheus.Gauge

	// Connections is the number of connection table entries, labelled by
	// state.
	Connections *prometheus.GaugeVec

	// GossipRounds is the total number of gossip rounds initiated.
	GossipRounds prometheus.Counter

	// EnvelopesInbound is the total number of inbound envelopes, labelled
	// by kind.
	EnvelopesInbound *prometheus.CounterVec

	// EnvelopesOutbound is the total number of envelopes dispatched to
	// peers, labelled by kind.
	EnvelopesOutbound *prometheus.CounterVec

	// DecodeErrors is the total number of inbound snapshots that could not
	// be decoded.
	DecodeErrors prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Members: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "huddle",
				Subsystem: "peer",
				Name:      "members",
				Help:      "Number of members in the local membership view",
			},
		),
		Connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "huddle",
				Subsystem: "peer",
				Name:      "connections",
				Help:      "Number of connection table entries",
			},
			[]string{"state"},
		),
		GossipRounds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "huddle",
				Subsystem: "peer",
				Name:      "gossip_rounds_total",
				Help:      "Total number of gossip rounds initiated",
			},
		),
		EnvelopesInbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "huddle",
				Subsystem: "peer",
				Name:      "envelopes_inbound_total",
				Help:      "Total number of inbound envelopes",
			},
			[]string{"kind"},
		),
		EnvelopesOutbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "huddle",
				Subsystem: "peer",
				Name:      "envelopes_outbound_total",
				Help:      "Total number of envelopes dispatched to peers",
			},
			[]string{"kind"},
		),
		DecodeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "huddle",
				Subsystem: "peer",
				Name:      "decode_errors_total",
				Help:      "Total number of inbound snapshots that could not be decoded",
			},
		),
	}
}

func (m *Metrics) Register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.Members,
		m.Connections,
		m.GossipRounds,
		m.EnvelopesInbound,
		m.EnvelopesOutbound,
		m.DecodeErrors,
	)
}
