package router

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the router's prometheus counters. Each router owns its own
// registry so several nodes can live in one process (simulations, tests)
// without collisions.
type Metrics struct {
	registry *prometheus.Registry

	FramesReceived prometheus.Counter
	DecodeErrors   prometheus.Counter
	AuthErrors     prometheus.Counter
	DedupHits      prometheus.Counter
	EnvelopesSent  *prometheus.CounterVec
	Deliveries     *prometheus.CounterVec
}

// NewMetrics creates and registers the router counters.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fedmesh",
			Name:      "frames_received_total",
			Help:      "Total number of frames received over all connections.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fedmesh",
			Name:      "decode_errors_total",
			Help:      "Total number of frames dropped as malformed.",
		}),
		AuthErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fedmesh",
			Name:      "auth_errors_total",
			Help:      "Total number of message bodies that failed authentication.",
		}),
		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fedmesh",
			Name:      "dedup_hits_total",
			Help:      "Total number of duplicate messages suppressed.",
		}),
		EnvelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedmesh",
			Name:      "envelopes_sent_total",
			Help:      "Total number of envelopes enqueued for sending.",
		}, []string{"tag"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedmesh",
			Name:      "deliveries_total",
			Help:      "Total number of payloads delivered to the application.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.FramesReceived,
		m.DecodeErrors,
		m.AuthErrors,
		m.DedupHits,
		m.EnvelopesSent,
		m.Deliveries,
	)

	return m
}

// Handler exposes the registry for the HTTP service's /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
