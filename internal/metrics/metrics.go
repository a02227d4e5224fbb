// Package metrics holds the provider's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "symmetry"
	subsystem = "provider"
)

// Metrics groups the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	InferenceRequests   *prometheus.CounterVec // outcome: completed, upstream_error, peer_closed
	InflightRelays      prometheus.Gauge
	RelayBytes          prometheus.Counter
	BackpressureWaits   prometheus.Counter
	RelayDuration       prometheus.Histogram
	TranscriptsSaved    *prometheus.CounterVec // outcome: saved, failed
	InboundConnections  prometheus.Gauge
	TransportFaults     prometheus.Counter
	MalformedFrames     prometheus.Counter
	HandshakeResults    *prometheus.CounterVec // result: verified, failed
	SelfTestResults     *prometheus.CounterVec // result: ok, failed
	ConversationCounter prometheus.Gauge
}

// New creates collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		InferenceRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "inference_requests_total",
			Help:      "Inference requests handled, labeled by outcome.",
		}, []string{"outcome"}),

		InflightRelays: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "inflight_relays",
			Help:      "Inference relays currently streaming.",
		}),

		RelayBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "relay_bytes_total",
			Help:      "Raw response bytes forwarded to peers.",
		}),

		BackpressureWaits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "backpressure_waits_total",
			Help:      "Times a relay paused until the peer drained.",
		}),

		RelayDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "relay_duration_seconds",
			Help:      "Time from request to end of stream.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),

		TranscriptsSaved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transcripts_total",
			Help:      "Transcript persistence attempts, labeled by outcome.",
		}, []string{"outcome"}),

		InboundConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "inbound_connections",
			Help:      "Approximate count of active inbound peer connections.",
		}),

		TransportFaults: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transport_faults_total",
			Help:      "Connection reset faults reported by the overlay.",
		}),

		MalformedFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "malformed_frames_total",
			Help:      "Peer frames dropped because they did not decode.",
		}),

		HandshakeResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handshake_results_total",
			Help:      "Server handshake outcomes.",
		}, []string{"result"}),

		SelfTestResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "self_test_results_total",
			Help:      "Backend self-test outcomes.",
		}, []string{"result"}),

		ConversationCounter: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "conversation_index",
			Help:      "Current conversation index used for transcript names.",
		}),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
