// Package metrics holds the Prometheus collectors shared by the transports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values.
const (
	ProtoHTTP1 = "h1"
	ProtoHTTP2 = "h2"

	RoleClient = "client"
	RoleServer = "server"
)

// Handshake outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeTimeout     = "timeout"
	OutcomeCancelled   = "cancelled"
	OutcomeClosed      = "closed"
	OutcomeUnsupported = "unsupported"
	OutcomeRejected    = "rejected"
)

var (
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duplex_connections_active",
			Help: "Currently open connections",
		},
		[]string{"proto", "role"},
	)

	ConnectionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duplex_connections_rejected_total",
			Help: "Connections refused because the connection limit was reached",
		},
	)

	StreamsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplex_streams_opened_total",
			Help: "HTTP/2 streams opened",
		},
		[]string{"role"},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplex_connection_errors_total",
			Help: "Connections torn down by a protocol error, by HTTP/2 error code",
		},
		[]string{"code"},
	)

	StreamResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplex_stream_resets_total",
			Help: "RST_STREAM frames sent, by HTTP/2 error code",
		},
		[]string{"code"},
	)

	Handshakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplex_websocket_handshakes_total",
			Help: "WebSocket handshakes by side, transport and outcome",
		},
		[]string{"side", "proto", "outcome"},
	)

	HandshakeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duplex_websocket_handshake_duration_seconds",
			Help:    "Time from handshake dispatch to completion",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"side"},
	)

	PipelineBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "duplex_h1_pipeline_buffered_responses",
			Help: "HTTP/1.1 responses completed out of order and waiting for earlier ones",
		},
	)

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplex_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duplex_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	RequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "duplex_http_requests_in_flight",
			Help: "Current number of HTTP requests being served",
		},
	)

	ResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duplex_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"method", "path", "status"},
	)
)
