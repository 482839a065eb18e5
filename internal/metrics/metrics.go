package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schoolchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "schoolchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Relay metrics
	RelayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "schoolchat_relay_connections",
			Help: "Open relay WebSocket connections",
		},
	)

	RelayEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schoolchat_relay_events_total",
			Help: "Inbound relay events by name and result",
		},
		[]string{"event", "result"}, // result: "ok" or "error"
	)

	MessagesRouted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "schoolchat_messages_routed_total",
			Help: "Messages persisted and fanned out to a room",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "schoolchat_rate_limit_hits_total",
			Help: "Messages rejected by the per-sender rate limit",
		},
	)

	StorageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "schoolchat_storage_latency_seconds",
			Help:    "Message repository operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"backend", "op"},
	)

	// Client metrics
	TransportReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "schoolchat_transport_reconnects_total",
			Help: "Reconnect attempts made by the chat transport",
		},
	)

	TransportEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schoolchat_transport_events_total",
			Help: "Events seen by the chat transport",
		},
		[]string{"direction", "event"}, // direction: "in" or "out"
	)

	ReconciledMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "schoolchat_reconciled_messages_total",
			Help: "Optimistic sends confirmed by their echo",
		},
	)
)
