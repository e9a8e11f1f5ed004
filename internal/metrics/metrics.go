package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "centralbus_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "centralbus_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	MessagesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "centralbus_messages_created_total",
			Help: "Total central messages stored",
		},
		[]string{"source_type"},
	)

	ChannelsAutoCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "centralbus_channels_auto_created_total",
			Help: "Channels created implicitly by the first message",
		},
	)

	BusEventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "centralbus_bus_events_total",
			Help: "Events emitted on the internal bus",
		},
		[]string{"event"},
	)

	AgentMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "centralbus_agent_messages_total",
			Help: "Bus messages handled by agent services, by outcome",
		},
		[]string{"outcome"},
	)

	AgentReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "centralbus_agent_replies_total",
			Help: "Agent replies, by outcome",
		},
		[]string{"outcome"}, // "submitted", "filtered", "failed"
	)

	MediaUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "centralbus_media_uploads_total",
			Help: "Media upload attempts, by result",
		},
		[]string{"result"},
	)

	// Socket metrics
	SocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "centralbus_socket_connections",
			Help: "Open WebSocket connections",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "centralbus_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "centralbus_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)
)
