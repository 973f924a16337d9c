package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics (ops server)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groupchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Chat engine metrics
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_connections_total",
			Help: "Total accepted chat connections",
		},
		[]string{"result"}, // "assigned" or "rejected_full"
	)

	Population = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "groupchat_population",
			Help: "Currently connected chat sessions",
		},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_messages_total",
			Help: "Total chat messages delivered by kind",
		},
		[]string{"kind"}, // "broadcast", "direct", "note"
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_commands_total",
			Help: "Total in-band commands received",
		},
		[]string{"command"},
	)

	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groupchat_send_failures_total",
			Help: "Total frames that could not be delivered to a session",
		},
	)

	FramesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_frames_rejected_total",
			Help: "Total frames rejected by the engine",
		},
		[]string{"reason"}, // "too_large", "version", "rate_limited"
	)

	// Supervisor metrics
	AdminAuthTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_admin_auth_total",
			Help: "Total manager passkey attempts",
		},
		[]string{"result"}, // "success", "failure", "exhausted", "blocked"
	)

	EngineStarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groupchat_engine_starts_total",
			Help: "Total chat engine starts",
		},
	)

	EngineRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "groupchat_engine_running",
			Help: "1 while the chat engine child is running",
		},
	)

	RelayedPopulation = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "groupchat_relayed_population",
			Help: "Last population count relayed to the manager",
		},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "groupchat_store_latency_seconds",
			Help:    "Audit and presence store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1},
		},
	)
)
