package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the RPC/pub-sub engine. Scraped via /metrics.
var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrpc_connections_total",
		Help: "Total number of WebSocket connections established",
	})
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wsrpc_connections_active",
		Help: "Current number of active WebSocket connections",
	})
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wsrpc_connections_rejected_total",
		Help: "Connections rejected before upgrade, by reason",
	}, []string{"reason"})
	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wsrpc_disconnects_total",
		Help: "Disconnections by reason",
	}, []string{"reason"})

	// Wire metrics
	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrpc_messages_received_total",
		Help: "Inbound WebSocket text frames",
	})
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrpc_messages_sent_total",
		Help: "Outbound WebSocket text frames",
	})
	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrpc_bytes_received_total",
		Help: "Inbound bytes",
	})
	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrpc_bytes_sent_total",
		Help: "Outbound bytes",
	})

	// Dispatch metrics
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wsrpc_requests_total",
		Help: "Dispatched requests by method and outcome",
	}, []string{"method", "outcome"})
	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wsrpc_batch_size",
		Help:    "Number of elements per JSON-RPC batch",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
	})

	// Pub/sub metrics
	PublishesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wsrpc_publishes_total",
		Help: "Publish calls by kind (transient or persistent)",
	}, []string{"kind"})
	NotificationsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrpc_notifications_enqueued_total",
		Help: "Notifications successfully queued to subscribers",
	})
	NotificationsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wsrpc_notifications_dropped_total",
		Help: "Notifications dropped, by reason",
	}, []string{"reason"})
	SlowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrpc_slow_clients_disconnected_total",
		Help: "Connections closed for repeatedly full send queues",
	})
	RateLimitedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrpc_rate_limited_frames_total",
		Help: "Inbound frames dropped by the per-connection rate limiter",
	})

	// Durable store metrics
	StoredMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrpc_stored_messages_total",
		Help: "Messages appended to the durable store",
	})
	RetentionDeletes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrpc_retention_deletes_total",
		Help: "Messages removed by retention sweeps",
	})
	PersistentReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrpc_persistent_replays_total",
		Help: "Messages replayed to reattaching persistent subscribers",
	})
	PersistentAcks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrpc_persistent_acks_total",
		Help: "Cursor acknowledgements",
	})

	// Ingest metrics
	IngestedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wsrpc_ingested_messages_total",
		Help: "Messages ingested from external sources",
	}, []string{"source"})

	// Runtime
	PanicsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrpc_panics_recovered_total",
		Help: "Panics caught by recovery helpers",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		DisconnectsTotal,
		MessagesReceived,
		MessagesSent,
		BytesReceived,
		BytesSent,
		RequestsTotal,
		BatchSize,
		PublishesTotal,
		NotificationsEnqueued,
		NotificationsDropped,
		SlowClientsDisconnected,
		RateLimitedFrames,
		StoredMessages,
		RetentionDeletes,
		PersistentReplays,
		PersistentAcks,
		IngestedMessages,
		PanicsRecovered,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
