package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Connection lifecycle metrics
var (
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tickercast_connections_active",
			Help: "Number of registered client connections",
		},
	)

	ConnectionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tickercast_connections_accepted_total",
			Help: "Total number of upgraded client connections",
		},
	)

	// ConnectionsRejected counts accepted transports that could not be registered, by reason
	ConnectionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickercast_connections_rejected_total",
			Help: "Total number of client connections rejected after accept",
		},
		[]string{"reason"},
	)

	// ConnectionsClosed counts actor terminations by cause (send, receive, shutdown)
	ConnectionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickercast_connections_closed_total",
			Help: "Total number of closed client connections",
		},
		[]string{"cause"},
	)
)

// Broadcast metrics
var (
	FramesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickercast_frames_sent_total",
			Help: "Total number of envelopes written to clients",
		},
		[]string{"channel"},
	)

	Subscriptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickercast_subscriptions_total",
			Help: "Total number of accepted channel subscriptions",
		},
		[]string{"channel"},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tickercast_tick_duration_seconds",
			Help:    "Time spent writing one tick's envelopes to a client",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Ingestion metrics
var (
	IngestUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickercast_ingest_updates_total",
			Help: "Total number of values written to the snapshot register",
		},
		[]string{"inlet"},
	)

	IngestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickercast_ingest_errors_total",
			Help: "Total number of receive errors seen by ingestion inlets",
		},
		[]string{"inlet"},
	)

	// FeedMessages counts upstream frames by outcome (published, skipped, malformed, failed)
	FeedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickercast_feed_messages_total",
			Help: "Total number of upstream feed frames processed",
		},
		[]string{"outcome"},
	)

	RelayDatagrams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickercast_relay_datagrams_total",
			Help: "Total number of datagrams handled by the relay hop",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(ConnectionsActive, ConnectionsAccepted, ConnectionsRejected, ConnectionsClosed)
	prometheus.MustRegister(FramesSent, Subscriptions, TickDuration)
	prometheus.MustRegister(IngestUpdates, IngestErrors, FeedMessages, RelayDatagrams)
}
