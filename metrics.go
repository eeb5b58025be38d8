package marketchat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	connectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_connection_transitions_total",
			Help: "Connection state transitions by target state",
		},
		[]string{"state"},
	)

	reconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketchat_reconnect_attempts_total",
			Help: "Scheduled reconnect attempts",
		},
	)

	// Delivery metrics
	messagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_messages_confirmed_total",
			Help: "Outbound messages confirmed by the server",
		},
		[]string{"path"}, // "channel" or "rest"
	)

	deliveryFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_delivery_fallbacks_total",
			Help: "Sends moved from the channel to the REST path",
		},
		[]string{"reason"}, // "timeout", "emit", "protocol", "disconnect"
	)

	deliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketchat_delivery_failures_total",
			Help: "Sends that failed on every path",
		},
	)

	ackLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marketchat_ack_latency_seconds",
			Help:    "Time from send to server confirmation",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		},
	)

	duplicatesSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketchat_duplicates_suppressed_total",
			Help: "Inbound messages dropped because their durable id was already delivered",
		},
	)

	// Presence metrics
	typingSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketchat_typing_signals_total",
			Help: "Typing signals by direction and kind",
		},
		[]string{"direction", "kind"}, // direction: "out"/"in"; kind: "start", "stop", "expired"
	)
)
