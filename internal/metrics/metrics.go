// Package metrics provides Prometheus instrumentation for the conversation
// server. It exposes gauges for connection and room counts, counters for
// message and delivery throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "convo_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the number of conversations with at least one joined
	// connection on this instance.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "convo_active_rooms",
		Help: "Current number of rooms with joined connections",
	})

	// MessagesTotal counts messages processed, labeled by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "convo_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"}) // type = "created", "edited", "deleted", "blocked", "rejected"

	// EventsPublished counts room broadcasts by event type.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "convo_events_published_total",
		Help: "Total number of events published to rooms",
	}, []string{"event"})

	// DeliveryFailures counts per-connection enqueue failures during broadcast.
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "convo_delivery_failures_total",
		Help: "Total number of per-connection delivery failures",
	})

	// TypingActive tracks the number of (conversation, user) typing states.
	TypingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "convo_typing_active",
		Help: "Current number of active typing indicators",
	})

	// MessageLatency records message_created handling latency in seconds,
	// from frame receipt to broadcast.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "convo_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveRooms,
		MessagesTotal,
		EventsPublished,
		DeliveryFailures,
		TypingActive,
		MessageLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
