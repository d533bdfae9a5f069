// Package metrics provides Prometheus instrumentation for the messaging
// backend. It exposes gauges for connection and room counts, counters for
// message and broadcast throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RoomsActive tracks the number of conversation rooms with at least
	// one local connection.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_rooms_active",
		Help: "Current number of rooms with local members",
	})

	// OperationsTotal counts delivery operations by type and outcome.
	OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_operations_total",
		Help: "Total number of delivery operations processed",
	}, []string{"op", "outcome"}) // op = "send", "react", "vote", ...; outcome = "ok", "error"

	// BroadcastsTotal counts events fanned out to rooms.
	BroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "huddle_broadcasts_total",
		Help: "Total number of events broadcast to rooms",
	})

	// SendLatency records end-to-end send-message latency in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "huddle_send_latency_seconds",
		Help:    "Send message latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// LockWait records how long sends waited for their conversation token.
	LockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "huddle_lock_wait_seconds",
		Help:    "Time spent waiting for a conversation lock token",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2},
	})

	// ContendedTotal counts lock acquisitions that timed out.
	ContendedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "huddle_contended_total",
		Help: "Total number of conversation lock timeouts",
	})

	// ConflictsAbsorbed counts uniqueness conflicts converted into
	// idempotent successes (duplicate reactions and votes).
	ConflictsAbsorbed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "huddle_conflicts_absorbed_total",
		Help: "Total uniqueness conflicts absorbed as idempotent successes",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomsActive,
		OperationsTotal,
		BroadcastsTotal,
		SendLatency,
		LockWait,
		ContendedTotal,
		ConflictsAbsorbed,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
