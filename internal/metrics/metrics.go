// Package metrics declares the Prometheus metrics for the battle hub.
//
// Naming convention: namespace_subsystem_name
//   - namespace: battlehub (application-level grouping)
//   - subsystem: transport, room, matchmaker, statesync, conflict (feature-level)
//   - name: specific metric (connections_active, events_total, ...)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks the current number of active peer connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "battlehub",
		Subsystem: "transport",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "battlehub",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomPeers tracks the number of peers (players + spectators) per room.
	RoomPeers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "battlehub",
		Subsystem: "room",
		Name:      "peers_count",
		Help:      "Number of peers in each room",
	}, []string{"room_id"})

	// FramesTotal tracks the total number of wire frames processed.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "battlehub",
		Subsystem: "transport",
		Name:      "frames_total",
		Help:      "Total frames processed",
	}, []string{"type", "status"})

	// FrameProcessingDuration tracks time spent routing a frame to its handler.
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "battlehub",
		Subsystem: "transport",
		Name:      "frame_processing_seconds",
		Help:      "Time spent processing a wire frame",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	// ParseErrorsTotal tracks malformed frames rejected by the codec.
	ParseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "battlehub",
		Subsystem: "transport",
		Name:      "parse_errors_total",
		Help:      "Total frames rejected by the frame codec",
	}, []string{"reason"})

	// HeartbeatLatency tracks the smoothed round-trip latency observed per peer.
	HeartbeatLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "battlehub",
		Subsystem: "transport",
		Name:      "heartbeat_latency_ms",
		Help:      "Smoothed PING/PONG round-trip latency in milliseconds",
		Buckets:   []float64{10, 25, 50, 100, 150, 200, 300, 500, 1000},
	})

	// MatchmakerQueueDepth tracks the number of tickets waiting to be paired.
	MatchmakerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "battlehub",
		Subsystem: "matchmaker",
		Name:      "queue_depth",
		Help:      "Current number of tickets waiting in the matchmaking queue",
	})

	// MatchmakerPairsTotal tracks the total number of rooms created via matchmaking.
	MatchmakerPairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "battlehub",
		Subsystem: "matchmaker",
		Name:      "pairs_total",
		Help:      "Total number of matchmade pairs created",
	})

	// StateSyncsTotal tracks full vs delta sync counts.
	StateSyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "battlehub",
		Subsystem: "statesync",
		Name:      "syncs_total",
		Help:      "Total number of state syncs produced, by mode",
	}, []string{"mode"})

	// ConflictsTotal tracks detected conflicts by type and resolution strategy.
	ConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "battlehub",
		Subsystem: "conflict",
		Name:      "detected_total",
		Help:      "Total number of state conflicts detected, by type",
	}, []string{"conflict_type"})

	// ConflictResolutionDuration tracks the latency of conflict resolution.
	ConflictResolutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "battlehub",
		Subsystem: "conflict",
		Name:      "resolution_seconds",
		Help:      "Time spent resolving a detected conflict",
		Buckets:   prometheus.DefBuckets,
	})

	// CircuitBreakerState tracks the state of the circuit breaker protecting
	// the distributed bus (0: Closed, 1: Open, 2: Half-Open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "battlehub",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks requests rejected by an open circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "battlehub",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks requests rejected by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "battlehub",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "battlehub",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// BusOperationsTotal tracks Redis pub/sub operations.
	BusOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "battlehub",
		Subsystem: "bus",
		Name:      "operations_total",
		Help:      "Total number of distributed bus operations",
	}, []string{"operation", "status"})

	// BusOperationDuration tracks the duration of bus operations.
	BusOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "battlehub",
		Subsystem: "bus",
		Name:      "operation_duration_seconds",
		Help:      "Duration of distributed bus operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

// IncConnection increments the active connection gauge.
func IncConnection() {
	ActiveConnections.Inc()
}

// DecConnection decrements the active connection gauge.
func DecConnection() {
	ActiveConnections.Dec()
}
