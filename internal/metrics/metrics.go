// Package metrics declares the Prometheus collectors the listener
// publishes, following the namespace/subsystem convention the corpus uses
// for its own pool metrics. Only CircuitBreakerState is written to (by
// internal/dbpool); the other collectors are registered and exported but
// nothing in this module records values into them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesProcessed counts terminal outcomes per table and result.
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "listener",
			Subsystem: "messages",
			Name:      "processed_total",
			Help:      "Total messages reaching a terminal outcome",
		},
		[]string{"table", "result"}, // result: completed, abandoned, retried
	)

	// ProcessingDuration tracks handler invocation latency.
	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "listener",
			Subsystem: "messages",
			Name:      "processing_duration_seconds",
			Help:      "Time spent inside the main processing transaction",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	// InFlight tracks the number of messages currently checked out for
	// processing (polling mode's in-flight set, or replication's
	// concurrency-controller occupancy).
	InFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "listener",
			Subsystem: "messages",
			Name:      "in_flight",
			Help:      "Messages currently checked out for processing",
		},
		[]string{"table"},
	)

	// PollDuration tracks the latency of one polling-source iteration.
	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "listener",
			Subsystem: "polling",
			Name:      "poll_duration_seconds",
			Help:      "Time spent in a single poll iteration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	// ReplicationLagBytes tracks the WAL gap between the server's current
	// position and the last position acknowledged by this listener.
	ReplicationLagBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "listener",
			Subsystem: "replication",
			Name:      "lag_bytes",
			Help:      "Bytes between the server's WAL end and the last acknowledged LSN",
		},
		[]string{"slot"},
	)

	// ReplicationReconnects counts replication-source reconnect attempts.
	ReplicationReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "listener",
			Subsystem: "replication",
			Name:      "reconnects_total",
			Help:      "Total replication reconnect attempts",
		},
		[]string{"slot"},
	)

	// LeaderElectionState reports 1 when this instance holds the
	// distributed lock, 0 otherwise.
	LeaderElectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "listener",
			Subsystem: "leader_election",
			Name:      "state",
			Help:      "1 if this instance currently holds the leader lock, else 0",
		},
		[]string{"lock_name"},
	)

	// CleanupRowsDeleted counts rows removed by the cleanup scheduler.
	CleanupRowsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "listener",
			Subsystem: "cleanup",
			Name:      "rows_deleted_total",
			Help:      "Total terminal rows removed by the cleanup scheduler",
		},
		[]string{"table"},
	)

	// CircuitBreakerState reports the breaker's current state (0=closed,
	// 0.5=half-open, 1=open) guarding the database connection pool.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "listener",
			Subsystem: "dbpool",
			Name:      "circuit_breaker_state",
			Help:      "Database circuit breaker state: 0 closed, 0.5 half-open, 1 open",
		},
		[]string{"table"},
	)
)
