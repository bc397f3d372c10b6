package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedAgents tracks open agent websocket sessions.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hostwatch_collector_connected_agents",
		Help: "Number of agents currently connected",
	})

	// SessionsRejected counts handshakes refused before upgrade.
	SessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostwatch_collector_sessions_rejected_total",
		Help: "Total number of agent handshakes rejected",
	}, []string{"reason"})

	// SessionsReaped counts sessions closed after the idle timeout.
	SessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostwatch_collector_sessions_reaped_total",
		Help: "Total number of idle agent sessions closed by the collector",
	})

	// ReportsIngested counts reports committed to storage.
	ReportsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostwatch_collector_reports_ingested_total",
		Help: "Total number of reports committed to storage",
	})

	// IngestErrors counts reports that could not be stored or decoded.
	IngestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostwatch_collector_ingest_errors_total",
		Help: "Total number of reports dropped by stage",
	}, []string{"stage"})

	// PointsIngested counts datums by kind (metric, status, meta).
	PointsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostwatch_collector_points_ingested_total",
		Help: "Total number of datums ingested by kind",
	}, []string{"kind"})

	// HealthTransitions counts recorded state changes.
	HealthTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostwatch_collector_health_transitions_total",
		Help: "Total number of health transitions recorded",
	})

	// IngestDuration tracks the time spent in one report transaction.
	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hostwatch_collector_ingest_duration_seconds",
		Help:    "Duration of the storage transaction for one report",
		Buckets: prometheus.DefBuckets,
	})

	// RateLimitWait tracks how long reports were held back by the per-agent limiter.
	RateLimitWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hostwatch_collector_rate_limit_wait_seconds",
		Help:    "Time a report waited for its agent's rate limiter",
		Buckets: []float64{0, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// AlertsDispatched counts published health alerts by outcome.
	AlertsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostwatch_collector_alerts_dispatched_total",
		Help: "Total number of health alerts handed to the publisher",
	}, []string{"result"})

	// RowsPurged counts rows removed by retention, per table.
	RowsPurged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostwatch_collector_rows_purged_total",
		Help: "Total number of rows deleted by retention",
	}, []string{"table"})

	// LeaderStatus is 1 while this instance runs the background jobs.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hostwatch_collector_leader",
		Help: "Whether this collector currently holds the leader lease",
	})

	// LeadershipTransitions counts lease events (acquired, lost, released).
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostwatch_collector_leadership_transitions_total",
		Help: "Total number of leader lease transitions",
	}, []string{"event"})
)
