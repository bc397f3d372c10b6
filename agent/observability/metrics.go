package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProbeRuns counts probe invocations by module and result (ok, empty, error).
	ProbeRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostwatch_agent_probe_runs_total",
		Help: "Total number of probe invocations",
	}, []string{"module", "result"})

	// ProbeDuration tracks how long each probe takes.
	ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hostwatch_agent_probe_duration_seconds",
		Help:    "Probe execution duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"module"})

	// ProbeMisfires counts triggers dropped because the job was still running
	// or no worker became free within the grace window.
	ProbeMisfires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostwatch_agent_probe_misfires_total",
		Help: "Total number of dropped probe triggers",
	}, []string{"module", "reason"})

	// ReportsPushed counts reports written to the collector.
	ReportsPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostwatch_agent_reports_pushed_total",
		Help: "Total number of reports pushed to the collector",
	})

	// ConnectionState is 1 for the current state label, 0 otherwise.
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hostwatch_agent_connection_state",
		Help: "Current collector connection state",
	}, []string{"state"})

	// ConnectionFailures counts failed sessions by kind (transport, protocol, auth).
	ConnectionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostwatch_agent_connection_failures_total",
		Help: "Total number of collector session failures",
	}, []string{"kind"})

	// OutageAlerts counts escalated outage alerts.
	OutageAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostwatch_agent_outage_alerts_total",
		Help: "Total number of outage alerts raised",
	})
)
