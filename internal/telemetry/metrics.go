package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across every mounted router.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "loom",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var ThreadUpsertConflictsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "thread",
		Name:      "upsert_conflicts_total",
		Help:      "Total number of thread upserts rejected for version conflict.",
	},
)

var ThreadSyncPendingGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "loom",
		Subsystem: "thread",
		Name:      "sync_pending",
		Help:      "Number of threads with a pending offline-sync entry.",
	},
)

var BroadcastDeliveredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "events",
		Name:      "broadcast_delivered_total",
		Help:      "Total number of events delivered by stream kind.",
	},
	[]string{"stream"},
)

var BroadcastDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "events",
		Name:      "broadcast_dropped_total",
		Help:      "Total number of events dropped due to zero receivers or full channel.",
	},
	[]string{"stream"},
)

var LLMUpstreamRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "loom",
		Subsystem: "llm",
		Name:      "upstream_request_duration_seconds",
		Help:      "Duration of upstream LLM provider calls.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"provider"},
)

var LLMOAuthCredentialCooldownTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "llm",
		Name:      "oauth_credential_cooldown_total",
		Help:      "Total number of times an OAuth credential was parked for quota cooldown.",
	},
	[]string{"provider"},
)

var SCMMirrorPullTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "scm",
		Name:      "mirror_pull_total",
		Help:      "Total number of mirror pull results by outcome.",
	},
	[]string{"result"},
)

var SCMMaintenanceDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "loom",
		Subsystem: "scm",
		Name:      "maintenance_duration_seconds",
		Help:      "Duration of per-repo maintenance tasks.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	},
	[]string{"task"},
)

var SecretsAccessTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "secrets",
		Name:      "access_total",
		Help:      "Total number of secret reads by outcome.",
	},
	[]string{"outcome"},
)

var AuditDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "audit",
		Name:      "dropped_total",
		Help:      "Total number of audit entries dropped because the write buffer was full.",
	},
)

// All returns every Loom-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ThreadUpsertConflictsTotal,
		ThreadSyncPendingGauge,
		BroadcastDeliveredTotal,
		BroadcastDroppedTotal,
		LLMUpstreamRequestDuration,
		LLMOAuthCredentialCooldownTotal,
		SCMMirrorPullTotal,
		SCMMaintenanceDuration,
		SecretsAccessTotal,
		AuditDroppedTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and every Loom-specific collector.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
