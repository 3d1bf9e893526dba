package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks Operator Surface request latency, shared
// across every mounted handler.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "agentfleet",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Operator Surface HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// QueueDepth tracks the number of pending (unleased) items per tenant/queue,
// set by the Worker's poll loop (queue "review") and the Perception loop
// (queue "task").
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "agentfleet",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of pending items in a tenant's queue.",
	},
	[]string{"tenant_id", "queue"},
)

// LeaseExpiredTotal counts leases the Reap loop reclaimed, evidence of
// crashed Workers/Judges.
var LeaseExpiredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentfleet",
		Subsystem: "queue",
		Name:      "lease_expired_total",
		Help:      "Total number of leases reclaimed after their visibility timeout elapsed.",
	},
	[]string{"tenant_id", "queue"},
)

// OCCConflictTotal counts CampaignState commit retries caused by a lost
// optimistic-concurrency race.
var OCCConflictTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentfleet",
		Subsystem: "judge",
		Name:      "occ_conflict_total",
		Help:      "Total number of OCC version conflicts encountered committing a campaign.",
	},
	[]string{"tenant_id"},
)

// BudgetRejectedTotal counts dispatch attempts the Budget Ledger refused,
// split by which cap was hit.
var BudgetRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentfleet",
		Subsystem: "budget",
		Name:      "rejected_total",
		Help:      "Total number of commerce task dispatches refused by the Budget Ledger.",
	},
	[]string{"tenant_id", "reason"},
)

// DecisionsTotal counts Judge/HITL verdicts by kind.
var DecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentfleet",
		Subsystem: "judge",
		Name:      "decisions_total",
		Help:      "Total number of JudgeDecisions recorded, by decision kind.",
	},
	[]string{"tenant_id", "decision"},
)

// All returns every AgentFleet-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		QueueDepth,
		LeaseExpiredTotal,
		OCCConflictTotal,
		BudgetRejectedTotal,
		DecisionsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTPRequestDuration metric, and any additional
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
