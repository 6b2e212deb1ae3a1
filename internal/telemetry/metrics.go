package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across every handler.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "packrun",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var ReservationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "packrun",
		Subsystem: "ledger",
		Name:      "reservations_total",
		Help:      "Total number of reservation attempts by outcome.",
	},
	[]string{"outcome"},
)

var SettlementsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "packrun",
		Subsystem: "ledger",
		Name:      "settlements_total",
		Help:      "Total number of run settlements by outcome.",
	},
	[]string{"outcome"},
)

var RateLimitRejectedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "packrun",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Total number of requests rejected by the tenant rate limiter.",
	},
)

var ClaimConflictsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "packrun",
		Subsystem: "worker",
		Name:      "claim_conflicts_total",
		Help:      "Total number of lost CAS races during lease or finalize claim.",
	},
)

var ReconcileDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "packrun",
		Subsystem: "reaper",
		Name:      "reconcile_decisions_total",
		Help:      "Total number of reconcile decisions by outcome.",
	},
	[]string{"decision"},
)

var LeaseExpiriesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "packrun",
		Subsystem: "reaper",
		Name:      "lease_expiries_total",
		Help:      "Total number of worker leases reclaimed after expiry.",
	},
)

var AuditRequiredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "packrun",
		Subsystem: "alarm",
		Name:      "audit_required_total",
		Help:      "Total number of runs marked AUDIT_REQUIRED.",
	},
)

// All returns every packrun-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ReservationsTotal,
		SettlementsTotal,
		RateLimitRejectedTotal,
		ClaimConflictsTotal,
		ReconcileDecisionsTotal,
		LeaseExpiriesTotal,
		AuditRequiredTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTP duration histogram, and any additional collectors passed in.
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
