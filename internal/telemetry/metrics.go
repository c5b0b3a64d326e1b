package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "siem_v2"

// HTTPRequestDuration tracks HTTP request latency, labeled by method, route
// pattern, and status.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name: "request_duration_seconds",
		Help: "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// Metrics bundles every counter/histogram/gauge exported by the core.
type Metrics struct {
	RateLimitAllowTotal *prometheus.CounterVec
	RateLimitThrottleTotal *prometheus.CounterVec
	RateLimitFailOpenTotal prometheus.Counter
	IngestAcceptedTotal *prometheus.CounterVec
	IngestQuarantinedTotal *prometheus.CounterVec
	IngestDLQTotal *prometheus.CounterVec
	IngestBackpressureTotal *prometheus.CounterVec
	IdempotencyReplayTotal *prometheus.CounterVec
	IdempotencyConflictTotal *prometheus.CounterVec
	LedgerGapTotal *prometheus.GaugeVec
	RulesRunTotal *prometheus.CounterVec
	AlertsWrittenTotal *prometheus.CounterVec
	AlertsDedupedTotal *prometheus.CounterVec
	IncidentsOpenTotal *prometheus.CounterVec
	IncidentsClosedTotal *prometheus.CounterVec
	BreakerStateGauge *prometheus.GaugeVec
	StreamEventsTotal *prometheus.CounterVec
}

// New constructs every metric named in this package, unregistered.
func New() *Metrics {
	return &Metrics{
		RateLimitAllowTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "allow_total",
			Help: "Requests allowed by the per-tenant token bucket.",
		}, []string{"tenant_id", "source"}),
		RateLimitThrottleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "throttle_total",
			Help: "Requests throttled by the per-tenant token bucket.",
		}, []string{"tenant_id", "source"}),
		RateLimitFailOpenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "fail_open_total",
			Help: "Requests allowed because the coordinator was unavailable.",
		}),
		IngestAcceptedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "accepted_total",
			Help: "Records accepted and persisted to events.",
		}, []string{"tenant_id", "source_id"}),
		IngestQuarantinedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "quarantined_total",
			Help: "Records routed to quarantine, by reason.",
		}, []string{"tenant_id", "reason"}),
		IngestDLQTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "dlq_total",
			Help: "Records routed to the dead-letter queue, by reason.",
		}, []string{"tenant_id", "reason"}),
		IngestBackpressureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "backpressure_total",
			Help: "Requests rejected with 503 due to batch buffer high-water mark.",
		}, []string{"table"}),
		IdempotencyReplayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "idempotency", Name: "replay_total",
			Help: "Requests served from the idempotency cache.",
		}, []string{"route"}),
		IdempotencyConflictTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "idempotency", Name: "conflict_total",
			Help: "Requests rejected due to idempotency key/body mismatch.",
		}, []string{"route"}),
		LedgerGapTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "gap_count",
			Help: "Missing sequence count observed at last audit, per (tenant,source).",
		}, []string{"tenant_id", "source_id"}),
		RulesRunTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rules", Name: "run_total",
			Help: "Rule scheduler runs, by outcome.",
		}, []string{"rule_id", "outcome"}),
		AlertsWrittenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alerts", Name: "written_total",
			Help: "Alerts written, by rule.",
		}, []string{"rule_id"}),
		AlertsDedupedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alerts", Name: "deduped_total",
			Help: "Candidate alerts dropped by the dedup anti-join.",
		}, []string{"rule_id"}),
		IncidentsOpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "incidents", Name: "opened_total",
			Help: "Incidents opened by the aggregator.",
		}, []string{"rule_id"}),
		IncidentsClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "incidents", Name: "closed_total",
			Help: "Incidents closed by the aggregator.",
		}, []string{"rule_id"}),
		BreakerStateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store", Name: "breaker_state",
			Help: "Circuit breaker state per endpoint: 0=closed,1=half-open,2=open.",
		}, []string{"endpoint"}),
		StreamEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "events_total",
			Help: "Events consumed by the stream rule runner, by rule match outcome.",
		}, []string{"rule_id", "matched"}),
	}
}

// Collectors returns every metric as a prometheus.Collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RateLimitAllowTotal, m.RateLimitThrottleTotal, m.RateLimitFailOpenTotal,
		m.IngestAcceptedTotal, m.IngestQuarantinedTotal, m.IngestDLQTotal, m.IngestBackpressureTotal,
		m.IdempotencyReplayTotal, m.IdempotencyConflictTotal,
		m.LedgerGapTotal, m.RulesRunTotal, m.AlertsWrittenTotal, m.AlertsDedupedTotal,
		m.IncidentsOpenTotal, m.IncidentsClosedTotal, m.BreakerStateGauge, m.StreamEventsTotal,
	}
}

// NewRegistry creates a Prometheus registry with Go/process collectors, the
// shared HTTP duration histogram, and m's metrics.
func NewRegistry(m *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range m.Collectors() {
		reg.MustRegister(c)
	}
	return reg
}
