package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// Metrics provides observability for the compliance engine.
// All methods are safe on a nil receiver so callers need no guards.
type Metrics struct {
	ChecksInitialized  *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	Conflicts          *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	GateDecisions      *prometheus.CounterVec
	SnapshotLookups    *prometheus.CounterVec
	OutboxPublished    prometheus.Counter
	OutboxPublishFails prometheus.Counter
}

// New registers the compliance metrics with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChecksInitialized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_checks_initialized_total",
			Help: "Checks created by InitializeChecks, by check type",
		}, []string{"check_type"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_check_transitions_total",
			Help: "Accepted check status transitions",
		}, []string{"check_type", "status", "method"}),
		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_check_conflicts_total",
			Help: "Transitions rejected by the expected-status guard",
		}, []string{"operation"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "compliance_operation_duration_seconds",
			Help:    "Duration of compliance engine operations",
			Buckets: durationBuckets,
		}, []string{"operation"}),
		GateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_gate_decisions_total",
			Help: "Completion authorization outcomes",
		}, []string{"outcome"}),
		SnapshotLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_gate_snapshot_lookups_total",
			Help: "Gate snapshot cache lookups by result",
		}, []string{"result"}),
		OutboxPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "compliance_outbox_published_total",
			Help: "Audit events relayed from the outbox",
		}),
		OutboxPublishFails: f.NewCounter(prometheus.CounterOpts{
			Name: "compliance_outbox_publish_failures_total",
			Help: "Outbox batches that failed to publish",
		}),
	}
}

// IncrementInitialized records a newly created check.
func (m *Metrics) IncrementInitialized(checkType string) {
	if m == nil {
		return
	}
	m.ChecksInitialized.WithLabelValues(checkType).Inc()
}

// IncrementTransition records an accepted transition.
func (m *Metrics) IncrementTransition(checkType, status, method string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(checkType, status, method).Inc()
}

// IncrementConflict records a lost optimistic-concurrency race.
func (m *Metrics) IncrementConflict(operation string) {
	if m == nil {
		return
	}
	m.Conflicts.WithLabelValues(operation).Inc()
}

// ObserveOperation records the duration of an operation.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveOperation(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// IncrementGateDecision records an authoritative completion decision.
func (m *Metrics) IncrementGateDecision(canComplete bool) {
	if m == nil {
		return
	}
	outcome := "blocked"
	if canComplete {
		outcome = "allowed"
	}
	m.GateDecisions.WithLabelValues(outcome).Inc()
}

// IncrementSnapshotLookup records a cache hit, miss or error.
func (m *Metrics) IncrementSnapshotLookup(result string) {
	if m == nil {
		return
	}
	m.SnapshotLookups.WithLabelValues(result).Inc()
}

// AddOutboxPublished records relayed events.
func (m *Metrics) AddOutboxPublished(n int) {
	if m == nil {
		return
	}
	m.OutboxPublished.Add(float64(n))
}

// IncrementOutboxFailure records a failed relay batch.
func (m *Metrics) IncrementOutboxFailure() {
	if m == nil {
		return
	}
	m.OutboxPublishFails.Inc()
}
