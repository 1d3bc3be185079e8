// Package obs centralizes the ambient observability surface (metrics and
// the tracer name) shared by every component that touches the log:
// appends, guard rejections, chain verification, replication, and
// projection advancement.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the Prometheus collectors the ledger registers on
// construction. A nil *Metrics is valid everywhere it's accepted — all
// methods are nil-receiver safe — so components can be exercised in
// tests without standing up a registry.
type Metrics struct {
	AppendsTotal       *prometheus.CounterVec
	GuardRejections    *prometheus.CounterVec
	ChainVerifyResult  *prometheus.CounterVec
	SnapshotsTotal     *prometheus.CounterVec
	ProjectionErrors   *prometheus.CounterVec
	ReplicationLag     *prometheus.GaugeVec
	ConflictsTotal     *prometheus.CounterVec
	SyncRoundsTotal    *prometheus.CounterVec
}

// NewMetrics builds and registers the ledger's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AppendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_appends_total",
			Help: "Outcomes of EventStore.Append, labeled by result.",
		}, []string{"result"}),
		GuardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_guard_rejections_total",
			Help: "Guard rejections, labeled by reason.",
		}, []string{"reason"}),
		ChainVerifyResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_chain_verify_total",
			Help: "Chain verification outcomes, labeled by result.",
		}, []string{"result"}),
		SnapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_snapshots_total",
			Help: "Snapshot writes, labeled by aggregate_type.",
		}, []string{"aggregate_type"}),
		ProjectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_projection_errors_total",
			Help: "Projection handler failures, labeled by projection.",
		}, []string{"projection"}),
		ReplicationLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_replication_lag_events",
			Help: "Estimated events a peer is behind, labeled by peer_id.",
		}, []string{"peer_id"}),
		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_conflicts_total",
			Help: "Concurrent-write conflicts detected, labeled by resolution.",
		}, []string{"resolution"}),
		SyncRoundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_sync_rounds_total",
			Help: "Replication sync rounds, labeled by peer_id and outcome.",
		}, []string{"peer_id", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.AppendsTotal, m.GuardRejections, m.ChainVerifyResult,
			m.SnapshotsTotal, m.ProjectionErrors, m.ReplicationLag,
			m.ConflictsTotal, m.SyncRoundsTotal,
		)
	}
	return m
}

func (m *Metrics) append(result string) {
	if m == nil {
		return
	}
	m.AppendsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) guardRejection(reason string) {
	if m == nil {
		return
	}
	m.GuardRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) chainVerify(result string) {
	if m == nil {
		return
	}
	m.ChainVerifyResult.WithLabelValues(result).Inc()
}

func (m *Metrics) snapshot(aggregateType string) {
	if m == nil {
		return
	}
	m.SnapshotsTotal.WithLabelValues(aggregateType).Inc()
}

func (m *Metrics) projectionError(projection string) {
	if m == nil {
		return
	}
	m.ProjectionErrors.WithLabelValues(projection).Inc()
}

func (m *Metrics) conflict(resolution string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(resolution).Inc()
}

func (m *Metrics) syncRound(peerID, outcome string) {
	if m == nil {
		return
	}
	m.SyncRoundsTotal.WithLabelValues(peerID, outcome).Inc()
}

func (m *Metrics) replicationLag(peerID string, lag float64) {
	if m == nil {
		return
	}
	m.ReplicationLag.WithLabelValues(peerID).Set(lag)
}

// RecordAppend is exported for the eventstore package.
func (m *Metrics) RecordAppend(result string) { m.append(result) }

// RecordGuardRejection is exported for the guard/eventstore packages.
func (m *Metrics) RecordGuardRejection(reason string) { m.guardRejection(reason) }

// RecordChainVerify is exported for the eventstore package.
func (m *Metrics) RecordChainVerify(result string) { m.chainVerify(result) }

// RecordSnapshot is exported for the snapshot package.
func (m *Metrics) RecordSnapshot(aggregateType string) { m.snapshot(aggregateType) }

// RecordProjectionError is exported for the projection package.
func (m *Metrics) RecordProjectionError(projection string) { m.projectionError(projection) }

// RecordConflict is exported for the replication package.
func (m *Metrics) RecordConflict(resolution string) { m.conflict(resolution) }

// RecordSyncRound is exported for the replication package.
func (m *Metrics) RecordSyncRound(peerID, outcome string) { m.syncRound(peerID, outcome) }

// RecordReplicationLag is exported for the replication package.
func (m *Metrics) RecordReplicationLag(peerID string, lag float64) { m.replicationLag(peerID, lag) }

// Tracer returns one OpenTelemetry tracer per component, mirroring
// go-eventstore's `otel.Tracer(...)` per component, with every name
// under the shared "chainledger/" prefix.
func Tracer(component string) trace.Tracer {
	return otel.Tracer("chainledger/" + component)
}
