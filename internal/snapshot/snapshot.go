// Package snapshot implements the Snapshot Manager (spec §4.3): periodic
// persistence of folded aggregate state to accelerate rehydration. It is
// a cache in front of the event log, never a source of truth — every
// read/write failure here is non-fatal to the caller.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/trace"

	"chainledger/internal/ledger"
	"chainledger/internal/obs"
)

const (
	DefaultEventsThreshold = 1000
	DefaultTimeThreshold   = 24 * time.Hour
	DefaultMaxPerAggregate = 3
)

// Policy controls when maybe_snapshot actually writes, per aggregate
// type. A type absent from Eligible is never snapshotted.
type Policy struct {
	Eligible        map[string]bool
	EventsThreshold int
	TimeThreshold   time.Duration
	MaxPerAggregate int
}

func (p Policy) withDefaults() Policy {
	if p.EventsThreshold <= 0 {
		p.EventsThreshold = DefaultEventsThreshold
	}
	if p.TimeThreshold <= 0 {
		p.TimeThreshold = DefaultTimeThreshold
	}
	if p.MaxPerAggregate <= 0 {
		p.MaxPerAggregate = DefaultMaxPerAggregate
	}
	return p
}

// Snapshot is a persisted point-in-time fold of an aggregate's state.
type Snapshot struct {
	AggregateType string
	AggregateID   string
	Version       int64
	Sequence      int64
	State         json.RawMessage
	Hash          string
	CreatedAt     time.Time
}

// Manager is the Postgres-backed Snapshot Store, grounded directly on
// go-eventstore's SaveSnapshot/LoadSnapshot pair, generalized to the
// ledger's (type,id,version) keying and given an explicit trigger
// policy (spec §4.3).
type Manager struct {
	db      *sqlx.DB
	policy  Policy
	metrics *obs.Metrics
	tracer  trace.Tracer
}

func New(db *sqlx.DB, policy Policy, metrics *obs.Metrics) *Manager {
	return &Manager{db: db, policy: policy.withDefaults(), metrics: metrics, tracer: obs.Tracer("snapshot")}
}

type snapshotRow struct {
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	Version       int64           `db:"version"`
	Sequence      int64           `db:"sequence"`
	State         json.RawMessage `db:"state"`
	Hash          string          `db:"hash"`
	CreatedAt     time.Time       `db:"created_at"`
}

func (r snapshotRow) toSnapshot() Snapshot {
	return Snapshot{
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		Version:       r.Version,
		Sequence:      r.Sequence,
		State:         r.State,
		Hash:          r.Hash,
		CreatedAt:     r.CreatedAt,
	}
}

// ShouldSnapshot reports whether the trigger policy fires for an
// aggregate given how many events have elapsed and how long since the
// last snapshot (spec §4.3's events_threshold/time_threshold OR).
func (m *Manager) ShouldSnapshot(aggregateType string, eventsSinceSnapshot int, timeSinceSnapshot time.Duration) bool {
	if !m.policy.Eligible[aggregateType] {
		return false
	}
	return eventsSinceSnapshot >= m.policy.EventsThreshold || timeSinceSnapshot >= m.policy.TimeThreshold
}

// MaybeSnapshot persists state if, and only if, the policy is
// configured for aggregateType. Callers (the Rehydrator) are expected to
// have already evaluated ShouldSnapshot; MaybeSnapshot itself re-checks
// eligibility defensively but not the thresholds, since the Rehydrator
// may call it unconditionally after an eager decision. Errors are
// returned to the caller; the Rehydrator discards them, so a failed
// snapshot never fails a Load (spec §4.3).
func (m *Manager) MaybeSnapshot(ctx context.Context, aggregateType, aggregateID string, version, sequence int64, state json.RawMessage) error {
	if !m.policy.Eligible[aggregateType] {
		return nil
	}
	ctx, span := m.tracer.Start(ctx, "snapshot.maybe_snapshot")
	defer span.End()

	hash, err := ledger.HashState(state)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("hash state: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_type, aggregate_id, version, sequence, state, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (aggregate_type, aggregate_id, version) DO NOTHING
	`, aggregateType, aggregateID, version, sequence, []byte(state), hash)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("save snapshot: %w", err)
	}
	m.metrics.RecordSnapshot(aggregateType)
	if err := m.cleanupLocked(ctx, aggregateType, aggregateID); err != nil {
		span.RecordError(err)
		// Cleanup failing doesn't invalidate the snapshot just written.
	}
	return nil
}

// Latest returns the newest snapshot for an aggregate, if any.
func (m *Manager) Latest(ctx context.Context, aggregateType, aggregateID string) (Snapshot, bool, error) {
	var row snapshotRow
	err := m.db.GetContext(ctx, &row, `
		SELECT * FROM snapshots WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY version DESC LIMIT 1
	`, aggregateType, aggregateID)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("latest snapshot: %w", err)
	}
	return row.toSnapshot(), true, nil
}

// AtSequence returns the newest snapshot whose sequence is <= maxSequence.
func (m *Manager) AtSequence(ctx context.Context, aggregateType, aggregateID string, maxSequence int64) (Snapshot, bool, error) {
	var row snapshotRow
	err := m.db.GetContext(ctx, &row, `
		SELECT * FROM snapshots WHERE aggregate_type = $1 AND aggregate_id = $2 AND sequence <= $3
		ORDER BY sequence DESC LIMIT 1
	`, aggregateType, aggregateID, maxSequence)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("snapshot at sequence: %w", err)
	}
	return row.toSnapshot(), true, nil
}

// AtTime returns the newest snapshot created at or before maxTimestamp.
func (m *Manager) AtTime(ctx context.Context, aggregateType, aggregateID string, maxTimestamp time.Time) (Snapshot, bool, error) {
	var row snapshotRow
	err := m.db.GetContext(ctx, &row, `
		SELECT * FROM snapshots WHERE aggregate_type = $1 AND aggregate_id = $2 AND created_at <= $3
		ORDER BY created_at DESC LIMIT 1
	`, aggregateType, aggregateID, maxTimestamp.UTC())
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("snapshot at time: %w", err)
	}
	return row.toSnapshot(), true, nil
}

// AtVersion returns the newest snapshot whose version is <= maxVersion.
func (m *Manager) AtVersion(ctx context.Context, aggregateType, aggregateID string, maxVersion int64) (Snapshot, bool, error) {
	var row snapshotRow
	err := m.db.GetContext(ctx, &row, `
		SELECT * FROM snapshots WHERE aggregate_type = $1 AND aggregate_id = $2 AND version <= $3
		ORDER BY version DESC LIMIT 1
	`, aggregateType, aggregateID, maxVersion)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("snapshot at version: %w", err)
	}
	return row.toSnapshot(), true, nil
}

// Cleanup deletes all but the keepCount newest snapshots for an
// aggregate (spec §4.3's `cleanup`).
func (m *Manager) Cleanup(ctx context.Context, aggregateType, aggregateID string, keepCount int) error {
	_, err := m.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE aggregate_type = $1 AND aggregate_id = $2 AND version NOT IN (
			SELECT version FROM snapshots WHERE aggregate_type = $1 AND aggregate_id = $2
			ORDER BY version DESC LIMIT $3
		)
	`, aggregateType, aggregateID, keepCount)
	if err != nil {
		return fmt.Errorf("cleanup snapshots: %w", err)
	}
	return nil
}

func (m *Manager) cleanupLocked(ctx context.Context, aggregateType, aggregateID string) error {
	return m.Cleanup(ctx, aggregateType, aggregateID, m.policy.MaxPerAggregate)
}
