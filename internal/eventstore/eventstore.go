// Package eventstore implements the Event Store (spec §4.1): the
// append-only log with its cryptographic chain, per-aggregate monotonic
// versioning, idempotent appends, and query surface. It is the sole
// owner of write access to the event log and the per-aggregate version
// tips (spec §3 "Ownership").
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chainledger/internal/guard"
	"chainledger/internal/ledger"
	"chainledger/internal/obs"
)

const maxCommitRetries = 8

// Notification is published after an event becomes durable (spec §6's
// `new_event` channel). It never blocks a writer: the channel send is
// best-effort, since the Projection Runner's own checkpoint-driven catch
// up is the authoritative delivery mechanism and this is only a wake-up
// hint.
type Notification struct {
	ID            string
	Sequence      int64
	EventType     string
	AggregateType string
	AggregateID   string
	// Federated is true when this event arrived via AppendFederated
	// rather than a genuinely local Append. Consumers that track
	// this replica's own vector-clock coordinate (spec §4.6's "on
	// local append, increment V[self]") must skip these.
	Federated bool
}

// ChainVerification is the result of VerifyChain.
type ChainVerification struct {
	Valid            bool
	BrokenAtSequence int64
	Reason           string
}

// EventStore is constructed with its dependencies explicit (no
// process-global singletons, per spec §9): a database handle, a Guard,
// and a Signer. aggLocks shards the per-aggregate write slot described
// in spec §5; it is owned state torn down with the store, not a package
// singleton.
type EventStore struct {
	db      *sqlx.DB
	guard   *guard.Guard
	signer  ledger.Signer
	metrics *obs.Metrics
	tracer  trace.Tracer

	aggLocks sync.Map // map[string]*sync.Mutex

	notify chan Notification
}

// New constructs an EventStore. signer may be ledger.NoneSigner{} when
// non-repudiation is not required.
func New(db *sqlx.DB, g *guard.Guard, signer ledger.Signer, metrics *obs.Metrics) *EventStore {
	if signer == nil {
		signer = ledger.NoneSigner{}
	}
	return &EventStore{
		db:      db,
		guard:   g,
		signer:  signer,
		metrics: metrics,
		tracer:  obs.Tracer("eventstore"),
		notify:  make(chan Notification, 1024),
	}
}

// Notifications returns the channel new_event notifications are
// published on. Consumers must not block for long on this channel;
// sends are dropped once it is full.
func (es *EventStore) Notifications() <-chan Notification {
	return es.notify
}

func (es *EventStore) aggregateLock(aggregateType, aggregateID string) *sync.Mutex {
	key := aggregateType + "\x00" + aggregateID
	v, _ := es.aggLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// validateShape checks the structural preconditions of spec §4.1 step 1,
// independent of any database state.
func validateShape(p ledger.ProposedEvent) error {
	if p.Type == "" || p.AggregateType == "" || p.AggregateID == "" {
		return fmt.Errorf("%w: type/aggregate_type/aggregate_id are required", ledger.ErrMalformedPayload)
	}
	if p.ExpectedAggregateVersion < 1 {
		return fmt.Errorf("%w: expected_aggregate_version must be >= 1", ledger.ErrVersionConflict)
	}
	if !p.Actor.Valid() {
		return ledger.ErrBadActor
	}
	if _, err := ledger.CanonicalPayload(p.Payload); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrMalformedPayload, err)
	}
	return nil
}

// Append atomically commits a proposed event, enforcing I1-I7 and
// publishing a notification, per the eight-step algorithm of spec §4.1.
func (es *EventStore) Append(ctx context.Context, p ledger.ProposedEvent) (ledger.Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.type", p.AggregateType),
			attribute.String("aggregate.id", p.AggregateID),
			attribute.Int64("expected.version", p.ExpectedAggregateVersion),
			attribute.String("event.type", p.Type),
		),
	)
	defer span.End()

	// Step 1: validate shape and actor.
	if err := validateShape(p); err != nil {
		span.RecordError(err)
		es.metrics.RecordAppend("rejected")
		return ledger.Event{}, err
	}

	// Step 4 (clock skew is independent of any lock or transaction).
	if err := es.guard.CheckClockSkew(p.Timestamp); err != nil {
		span.RecordError(err)
		es.metrics.RecordAppend("rejected")
		es.metrics.RecordGuardRejection("clock_skew")
		return ledger.Event{}, err
	}

	var commandID string
	if p.Causation != nil {
		commandID = p.Causation.CommandID
	}
	if err := es.guard.ReserveNonce(commandID); err != nil {
		span.RecordError(err)
		es.metrics.RecordAppend("rejected")
		es.metrics.RecordGuardRejection("replay_nonce")
		return ledger.Event{}, err
	}
	committed := false
	defer func() {
		if !committed {
			es.guard.ReleaseNonce(commandID)
		}
	}()

	// Step 2: acquire the per-aggregate write slot.
	lock := es.aggregateLock(p.AggregateType, p.AggregateID)
	lock.Lock()
	defer lock.Unlock()

	result, err := es.commitWithRetry(ctx, p, true)
	if err != nil {
		span.RecordError(err)
		es.metrics.RecordAppend("failed")
		return ledger.Event{}, err
	}
	committed = true
	es.guard.RecordTip(p.AggregateType, p.AggregateID, guard.AggregateTip{
		Version: result.AggregateVersion,
		Hash:    result.Hash,
	})
	es.publish(result, false)
	es.metrics.RecordAppend("committed")
	return result, nil
}

// AppendFederated commits an event arriving from a peer replica. It
// bypasses the strict local-contiguity check (spec §4.6: "inbound
// replication flows through the Guard with relaxed sequence-contiguity
// rules"), since a federated event's aggregate_version was already
// assigned by the origin replica and may arrive out of local order; it
// still receives a fresh sequence and hash in this replica's own chain.
// A duplicate (already-applied) federated event returns
// ledger.ErrVersionConflict, which callers treat as an idempotent no-op.
func (es *EventStore) AppendFederated(ctx context.Context, p ledger.ProposedEvent) (ledger.Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.append_federated",
		trace.WithAttributes(
			attribute.String("aggregate.type", p.AggregateType),
			attribute.String("aggregate.id", p.AggregateID),
		),
	)
	defer span.End()

	if err := validateShape(p); err != nil {
		span.RecordError(err)
		return ledger.Event{}, err
	}

	lock := es.aggregateLock(p.AggregateType, p.AggregateID)
	lock.Lock()
	defer lock.Unlock()

	result, err := es.commitWithRetry(ctx, p, false)
	if err != nil {
		span.RecordError(err)
		es.metrics.RecordAppend("federated_failed")
		return ledger.Event{}, err
	}
	es.guard.RecordTip(p.AggregateType, p.AggregateID, guard.AggregateTip{
		Version: result.AggregateVersion,
		Hash:    result.Hash,
	})
	es.publish(result, true)
	es.metrics.RecordAppend("federated_committed")
	return result, nil
}

func (es *EventStore) commitWithRetry(ctx context.Context, p ledger.ProposedEvent, strict bool) (ledger.Event, error) {
	var result ledger.Event
	var err error
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		result, err = es.tryCommit(ctx, p, strict)
		if err == nil {
			return result, nil
		}
		if err == errLostRace {
			continue // step 7: retry from step 2 (re-read tips) up to maxCommitRetries
		}
		break
	}
	if err == errLostRace {
		err = ledger.ErrContention
	}
	return ledger.Event{}, err
}

var errLostRace = fmt.Errorf("eventstore: lost race for global tip")

// tryCommit runs one attempt of the transactional append: verify
// version, assign sequence/hash, insert, advance tips. It returns
// errLostRace when another committer raced it for the global tip so the
// caller can retry from a fresh read (spec §4.1 step 7). When strict is
// false the local-contiguity check is skipped (used by AppendFederated).
func (es *EventStore) tryCommit(ctx context.Context, p ledger.ProposedEvent, strict bool) (ledger.Event, error) {
	tx, err := es.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Event{}, fmt.Errorf("%w: begin tx: %v", ledger.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	// Step 2 (continued): read current aggregate tip under the transaction.
	var currentVersion int64
	err = tx.GetContext(ctx, &currentVersion, `
		SELECT COALESCE(MAX(aggregate_version), 0) FROM events
		WHERE aggregate_type = $1 AND aggregate_id = $2
	`, p.AggregateType, p.AggregateID)
	if err != nil {
		return ledger.Event{}, fmt.Errorf("read aggregate tip: %w", err)
	}

	// Step 3. Federated applies relax this to "not already applied";
	// strict local appends require exact contiguity.
	if strict {
		if p.ExpectedAggregateVersion != currentVersion+1 {
			return ledger.Event{}, ledger.ErrVersionConflict
		}
	} else if p.ExpectedAggregateVersion <= currentVersion {
		return ledger.Event{}, ledger.ErrVersionConflict
	}

	// Global tip, locked for the duration of this transaction.
	var tip ledger.ChainTip
	row := tx.QueryRowxContext(ctx, `SELECT sequence, hash FROM chain_tip WHERE id = 1 FOR UPDATE`)
	if err := row.Scan(&tip.Sequence, &tip.Hash); err != nil {
		if err == sql.ErrNoRows {
			tip = ledger.ChainTip{Sequence: 0, Hash: ledger.GenesisHash}
		} else {
			return ledger.Event{}, fmt.Errorf("read chain tip: %w", err)
		}
	}

	if tip.Sequence >= (1<<63 - 1) {
		return ledger.Event{}, ledger.ErrStorageUnavailable
	}

	// Step 5 & 6: assign identifiers and compute the hash.
	ev := ledger.Event{
		ID:               uuid.New().String(),
		Sequence:         tip.Sequence + 1,
		AggregateType:    p.AggregateType,
		AggregateID:      p.AggregateID,
		AggregateVersion: p.ExpectedAggregateVersion,
		Type:             p.Type,
		Timestamp:        p.Timestamp,
		Payload:          p.Payload,
		Actor:            p.Actor,
		Causation:        p.Causation,
		PreviousHash:     tip.Hash,
	}
	hashInput, err := ledger.HashInputFor(ev)
	if err != nil {
		return ledger.Event{}, fmt.Errorf("%w: %v", ledger.ErrMalformedPayload, err)
	}
	ev.Hash = ledger.Hash(hashInput)
	if es.signer.Kind() != ledger.SignerNone {
		sig, serr := es.signer.Sign([]byte(ev.Hash))
		if serr != nil {
			return ledger.Event{}, fmt.Errorf("sign event: %w", serr)
		}
		ev.Signature = sig
		ev.SignerID = es.signer.SignerID()
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		if isUniqueViolation(err) {
			return ledger.Event{}, errLostRace
		}
		return ledger.Event{}, fmt.Errorf("insert event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chain_tip (id, sequence, hash) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET sequence = EXCLUDED.sequence, hash = EXCLUDED.hash
		WHERE chain_tip.sequence < EXCLUDED.sequence
	`, ev.Sequence, ev.Hash); err != nil {
		return ledger.Event{}, fmt.Errorf("advance chain tip: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO aggregate_tips (aggregate_type, aggregate_id, version, hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (aggregate_type, aggregate_id) DO UPDATE
		SET version = EXCLUDED.version, hash = EXCLUDED.hash
	`, ev.AggregateType, ev.AggregateID, ev.AggregateVersion, ev.Hash); err != nil {
		return ledger.Event{}, fmt.Errorf("advance aggregate tip: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return ledger.Event{}, errLostRace
		}
		return ledger.Event{}, fmt.Errorf("commit: %w", err)
	}
	return ev, nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, ev ledger.Event) error {
	var commandID, correlationID, workflowID interface{}
	if ev.Causation != nil {
		commandID = nullableString(ev.Causation.CommandID)
		correlationID = nullableString(ev.Causation.CorrelationID)
		workflowID = nullableString(ev.Causation.WorkflowID)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (
			id, sequence, aggregate_type, aggregate_id, aggregate_version,
			event_type, timestamp, payload,
			actor_kind, actor_id, actor_reason,
			causation_command_id, causation_correlation_id, causation_workflow_id,
			previous_hash, hash, signature, signer_id
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18
		)
	`,
		ev.ID, ev.Sequence, ev.AggregateType, ev.AggregateID, ev.AggregateVersion,
		ev.Type, ev.Timestamp.UTC(), []byte(ev.Payload),
		string(ev.Actor.Kind), nullableString(ev.Actor.ID), nullableString(ev.Actor.Reason),
		commandID, correlationID, workflowID,
		ev.PreviousHash, ev.Hash, nullableBytes(ev.Signature), nullableString(ev.SignerID),
	)
	return err
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (es *EventStore) publish(ev ledger.Event, federated bool) {
	n := Notification{
		ID:            ev.ID,
		Sequence:      ev.Sequence,
		EventType:     ev.Type,
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		Federated:     federated,
	}
	select {
	case es.notify <- n:
	default:
	}
}

// eventRow mirrors the events table for sqlx struct scanning.
type eventRow struct {
	ID                     string          `db:"id"`
	Sequence               int64           `db:"sequence"`
	AggregateType          string          `db:"aggregate_type"`
	AggregateID            string          `db:"aggregate_id"`
	AggregateVersion       int64           `db:"aggregate_version"`
	EventType              string          `db:"event_type"`
	Timestamp              time.Time       `db:"timestamp"`
	Payload                json.RawMessage `db:"payload"`
	ActorKind              string          `db:"actor_kind"`
	ActorID                sql.NullString  `db:"actor_id"`
	ActorReason            sql.NullString  `db:"actor_reason"`
	CausationCommandID     sql.NullString  `db:"causation_command_id"`
	CausationCorrelationID sql.NullString  `db:"causation_correlation_id"`
	CausationWorkflowID    sql.NullString  `db:"causation_workflow_id"`
	PreviousHash           string          `db:"previous_hash"`
	Hash                   string          `db:"hash"`
	Signature              []byte          `db:"signature"`
	SignerID               sql.NullString  `db:"signer_id"`
}

func (r eventRow) toEvent() ledger.Event {
	ev := ledger.Event{
		ID:               r.ID,
		Sequence:         r.Sequence,
		AggregateType:    r.AggregateType,
		AggregateID:      r.AggregateID,
		AggregateVersion: r.AggregateVersion,
		Type:             r.EventType,
		Timestamp:        r.Timestamp,
		Payload:          r.Payload,
		Actor: ledger.Actor{
			Kind:   ledger.ActorKind(r.ActorKind),
			ID:     r.ActorID.String,
			Reason: r.ActorReason.String,
		},
		PreviousHash: r.PreviousHash,
		Hash:         r.Hash,
		Signature:    r.Signature,
		SignerID:     r.SignerID.String,
	}
	if r.CausationCommandID.Valid || r.CausationCorrelationID.Valid || r.CausationWorkflowID.Valid {
		ev.Causation = &ledger.Causation{
			CommandID:     r.CausationCommandID.String,
			CorrelationID: r.CausationCorrelationID.String,
			WorkflowID:    r.CausationWorkflowID.String,
		}
	}
	return ev
}

// GetEventsAt returns the prefix of an aggregate's history up to asOf,
// inclusive (spec §4.1 `get_events_at`).
func (es *EventStore) GetEventsAt(ctx context.Context, aggregateType, aggregateID string, asOf ledger.AsOf) ([]ledger.Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.get_events_at")
	defer span.End()

	query := `SELECT * FROM events WHERE aggregate_type = $1 AND aggregate_id = $2`
	args := []interface{}{aggregateType, aggregateID}

	switch asOf.Kind {
	case ledger.AsOfVersion:
		query += fmt.Sprintf(" AND aggregate_version <= $%d", len(args)+1)
		args = append(args, asOf.Version)
	case ledger.AsOfSequence:
		query += fmt.Sprintf(" AND sequence <= $%d", len(args)+1)
		args = append(args, asOf.Sequence)
	case ledger.AsOfTimestamp:
		query += fmt.Sprintf(" AND timestamp <= $%d", len(args)+1)
		args = append(args, asOf.Timestamp.UTC())
	}
	query += " ORDER BY aggregate_version ASC"

	var rows []eventRow
	if err := es.db.SelectContext(ctx, &rows, es.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("get events at: %w", err)
	}
	out := make([]ledger.Event, len(rows))
	for i, r := range rows {
		out[i] = r.toEvent()
	}
	return out, nil
}

// Query answers the Query Surface (spec §4.7): filters compose with AND
// semantics, results are ordered by ascending sequence unless Descending
// is requested, and time ranges are closed intervals.
func (es *EventStore) Query(ctx context.Context, f ledger.Filter) ([]ledger.Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.query")
	defer span.End()

	var clauses []string
	var args []interface{}
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.AggregateType != "" {
		add("aggregate_type = $%d", f.AggregateType)
	}
	if f.AggregateID != "" {
		add("aggregate_id = $%d", f.AggregateID)
	}
	if f.FromVersion > 0 {
		add("aggregate_version >= $%d", f.FromVersion)
	}
	if f.ToVersion > 0 {
		add("aggregate_version <= $%d", f.ToVersion)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if !f.FromTime.IsZero() {
		add("timestamp >= $%d", f.FromTime.UTC())
	}
	if !f.ToTime.IsZero() {
		add("timestamp <= $%d", f.ToTime.UTC())
	}
	if f.Actor != nil {
		add("actor_kind = $%d", string(f.Actor.Kind))
		add("actor_id = $%d", f.Actor.ID)
	}
	if f.CorrelationID != "" {
		add("causation_correlation_id = $%d", f.CorrelationID)
	}

	query := "SELECT * FROM events"
	if len(clauses) > 0 {
		query += " WHERE " + joinAnd(clauses)
	}
	if f.Descending {
		query += " ORDER BY sequence DESC"
	} else {
		query += " ORDER BY sequence ASC"
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var rows []eventRow
	if err := es.db.SelectContext(ctx, &rows, es.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	out := make([]ledger.Event, len(rows))
	for i, r := range rows {
		out[i] = r.toEvent()
	}
	return out, nil
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

// EventsFrom returns events in ascending global sequence order starting
// at fromSequence (inclusive), bounded by limit. It is the Projection
// Runner's read path (spec §4.5): a projection's catch-up and steady
// state are the same query, just re-issued from its own checkpoint.
func (es *EventStore) EventsFrom(ctx context.Context, fromSequence int64, limit int) ([]ledger.Event, error) {
	var rows []eventRow
	err := es.db.SelectContext(ctx, &rows, `
		SELECT * FROM events WHERE sequence >= $1 ORDER BY sequence ASC LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("events from: %w", err)
	}
	out := make([]ledger.Event, len(rows))
	for i, r := range rows {
		out[i] = r.toEvent()
	}
	return out, nil
}

// Count returns the total number of committed events.
func (es *EventStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := es.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM events`); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Tip returns the last committed sequence and hash of the global chain.
func (es *EventStore) Tip(ctx context.Context) (ledger.ChainTip, error) {
	var tip ledger.ChainTip
	err := es.db.QueryRowxContext(ctx, `SELECT sequence, hash FROM chain_tip WHERE id = 1`).Scan(&tip.Sequence, &tip.Hash)
	if err == sql.ErrNoRows {
		return ledger.ChainTip{Sequence: 0, Hash: ledger.GenesisHash}, nil
	}
	if err != nil {
		return ledger.ChainTip{}, fmt.Errorf("tip: %w", err)
	}
	return tip, nil
}

// VerifyChain recomputes the hash of every event in [fromSequence,
// toSequence] and checks it against both its own recorded hash and the
// previous_hash of the next event, per spec §4.1 `verify_chain` and the
// chain-tamper-detection scenario of spec §8.
func (es *EventStore) VerifyChain(ctx context.Context, fromSequence, toSequence int64) (ChainVerification, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.verify_chain")
	defer span.End()

	query := `SELECT * FROM events WHERE sequence >= $1`
	args := []interface{}{fromSequence}
	if toSequence > 0 {
		query += ` AND sequence <= $2`
		args = append(args, toSequence)
	}
	query += ` ORDER BY sequence ASC`

	var rows []eventRow
	if err := es.db.SelectContext(ctx, &rows, es.db.Rebind(query), args...); err != nil {
		return ChainVerification{}, fmt.Errorf("verify chain: %w", err)
	}

	var prevHash string
	var prevSeq int64
	haveGenesis := fromSequence <= 1
	if haveGenesis {
		prevHash = ledger.GenesisHash
	}
	for i, r := range rows {
		ev := r.toEvent()
		ok, err := ledger.VerifyHash(ev)
		if err != nil {
			return ChainVerification{}, fmt.Errorf("recompute hash: %w", err)
		}
		if !ok {
			es.metrics.RecordChainVerify("broken")
			return ChainVerification{Valid: false, BrokenAtSequence: ev.Sequence, Reason: "hash mismatch"}, nil
		}
		if i == 0 && !haveGenesis {
			prevHash = ev.PreviousHash
			prevSeq = ev.Sequence - 1
		}
		if ev.Sequence != prevSeq+1 {
			es.metrics.RecordChainVerify("broken")
			return ChainVerification{Valid: false, BrokenAtSequence: ev.Sequence, Reason: "sequence gap"}, nil
		}
		if i > 0 || haveGenesis {
			if ev.PreviousHash != prevHash {
				es.metrics.RecordChainVerify("broken")
				return ChainVerification{Valid: false, BrokenAtSequence: ev.Sequence, Reason: "previous_hash mismatch"}, nil
			}
		}
		prevHash = ev.Hash
		prevSeq = ev.Sequence
	}
	es.metrics.RecordChainVerify("valid")
	return ChainVerification{Valid: true}, nil
}

// Recover re-derives the global tip from the log tail and verifies
// continuity on startup (spec §4.1 "Failure semantics"). A store that
// cannot re-derive a consistent tip refuses to start.
func (es *EventStore) Recover(ctx context.Context) error {
	var tailSeq sql.NullInt64
	if err := es.db.GetContext(ctx, &tailSeq, `SELECT MAX(sequence) FROM events`); err != nil {
		return fmt.Errorf("%w: read tail: %v", ledger.ErrChainCorrupted, err)
	}
	if !tailSeq.Valid {
		return nil // empty log, nothing to recover
	}
	var tail eventRow
	if err := es.db.GetContext(ctx, &tail, `SELECT * FROM events WHERE sequence = $1`, tailSeq.Int64); err != nil {
		return fmt.Errorf("%w: read tail event: %v", ledger.ErrChainCorrupted, err)
	}
	ev := tail.toEvent()
	ok, err := ledger.VerifyHash(ev)
	if err != nil || !ok {
		return fmt.Errorf("%w: tail event hash does not recompute", ledger.ErrChainCorrupted)
	}
	if _, err := es.db.ExecContext(ctx, `
		INSERT INTO chain_tip (id, sequence, hash) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET sequence = EXCLUDED.sequence, hash = EXCLUDED.hash
		WHERE chain_tip.sequence < EXCLUDED.sequence
	`, ev.Sequence, ev.Hash); err != nil {
		return fmt.Errorf("%w: restore chain tip: %v", ledger.ErrChainCorrupted, err)
	}
	verification, err := es.VerifyChain(ctx, 1, tailSeq.Int64)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrChainCorrupted, err)
	}
	if !verification.Valid {
		return fmt.Errorf("%w: %s at sequence %d", ledger.ErrChainCorrupted, verification.Reason, verification.BrokenAtSequence)
	}
	return nil
}
