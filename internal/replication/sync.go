package replication

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chainledger/internal/ledger"
	"chainledger/internal/vectorclock"
)

// SyncWith runs one round of the client side of the protocol against a
// peer: request, apply, persist the peer's advertised clock and root
// (spec §4.6 "Outbound"/"Inbound").
func (r *Replicator) SyncWith(ctx context.Context, peerID string) error {
	ctx, span := r.tracer.Start(ctx, "replication.sync_with")
	defer span.End()

	r.peersMu.Lock()
	peer, ok := r.peers[peerID]
	limiter := r.limiters[peerID]
	breaker := r.breakers[peerID]
	r.peersMu.Unlock()
	if !ok {
		return fmt.Errorf("replication: unknown peer %q", peerID)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	req, err := r.CreateSyncRequest(ctx, peerID)
	if err != nil {
		return err
	}

	result, err := breaker.Execute(func() (interface{}, error) {
		return r.transport.Sync(ctx, peer.BaseURL, req)
	})
	if err != nil {
		r.metrics.RecordSyncRound(peerID, "unreachable")
		return fmt.Errorf("%w: %v", ledger.ErrPeerUnreachable, err)
	}
	resp := result.(SyncResponse)

	applied := 0
	for _, fe := range resp.Events {
		if err := r.ApplyFederatedEvent(ctx, fe); err != nil {
			r.metrics.RecordSyncRound(peerID, "apply_error")
			return fmt.Errorf("apply federated event %s: %w", fe.Event.ID, err)
		}
		applied++
	}

	if err := r.savePeerState(ctx, peerID, resp.NewVersion, resp.MerkleRoot); err != nil {
		return err
	}
	r.metrics.RecordReplicationLag(peerID, float64(lagEstimate(resp)))
	r.metrics.RecordSyncRound(peerID, "ok")

	if resp.HasMore {
		return r.SyncWith(ctx, peerID)
	}
	return nil
}

func lagEstimate(resp SyncResponse) int {
	if resp.HasMore {
		return len(resp.Events) // HasMore says at least one more remains; the batch size stands in as the estimate
	}
	return 0
}

func (r *Replicator) savePeerState(ctx context.Context, peerID string, clock vectorclock.Clock, root string) error {
	clockJSON, err := json.Marshal(clock)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO peer_state (peer_id, clock, merkle_root, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (peer_id) DO UPDATE SET clock = EXCLUDED.clock, merkle_root = EXCLUDED.merkle_root, updated_at = now()
	`, peerID, clockJSON, root)
	if err != nil {
		return fmt.Errorf("save peer state: %w", err)
	}
	return nil
}

// ApplyFederatedEvent is the inbound path of spec §4.6: dedup, detect
// concurrency against local events touching the same aggregate, resolve
// per the configured strategy, and fold the remote clock into the
// self clock.
func (r *Replicator) ApplyFederatedEvent(ctx context.Context, fe ledger.FederatedEvent) error {
	alreadySeen, err := r.alreadyApplied(ctx, fe.SourceRealm, fe.Event.ID)
	if err != nil {
		return err
	}
	if alreadySeen {
		return nil
	}

	conflicting, err := r.findConcurrentLocal(ctx, fe)
	if err != nil {
		return err
	}

	if conflicting != nil {
		return r.handleConflict(ctx, *conflicting, fe)
	}
	return r.applyRemote(ctx, fe)
}

type localClockedEvent struct {
	Event       ledger.Event
	Clock       vectorclock.Clock
	FederatedAt time.Time
}

// findConcurrentLocal looks for a local event touching the same
// aggregate whose clock is concurrent with fe's, per spec §4.6 step 1.
func (r *Replicator) findConcurrentLocal(ctx context.Context, fe ledger.FederatedEvent) (*localClockedEvent, error) {
	type row struct {
		Sequence    int64           `db:"sequence"`
		Clock       json.RawMessage `db:"clock"`
		FederatedAt sql.NullTime    `db:"federated_at"`
	}
	var rows []row
	err := r.db.SelectContext(ctx, &rows, `
		SELECT vc.sequence, vc.clock, vc.federated_at
		FROM event_vector_clocks vc
		JOIN events e ON e.sequence = vc.sequence
		WHERE e.aggregate_type = $1 AND e.aggregate_id = $2
	`, fe.Event.AggregateType, fe.Event.AggregateID)
	if err != nil {
		return nil, fmt.Errorf("find local events for aggregate: %w", err)
	}
	remoteClock := vectorclock.Clock(fe.VectorClock)
	for _, rr := range rows {
		var clock vectorclock.Clock
		if err := json.Unmarshal(rr.Clock, &clock); err != nil {
			continue
		}
		if vectorclock.Concurrent(clock, remoteClock) {
			events, err := r.events.EventsFrom(ctx, rr.Sequence, 1)
			if err != nil || len(events) == 0 {
				continue
			}
			federatedAt := events[0].Timestamp
			if rr.FederatedAt.Valid {
				federatedAt = rr.FederatedAt.Time
			}
			return &localClockedEvent{Event: events[0], Clock: clock, FederatedAt: federatedAt}, nil
		}
	}
	return nil, nil
}

func (r *Replicator) alreadyApplied(ctx context.Context, sourceRealm, eventID string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM federated_received WHERE source_realm = $1 AND event_id = $2
	`, sourceRealm, eventID)
	if err != nil {
		return false, fmt.Errorf("check federated dedup: %w", err)
	}
	return n > 0, nil
}

func (r *Replicator) markApplied(ctx context.Context, sourceRealm, eventID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO federated_received (source_realm, event_id, received_at) VALUES ($1, $2, now())
		ON CONFLICT (source_realm, event_id) DO NOTHING
	`, sourceRealm, eventID)
	if err != nil {
		return fmt.Errorf("mark federated applied: %w", err)
	}
	return nil
}

// applyRemote commits fe into the local log with no conflict and merges
// its clock into the self clock (spec §4.6 steps 3-4).
func (r *Replicator) applyRemote(ctx context.Context, fe ledger.FederatedEvent) error {
	ev, err := r.events.AppendFederated(ctx, ledger.ProposedEvent{
		Type:                     fe.Event.Type,
		AggregateType:            fe.Event.AggregateType,
		AggregateID:              fe.Event.AggregateID,
		ExpectedAggregateVersion: fe.Event.AggregateVersion,
		Payload:                  fe.Event.Payload,
		Actor:                    fe.Event.Actor,
		Timestamp:                fe.Event.Timestamp,
		Causation:                fe.Event.Causation,
	})
	if err != nil && err != ledger.ErrVersionConflict {
		return fmt.Errorf("apply remote event: %w", err)
	}
	if err == nil {
		if err := r.recordFederatedClock(ctx, ev.Sequence, fe); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.selfClock = vectorclock.Merge(r.selfClock, fe.VectorClock)
	r.mu.Unlock()
	return r.markApplied(ctx, fe.SourceRealm, fe.Event.ID)
}

func (r *Replicator) recordFederatedClock(ctx context.Context, sequence int64, fe ledger.FederatedEvent) error {
	clockJSON, err := json.Marshal(fe.VectorClock)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO event_vector_clocks (sequence, clock, federated_at) VALUES ($1, $2, $3)
		ON CONFLICT (sequence) DO NOTHING
	`, sequence, clockJSON, fe.FederatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record federated clock: %w", err)
	}
	return nil
}

// handleConflict resolves a detected concurrent write per the
// configured strategy (spec §4.6 step 2).
func (r *Replicator) handleConflict(ctx context.Context, local localClockedEvent, remote ledger.FederatedEvent) error {
	record := ledger.ConflictRecord{
		ID:          uuid.New().String(),
		LocalEvent:  local.Event,
		RemoteEvent: remote,
		DetectedAt:  time.Now().UTC(),
	}
	r.metrics.RecordConflict(string(r.cfg.Strategy))

	switch r.cfg.Strategy {
	case ledger.SourcePriority:
		record.Resolution = &ledger.ConflictResolution{
			Strategy: r.cfg.Strategy, Winner: ledger.WinnerLocal, ResolvedAt: time.Now().UTC(),
		}
		if err := r.persistConflict(ctx, record); err != nil {
			return err
		}
		return r.markApplied(ctx, remote.SourceRealm, remote.Event.ID)

	case ledger.ManualStrategy:
		return r.persistConflict(ctx, record)

	case ledger.FirstWriteWins:
		if remote.FederatedAt.Before(local.FederatedAt) {
			return r.resolveRemoteWins(ctx, record, remote)
		}
		return r.resolveLocalWins(ctx, record, remote)

	default: // LastWriteWins
		if remote.FederatedAt.After(local.FederatedAt) {
			return r.resolveRemoteWins(ctx, record, remote)
		}
		if remote.FederatedAt.Equal(local.FederatedAt) && remote.SourceRealm < r.cfg.SelfID {
			return r.resolveRemoteWins(ctx, record, remote)
		}
		return r.resolveLocalWins(ctx, record, remote)
	}
}

func (r *Replicator) resolveRemoteWins(ctx context.Context, record ledger.ConflictRecord, remote ledger.FederatedEvent) error {
	record.Resolution = &ledger.ConflictResolution{
		Strategy: r.cfg.Strategy, Winner: ledger.WinnerRemote, ResolvedAt: time.Now().UTC(),
	}
	if err := r.persistConflict(ctx, record); err != nil {
		return err
	}
	return r.applyRemote(ctx, remote)
}

func (r *Replicator) resolveLocalWins(ctx context.Context, record ledger.ConflictRecord, remote ledger.FederatedEvent) error {
	record.Resolution = &ledger.ConflictResolution{
		Strategy: r.cfg.Strategy, Winner: ledger.WinnerLocal, ResolvedAt: time.Now().UTC(),
	}
	if err := r.persistConflict(ctx, record); err != nil {
		return err
	}
	r.mu.Lock()
	r.selfClock = vectorclock.Merge(r.selfClock, remote.VectorClock)
	r.mu.Unlock()
	return r.markApplied(ctx, remote.SourceRealm, remote.Event.ID)
}

func (r *Replicator) persistConflict(ctx context.Context, record ledger.ConflictRecord) error {
	localJSON, err := json.Marshal(record.LocalEvent)
	if err != nil {
		return err
	}
	remoteJSON, err := json.Marshal(record.RemoteEvent)
	if err != nil {
		return err
	}
	var resolutionJSON []byte
	if record.Resolution != nil {
		resolutionJSON, err = json.Marshal(record.Resolution)
		if err != nil {
			return err
		}
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO conflict_records (id, local_event, remote_event, detected_at, resolution)
		VALUES ($1, $2, $3, $4, $5)
	`, record.ID, localJSON, remoteJSON, record.DetectedAt, resolutionJSON)
	if err != nil {
		return fmt.Errorf("persist conflict record: %w", err)
	}
	return nil
}

// ResolveManual records a human decision for a conflict left pending by
// the Manual strategy (spec §4.6 step 2's "record and do not apply
// until a human resolution is recorded").
func (r *Replicator) ResolveManual(ctx context.Context, conflictID string, winner ledger.ConflictWinner, merged *ledger.Event) error {
	var localJSON, remoteJSON []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT local_event, remote_event FROM conflict_records WHERE id = $1 AND resolution IS NULL
	`, conflictID).Scan(&localJSON, &remoteJSON)
	if err == sql.ErrNoRows {
		return ledger.ErrConflictPendingManualResolution
	}
	if err != nil {
		return fmt.Errorf("load conflict: %w", err)
	}
	var remote ledger.FederatedEvent
	if err := json.Unmarshal(remoteJSON, &remote); err != nil {
		return fmt.Errorf("decode remote event: %w", err)
	}

	resolution := &ledger.ConflictResolution{
		Strategy: ledger.ManualStrategy, Winner: winner, ResolvedAt: time.Now().UTC(), MergedEvent: merged,
	}
	resolutionJSON, err := json.Marshal(resolution)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `
		UPDATE conflict_records SET resolution = $2 WHERE id = $1
	`, conflictID, resolutionJSON); err != nil {
		return fmt.Errorf("save resolution: %w", err)
	}

	switch winner {
	case ledger.WinnerRemote:
		return r.applyRemote(ctx, remote)
	case ledger.WinnerLocal:
		return r.markApplied(ctx, remote.SourceRealm, remote.Event.ID)
	case ledger.WinnerMerged:
		if merged == nil {
			return fmt.Errorf("ledger: merged resolution requires a merged event")
		}
		_, err := r.events.AppendFederated(ctx, ledger.ProposedEvent{
			Type:                     merged.Type,
			AggregateType:            merged.AggregateType,
			AggregateID:              merged.AggregateID,
			ExpectedAggregateVersion: merged.AggregateVersion,
			Payload:                  merged.Payload,
			Actor:                    merged.Actor,
			Timestamp:                merged.Timestamp,
			Causation:                merged.Causation,
		})
		if err != nil && err != ledger.ErrVersionConflict {
			return fmt.Errorf("apply merged event: %w", err)
		}
		return r.markApplied(ctx, remote.SourceRealm, remote.Event.ID)
	default:
		return fmt.Errorf("ledger: unknown conflict winner %q", winner)
	}
}
