package replication

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainledger/internal/eventstore"
	"chainledger/internal/guard"
	"chainledger/internal/ledger"
	"chainledger/internal/obs"
	"chainledger/internal/testutil"
	"chainledger/internal/vectorclock"
)

type fakeTransport struct {
	responses []SyncResponse
	errs      []error
	calls     int
}

func (f *fakeTransport) Sync(ctx context.Context, baseURL string, req SyncRequest) (SyncResponse, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return SyncResponse{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return SyncResponse{RequestID: req.ID}, nil
}

func newTestReplicator(t *testing.T, strategy ledger.ConflictStrategy, transport Transport) (*Replicator, *eventstore.EventStore) {
	t.Helper()
	db := testutil.OpenDB(t)
	g, err := guard.New(guard.Config{})
	require.NoError(t, err)
	metrics := obs.NewMetrics(nil)
	es := eventstore.New(db, g, ledger.NoneSigner{}, metrics)
	r := New(Config{SelfID: "replica-a", Strategy: strategy}, db, es, transport, metrics)
	return r, es
}

func appendLocal(t *testing.T, es *eventstore.EventStore, aggregateID string, version int64, ts time.Time) ledger.Event {
	t.Helper()
	ev, err := es.Append(context.Background(), ledger.ProposedEvent{
		Type: "Tick", AggregateType: "order", AggregateID: aggregateID,
		ExpectedAggregateVersion: version, Payload: json.RawMessage(`{}`),
		Actor: ledger.SystemActor("test"), Timestamp: ts,
	})
	require.NoError(t, err)
	return ev
}

func federatedEvent(aggregateID string, version int64, clock vectorclock.Clock, federatedAt time.Time) ledger.FederatedEvent {
	return ledger.FederatedEvent{
		Event: ledger.Event{
			ID: uuid.New().String(), Type: "Tick", AggregateType: "order", AggregateID: aggregateID,
			AggregateVersion: version, Payload: json.RawMessage(`{}`),
			Actor: ledger.SystemActor("replica-b"), Timestamp: federatedAt,
		},
		SourceRealm: "replica-b",
		FederatedAt: federatedAt,
		VectorClock: clock,
	}
}

func TestApplyFederatedEventCommitsWhenNoConflict(t *testing.T) {
	r, es := newTestReplicator(t, ledger.LastWriteWins, nil)
	ctx := context.Background()

	fe := federatedEvent("o1", 1, vectorclock.Clock{"replica-b": 1}, time.Now().UTC())
	require.NoError(t, r.ApplyFederatedEvent(ctx, fe))

	events, err := es.Query(ctx, ledger.Filter{AggregateType: "order", AggregateID: "o1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].AggregateVersion)
}

func TestApplyFederatedEventDedupIsIdempotent(t *testing.T) {
	r, es := newTestReplicator(t, ledger.LastWriteWins, nil)
	ctx := context.Background()

	fe := federatedEvent("o1", 1, vectorclock.Clock{"replica-b": 1}, time.Now().UTC())
	require.NoError(t, r.ApplyFederatedEvent(ctx, fe))
	require.NoError(t, r.ApplyFederatedEvent(ctx, fe))

	events, err := es.Query(ctx, ledger.Filter{AggregateType: "order", AggregateID: "o1"})
	require.NoError(t, err)
	assert.Len(t, events, 1, "re-applying the same federated event must not duplicate it")
}

func TestFindConcurrentLocalIgnoresCausallyOrderedClocks(t *testing.T) {
	r, es := newTestReplicator(t, ledger.LastWriteWins, nil)
	ctx := context.Background()

	local := appendLocal(t, es, "o1", 1, time.Now().UTC())
	require.NoError(t, r.recordLocalClock(ctx, local.Sequence))

	// This remote clock dominates the local one (it has seen it), so it
	// happens after, not concurrently with, the local event.
	fe := federatedEvent("o1", 2, vectorclock.Clock{"replica-a": 1, "replica-b": 1}, time.Now().UTC())
	require.NoError(t, r.ApplyFederatedEvent(ctx, fe))

	var conflictCount int
	require.NoError(t, r.db.Get(&conflictCount, `SELECT count(*) FROM conflict_records`))
	assert.Equal(t, 0, conflictCount)

	events, err := es.Query(ctx, ledger.Filter{AggregateType: "order", AggregateID: "o1"})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestHandleConflictLastWriteWinsPicksNewerRemote(t *testing.T) {
	r, es := newTestReplicator(t, ledger.LastWriteWins, nil)
	ctx := context.Background()

	local := appendLocal(t, es, "o1", 1, time.Now().UTC())
	require.NoError(t, r.recordLocalClock(ctx, local.Sequence))

	fe := federatedEvent("o1", 2, vectorclock.Clock{"replica-b": 1}, time.Now().Add(time.Hour).UTC())
	require.NoError(t, r.ApplyFederatedEvent(ctx, fe))

	events, err := es.Query(ctx, ledger.Filter{AggregateType: "order", AggregateID: "o1"})
	require.NoError(t, err)
	assert.Len(t, events, 2, "the newer remote event should have been applied")

	var winner string
	require.NoError(t, r.db.Get(&winner, `SELECT resolution->>'winner' FROM conflict_records LIMIT 1`))
	assert.Equal(t, string(ledger.WinnerRemote), winner)
}

func TestHandleConflictLastWriteWinsKeepsNewerLocal(t *testing.T) {
	r, es := newTestReplicator(t, ledger.LastWriteWins, nil)
	ctx := context.Background()

	local := appendLocal(t, es, "o1", 1, time.Now().UTC())
	require.NoError(t, r.recordLocalClock(ctx, local.Sequence))

	fe := federatedEvent("o1", 2, vectorclock.Clock{"replica-b": 1}, time.Now().Add(-time.Hour).UTC())
	require.NoError(t, r.ApplyFederatedEvent(ctx, fe))

	events, err := es.Query(ctx, ledger.Filter{AggregateType: "order", AggregateID: "o1"})
	require.NoError(t, err)
	assert.Len(t, events, 1, "the older remote event must be discarded, local kept")

	var winner string
	require.NoError(t, r.db.Get(&winner, `SELECT resolution->>'winner' FROM conflict_records LIMIT 1`))
	assert.Equal(t, string(ledger.WinnerLocal), winner)
}

func TestHandleConflictFirstWriteWinsPicksOlderRemote(t *testing.T) {
	r, es := newTestReplicator(t, ledger.FirstWriteWins, nil)
	ctx := context.Background()

	local := appendLocal(t, es, "o1", 1, time.Now().UTC())
	require.NoError(t, r.recordLocalClock(ctx, local.Sequence))

	fe := federatedEvent("o1", 2, vectorclock.Clock{"replica-b": 1}, time.Now().Add(-time.Hour).UTC())
	require.NoError(t, r.ApplyFederatedEvent(ctx, fe))

	events, err := es.Query(ctx, ledger.Filter{AggregateType: "order", AggregateID: "o1"})
	require.NoError(t, err)
	assert.Len(t, events, 2, "the older remote event should win under first-write-wins")
}

func TestHandleConflictSourcePriorityAlwaysKeepsLocal(t *testing.T) {
	r, es := newTestReplicator(t, ledger.SourcePriority, nil)
	ctx := context.Background()

	local := appendLocal(t, es, "o1", 1, time.Now().UTC())
	require.NoError(t, r.recordLocalClock(ctx, local.Sequence))

	fe := federatedEvent("o1", 2, vectorclock.Clock{"replica-b": 1}, time.Now().Add(time.Hour).UTC())
	require.NoError(t, r.ApplyFederatedEvent(ctx, fe))

	events, err := es.Query(ctx, ledger.Filter{AggregateType: "order", AggregateID: "o1"})
	require.NoError(t, err)
	assert.Len(t, events, 1, "source priority must keep local regardless of timestamps")

	var winner string
	require.NoError(t, r.db.Get(&winner, `SELECT resolution->>'winner' FROM conflict_records LIMIT 1`))
	assert.Equal(t, string(ledger.WinnerLocal), winner)
}

func TestHandleConflictManualLeavesUnresolvedUntilDecided(t *testing.T) {
	r, es := newTestReplicator(t, ledger.ManualStrategy, nil)
	ctx := context.Background()

	local := appendLocal(t, es, "o1", 1, time.Now().UTC())
	require.NoError(t, r.recordLocalClock(ctx, local.Sequence))

	fe := federatedEvent("o1", 2, vectorclock.Clock{"replica-b": 1}, time.Now().UTC())
	require.NoError(t, r.ApplyFederatedEvent(ctx, fe))

	events, err := es.Query(ctx, ledger.Filter{AggregateType: "order", AggregateID: "o1"})
	require.NoError(t, err)
	assert.Len(t, events, 1, "manual strategy must not apply until a human decides")

	var conflictID string
	var resolution []byte
	require.NoError(t, r.db.QueryRow(`SELECT id, resolution FROM conflict_records LIMIT 1`).Scan(&conflictID, &resolution))
	assert.Nil(t, resolution)

	require.NoError(t, r.ResolveManual(ctx, conflictID, ledger.WinnerRemote, nil))

	events, err = es.Query(ctx, ledger.Filter{AggregateType: "order", AggregateID: "o1"})
	require.NoError(t, err)
	assert.Len(t, events, 2, "resolving to remote should now apply the pending event")
}

func TestResolveManualRejectsUnknownConflict(t *testing.T) {
	r, _ := newTestReplicator(t, ledger.ManualStrategy, nil)
	err := r.ResolveManual(context.Background(), uuid.New().String(), ledger.WinnerLocal, nil)
	assert.ErrorIs(t, err, ledger.ErrConflictPendingManualResolution)
}

func TestCreateSyncRequestUsesStoredPeerClock(t *testing.T) {
	r, _ := newTestReplicator(t, ledger.LastWriteWins, nil)
	ctx := context.Background()
	r.AddPeer(Peer{ID: "peer-b", BaseURL: "http://peer-b.local"})

	stored := vectorclock.Clock{"peer-b": 7}
	require.NoError(t, r.savePeerState(ctx, "peer-b", stored, "root-1"))

	req, err := r.CreateSyncRequest(ctx, "peer-b")
	require.NoError(t, err)
	assert.Equal(t, stored, req.FromVersion)
}

func TestSyncWithAppliesEventsAndSavesPeerState(t *testing.T) {
	fe := federatedEvent("o9", 1, vectorclock.Clock{"peer-b": 1}, time.Now().UTC())
	transport := &fakeTransport{responses: []SyncResponse{
		{Events: []ledger.FederatedEvent{fe}, NewVersion: vectorclock.Clock{"peer-b": 1}, MerkleRoot: "abc123"},
	}}
	r, es := newTestReplicator(t, ledger.LastWriteWins, transport)
	ctx := context.Background()
	r.AddPeer(Peer{ID: "peer-b", BaseURL: "http://peer-b.local"})

	require.NoError(t, r.SyncWith(ctx, "peer-b"))
	assert.Equal(t, 1, transport.calls)

	events, err := es.Query(ctx, ledger.Filter{AggregateType: "order", AggregateID: "o9"})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	var root string
	require.NoError(t, r.db.Get(&root, `SELECT merkle_root FROM peer_state WHERE peer_id = 'peer-b'`))
	assert.Equal(t, "abc123", root)
}

func TestSyncWithFollowsPaginationUntilExhausted(t *testing.T) {
	fe1 := federatedEvent("o1", 1, vectorclock.Clock{"peer-b": 1}, time.Now().UTC())
	fe2 := federatedEvent("o2", 1, vectorclock.Clock{"peer-b": 2}, time.Now().UTC())
	transport := &fakeTransport{responses: []SyncResponse{
		{Events: []ledger.FederatedEvent{fe1}, HasMore: true, MerkleRoot: "page1"},
		{Events: []ledger.FederatedEvent{fe2}, HasMore: false, MerkleRoot: "page2"},
	}}
	r, es := newTestReplicator(t, ledger.LastWriteWins, transport)
	ctx := context.Background()
	r.AddPeer(Peer{ID: "peer-b", BaseURL: "http://peer-b.local"})

	require.NoError(t, r.SyncWith(ctx, "peer-b"))
	assert.Equal(t, 2, transport.calls, "a HasMore response must trigger a follow-up round")

	events, err := es.Query(ctx, ledger.Filter{AggregateType: "order"})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSyncWithWrapsTransportFailureAsPeerUnreachable(t *testing.T) {
	transport := &fakeTransport{errs: []error{errors.New("connection refused")}}
	r, _ := newTestReplicator(t, ledger.LastWriteWins, transport)
	ctx := context.Background()
	r.AddPeer(Peer{ID: "peer-b", BaseURL: "http://peer-b.local"})

	err := r.SyncWith(ctx, "peer-b")
	assert.ErrorIs(t, err, ledger.ErrPeerUnreachable)
}

func TestSyncWithRejectsUnknownPeer(t *testing.T) {
	r, _ := newTestReplicator(t, ledger.LastWriteWins, nil)
	err := r.SyncWith(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestLocalRangeFetcherReturnsHashesInSequenceOrder(t *testing.T) {
	r, es := newTestReplicator(t, ledger.LastWriteWins, nil)
	ctx := context.Background()

	first := appendLocal(t, es, "o1", 1, time.Now().UTC())
	second := appendLocal(t, es, "o1", 2, time.Now().UTC())

	fetch := r.LocalRangeFetcher(ctx)
	leaves, err := fetch(1, 3)
	require.NoError(t, err)
	require.Len(t, leaves, 2)
	assert.Equal(t, first.Hash, string(leaves[0]))
	assert.Equal(t, second.Hash, string(leaves[1]))
}

func TestFollowLocalOnlyAdvancesClockForGenuinelyLocalAppends(t *testing.T) {
	r, es := newTestReplicator(t, ledger.LastWriteWins, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go r.FollowLocal(ctx)

	fe := federatedEvent("o1", 1, vectorclock.Clock{"replica-b": 1}, time.Now().UTC())
	require.NoError(t, r.ApplyFederatedEvent(ctx, fe))

	federatedEvents, err := es.Query(ctx, ledger.Filter{AggregateType: "order", AggregateID: "o1"})
	require.NoError(t, err)
	require.Len(t, federatedEvents, 1)
	federatedSeq := federatedEvents[0].Sequence

	local := appendLocal(t, es, "o2", 1, time.Now().UTC())

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.selfTip >= local.Sequence
	}, 2*time.Second, 10*time.Millisecond, "FollowLocal must fold in the local append")

	r.mu.Lock()
	clock := r.selfClock.Clone()
	r.mu.Unlock()

	assert.Equal(t, int64(1), clock["replica-a"], "only the local append should have incremented the self coordinate")

	var recorded vectorclock.Clock
	var raw json.RawMessage
	require.NoError(t, r.db.Get(&raw, `SELECT clock FROM event_vector_clocks WHERE sequence = $1`, local.Sequence))
	require.NoError(t, json.Unmarshal(raw, &recorded))
	assert.Equal(t, int64(1), recorded["replica-a"])

	require.NoError(t, r.db.Get(&raw, `SELECT clock FROM event_vector_clocks WHERE sequence = $1`, federatedSeq))
	require.NoError(t, json.Unmarshal(raw, &recorded))
	assert.Equal(t, int64(1), recorded["replica-b"], "the federated event's own clock must be untouched by FollowLocal")
	assert.Zero(t, recorded["replica-a"], "FollowLocal must not fold a federated event into the self coordinate")
}

func TestRestoreReadsBackPersistedSelfClock(t *testing.T) {
	r, es := newTestReplicator(t, ledger.LastWriteWins, nil)
	ctx := context.Background()

	ev := appendLocal(t, es, "o1", 1, time.Now().UTC())
	require.NoError(t, r.recordLocalClock(ctx, ev.Sequence))

	fresh := New(r.cfg, r.db, es, nil, r.metrics)
	require.NoError(t, fresh.Restore(ctx))
	assert.Equal(t, ev.Sequence, fresh.selfTip)
	assert.Equal(t, vectorclock.Clock{"replica-a": 1}, fresh.selfClock)
}
