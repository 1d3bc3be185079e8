// Package replication implements the Federated Replicator (spec §4.6):
// vector-clock-driven sync between replicas and concurrent-write
// conflict detection/resolution. Each sync response carries a Merkle
// root over the events in that response; the receiver stores it per
// peer and does not compare it with its own log, so drift is not
// detected automatically.
package replication

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"chainledger/internal/eventstore"
	"chainledger/internal/ledger"
	"chainledger/internal/merkle"
	"chainledger/internal/obs"
	"chainledger/internal/vectorclock"
)

const DefaultMaxBatchSize = 1000

// SyncRequest is the outbound half of the replication protocol (spec
// §6): "give me everything you have past this clock".
type SyncRequest struct {
	ID           string               `json:"id"`
	SourceRealm  string               `json:"source_realm"`
	TargetRealm  string               `json:"target_realm"`
	FromVersion  vectorclock.Clock    `json:"from_version"`
	RequestedAt  time.Time            `json:"requested_at"`
}

// SyncResponse is the inbound half.
type SyncResponse struct {
	RequestID  string                  `json:"request_id"`
	Events     []ledger.FederatedEvent `json:"events"`
	NewVersion vectorclock.Clock       `json:"new_version"`
	HasMore    bool                    `json:"has_more"`
	MerkleRoot string                  `json:"merkle_root"`
}

// Transport carries a SyncRequest to a peer and returns its response.
// The HTTP+JSON implementation lives in package replicationhttp; tests
// typically use an in-memory stub instead.
type Transport interface {
	Sync(ctx context.Context, peerBaseURL string, req SyncRequest) (SyncResponse, error)
}

// Peer is a configured replication partner.
type Peer struct {
	ID      string
	BaseURL string
}

// Config bounds a Replicator's behavior.
type Config struct {
	SelfID       string
	Strategy     ledger.ConflictStrategy
	MaxBatchSize int
	SyncInterval time.Duration
	RateLimit    rate.Limit
	RateBurst    int
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5 * time.Second
	}
	if c.Strategy == "" {
		c.Strategy = ledger.LastWriteWins
	}
	if c.RateLimit <= 0 {
		c.RateLimit = rate.Limit(5)
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 5
	}
	return c
}

// Replicator owns all inter-replica state: this replica's vector clock,
// per-peer last-known clocks and Merkle roots, and the breaker/limiter
// pair guarding each peer (spec §3 "Ownership": "the Replicator
// exclusively owns inter-replica state").
type Replicator struct {
	cfg       Config
	db        *sqlx.DB
	events    *eventstore.EventStore
	transport Transport
	metrics   *obs.Metrics
	tracer    trace.Tracer

	mu       sync.Mutex
	selfTip  int64 // last local sequence folded into selfClock
	selfClock vectorclock.Clock

	peersMu sync.Mutex
	peers   map[string]Peer
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
}

func New(cfg Config, db *sqlx.DB, events *eventstore.EventStore, transport Transport, metrics *obs.Metrics) *Replicator {
	cfg = cfg.withDefaults()
	return &Replicator{
		cfg:       cfg,
		db:        db,
		events:    events,
		transport: transport,
		metrics:   metrics,
		tracer:    obs.Tracer("replication"),
		selfClock: vectorclock.Clock{},
		peers:     make(map[string]Peer),
		limiters:  make(map[string]*rate.Limiter),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// AddPeer registers a replication partner and its resilience controls.
func (r *Replicator) AddPeer(p Peer) {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	r.peers[p.ID] = p
	r.limiters[p.ID] = rate.NewLimiter(r.cfg.RateLimit, r.cfg.RateBurst)
	r.breakers[p.ID] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "replication-peer-" + p.ID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

// Restore seeds the replicator's self clock and tip from durable state
// on startup (the replication_state row), so a restart does not replay
// already-folded local events into the self clock a second time.
func (r *Replicator) Restore(ctx context.Context) error {
	var raw []byte
	var tip int64
	err := r.db.QueryRowContext(ctx, `SELECT self_tip, self_clock FROM replication_state WHERE id = 1`).Scan(&tip, &raw)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore replication state: %w", err)
	}
	var clock vectorclock.Clock
	if err := json.Unmarshal(raw, &clock); err != nil {
		return fmt.Errorf("decode self clock: %w", err)
	}
	r.mu.Lock()
	r.selfTip = tip
	r.selfClock = clock
	r.mu.Unlock()
	return nil
}

// FollowLocal drains the Event Store's notification channel, assigning
// this replica's vector clock to every genuinely local append (spec
// §4.6's "on local append, increment V[self]") and persisting the
// mapping so outbound sync can find each event's clock. Federated
// notifications are skipped entirely: AppendFederated's caller
// (sync.go's applyRemote) already records that event's clock and
// merges it into the self clock synchronously, so folding it in again
// here would both double-count it and race that write for the same
// event_vector_clocks row.
func (r *Replicator) FollowLocal(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-r.events.Notifications():
			if !ok {
				return
			}
			if n.Federated {
				continue
			}
			if err := r.recordLocalClock(ctx, n.Sequence); err != nil {
				// Best-effort: a missed notification is recovered by
				// catchUpLocalClocks on the next call, since selfTip only
				// advances past sequences actually folded.
				continue
			}
		}
	}
}

// catchUpLocalClocks folds any local events committed since selfTip
// that FollowLocal may have missed (e.g. during a restart window).
// Federated events in that range are skipped the same way FollowLocal
// skips them live; their clocks were already recorded by applyRemote.
func (r *Replicator) catchUpLocalClocks(ctx context.Context) error {
	r.mu.Lock()
	tip := r.selfTip
	r.mu.Unlock()
	events, err := r.events.EventsFrom(ctx, tip+1, r.cfg.MaxBatchSize)
	if err != nil {
		return err
	}
	for _, ev := range events {
		federated, err := r.isFederatedEvent(ctx, ev.ID)
		if err != nil {
			return err
		}
		if federated {
			if err := r.advancePastFederated(ctx, ev.Sequence); err != nil {
				return err
			}
			continue
		}
		if err := r.recordLocalClock(ctx, ev.Sequence); err != nil {
			return err
		}
	}
	return nil
}

// isFederatedEvent reports whether eventID was committed via
// AppendFederated, using federated_received (populated by
// sync.go's markApplied) as the source of truth rather than the
// presence of an event_vector_clocks row, since that row and this
// check can otherwise be written by two different call paths for the
// same sequence.
func (r *Replicator) isFederatedEvent(ctx context.Context, eventID string) (bool, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM federated_received WHERE event_id = $1`, eventID); err != nil {
		return false, fmt.Errorf("check federated origin: %w", err)
	}
	return n > 0, nil
}

func (r *Replicator) advancePastFederated(ctx context.Context, sequence int64) error {
	r.mu.Lock()
	if sequence > r.selfTip {
		r.selfTip = sequence
	}
	r.mu.Unlock()
	return r.persistSelfTip(ctx)
}

func (r *Replicator) recordLocalClock(ctx context.Context, sequence int64) error {
	r.mu.Lock()
	if sequence <= r.selfTip {
		r.mu.Unlock()
		return nil
	}
	r.selfClock = r.selfClock.Increment(r.cfg.SelfID)
	r.selfTip = sequence
	r.mu.Unlock()

	clockJSON, err := json.Marshal(r.currentClock())
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO event_vector_clocks (sequence, clock) VALUES ($1, $2)
		ON CONFLICT (sequence) DO NOTHING
	`, sequence, clockJSON)
	if err != nil {
		return fmt.Errorf("record event clock: %w", err)
	}
	return r.persistSelfTip(ctx)
}

func (r *Replicator) currentClock() vectorclock.Clock {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selfClock.Clone()
}

// persistSelfTip durably records the replicator's current self_tip and
// self_clock, taking whichever is newer if a concurrent writer already
// advanced the row past this one.
func (r *Replicator) persistSelfTip(ctx context.Context) error {
	r.mu.Lock()
	tip := r.selfTip
	clock := r.selfClock.Clone()
	r.mu.Unlock()

	clockJSON, err := json.Marshal(clock)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO replication_state (id, self_tip, self_clock) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET self_tip = EXCLUDED.self_tip, self_clock = EXCLUDED.self_clock
		WHERE replication_state.self_tip < EXCLUDED.self_tip
	`, tip, clockJSON)
	if err != nil {
		return fmt.Errorf("persist replication state: %w", err)
	}
	return nil
}

// CreateSyncRequest builds the outbound request for a peer, using the
// last-known clock this replicator has for it (spec §4.6 "Outbound").
func (r *Replicator) CreateSyncRequest(ctx context.Context, peerID string) (SyncRequest, error) {
	r.peersMu.Lock()
	peer, ok := r.peers[peerID]
	r.peersMu.Unlock()
	if !ok {
		return SyncRequest{}, fmt.Errorf("replication: unknown peer %q", peerID)
	}
	fromVersion, err := r.peerClock(ctx, peerID)
	if err != nil {
		return SyncRequest{}, err
	}
	return SyncRequest{
		ID:          uuid.New().String(),
		SourceRealm: r.cfg.SelfID,
		TargetRealm: peer.ID,
		FromVersion: fromVersion,
		RequestedAt: time.Now().UTC(),
	}, nil
}

func (r *Replicator) peerClock(ctx context.Context, peerID string) (vectorclock.Clock, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `SELECT clock FROM peer_state WHERE peer_id = $1`, peerID).Scan(&raw)
	if err == sql.ErrNoRows {
		return vectorclock.Clock{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read peer clock: %w", err)
	}
	var clock vectorclock.Clock
	if err := json.Unmarshal(raw, &clock); err != nil {
		return nil, fmt.Errorf("decode peer clock: %w", err)
	}
	return clock, nil
}

func (r *Replicator) peerRoot(ctx context.Context, peerID string) (string, error) {
	var root sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT merkle_root FROM peer_state WHERE peer_id = $1`, peerID).Scan(&root)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read peer root: %w", err)
	}
	return root.String, nil
}

// HandleSyncRequest answers a peer's SyncRequest from this replica's own
// log (server side of spec §4.6's "Outbound"/"Network protocol").
func (r *Replicator) HandleSyncRequest(ctx context.Context, req SyncRequest) (SyncResponse, error) {
	ctx, span := r.tracer.Start(ctx, "replication.handle_sync_request",
		trace.WithAttributes(attribute.String("peer", req.SourceRealm)))
	defer span.End()

	events, hasMore, err := r.selectSince(ctx, req.FromVersion)
	if err != nil {
		return SyncResponse{}, err
	}

	r.mu.Lock()
	newVersion := r.selfClock.Clone()
	r.mu.Unlock()

	leaves := make([][]byte, len(events))
	for i, fe := range events {
		leaves[i] = []byte(fe.Event.Hash)
	}
	root := merkle.Root(leaves)

	return SyncResponse{
		RequestID:  req.ID,
		Events:     events,
		NewVersion: newVersion,
		HasMore:    hasMore,
		MerkleRoot: fmt.Sprintf("%x", root),
	}, nil
}

// selectSince returns every local federated-eligible event whose vector
// clock is strictly greater than fromVersion on at least one
// coordinate, bounded by MaxBatchSize (spec §4.6).
func (r *Replicator) selectSince(ctx context.Context, fromVersion vectorclock.Clock) ([]ledger.FederatedEvent, bool, error) {
	type row struct {
		Sequence int64           `db:"sequence"`
		Clock    json.RawMessage `db:"clock"`
	}
	var rows []row
	err := r.db.SelectContext(ctx, &rows, `
		SELECT sequence, clock FROM event_vector_clocks ORDER BY sequence ASC
	`)
	if err != nil {
		return nil, false, fmt.Errorf("select vector clocks: %w", err)
	}

	var matched []int64
	for _, rr := range rows {
		var clock vectorclock.Clock
		if err := json.Unmarshal(rr.Clock, &clock); err != nil {
			continue
		}
		if vectorclock.Advanced(fromVersion, clock) {
			matched = append(matched, rr.Sequence)
		}
	}

	hasMore := false
	if len(matched) > r.cfg.MaxBatchSize {
		matched = matched[:r.cfg.MaxBatchSize]
		hasMore = true
	}
	if len(matched) == 0 {
		return nil, false, nil
	}

	out := make([]ledger.FederatedEvent, 0, len(matched))
	for _, seq := range matched {
		ev, clock, federatedAt, err := r.loadEventWithClock(ctx, seq)
		if err != nil {
			return nil, false, err
		}
		out = append(out, ledger.FederatedEvent{
			Event:       ev,
			SourceRealm: r.cfg.SelfID,
			FederatedAt: federatedAt,
			VectorClock: clock,
		})
	}
	return out, hasMore, nil
}

// Run periodically syncs every registered peer until ctx is canceled.
// Each peer is synced independently; one peer's failure (recorded via
// metrics and left for the next tick) never blocks another's.
func (r *Replicator) Run(ctx context.Context) {
	// A failed catch-up is retried on each tick below until it succeeds;
	// FollowLocal covers the steady-state path once this succeeds.
	caughtUp := r.catchUpLocalClocks(ctx) == nil
	ticker := time.NewTicker(r.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !caughtUp {
				caughtUp = r.catchUpLocalClocks(ctx) == nil
			}
			r.syncAllPeers(ctx)
		}
	}
}

func (r *Replicator) syncAllPeers(ctx context.Context) {
	r.peersMu.Lock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.peersMu.Unlock()
	for _, id := range ids {
		_ = r.SyncWith(ctx, id) // errors are captured in metrics; the next tick retries
	}
}

// LocalRangeFetcher adapts this replica's event log to merkle.RangeFetcher
// so an operator-triggered drift check can bisect [from,to) against a
// peer's equivalent range (spec §4.6's "bounded drift-localization
// protocol"). Only the local side exists here: Transport and
// SyncRequest carry no sequence-window request, so the peer's
// RangeFetcher is not provided by this package.
func (r *Replicator) LocalRangeFetcher(ctx context.Context) merkle.RangeFetcher {
	return func(from, to int64) ([][]byte, error) {
		events, err := r.events.EventsFrom(ctx, from, int(to-from))
		if err != nil {
			return nil, err
		}
		leaves := make([][]byte, 0, len(events))
		for _, ev := range events {
			if ev.Sequence >= to {
				break
			}
			leaves = append(leaves, []byte(ev.Hash))
		}
		return leaves, nil
	}
}

func (r *Replicator) loadEventWithClock(ctx context.Context, sequence int64) (ledger.Event, map[string]int64, time.Time, error) {
	events, err := r.events.EventsFrom(ctx, sequence, 1)
	if err != nil || len(events) == 0 {
		return ledger.Event{}, nil, time.Time{}, fmt.Errorf("load event %d: %w", sequence, err)
	}
	var raw json.RawMessage
	if err := r.db.QueryRowContext(ctx, `SELECT clock FROM event_vector_clocks WHERE sequence = $1`, sequence).Scan(&raw); err != nil {
		return ledger.Event{}, nil, time.Time{}, fmt.Errorf("load clock %d: %w", sequence, err)
	}
	var clock map[string]int64
	if err := json.Unmarshal(raw, &clock); err != nil {
		return ledger.Event{}, nil, time.Time{}, err
	}
	return events[0], clock, events[0].Timestamp, nil
}
