// Package guard implements the Replay & Integrity Guard (spec §4.2): the
// clock-skew, nonce-replay, and local sequence-contiguity checks applied
// before an event commits.
package guard

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"chainledger/internal/ledger"
)

const (
	DefaultMaxClockSkew     = 5 * time.Minute
	DefaultNonceRetention   = 24 * time.Hour
	defaultNonceCacheSize   = 100_000
	defaultTipCacheSize     = 50_000
	defaultSweepInterval    = time.Minute
)

// AggregateTip is the Guard's cached view of an aggregate's current
// version and hash (spec §4.2's "per-aggregate tip cache"). The Event
// Store records it after each commit but does not read it; its version
// checks always use the database.
type AggregateTip struct {
	Version int64
	Hash    string
}

// Config bounds the Guard's behavior. Zero values fall back to spec
// defaults.
type Config struct {
	MaxClockSkew   time.Duration
	NonceRetention time.Duration
	NonceCacheSize int
	TipCacheSize   int
}

func (c Config) withDefaults() Config {
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = DefaultMaxClockSkew
	}
	if c.NonceRetention <= 0 {
		c.NonceRetention = DefaultNonceRetention
	}
	if c.NonceCacheSize <= 0 {
		c.NonceCacheSize = defaultNonceCacheSize
	}
	if c.TipCacheSize <= 0 {
		c.TipCacheSize = defaultTipCacheSize
	}
	return c
}

// Guard is owned, explicitly-constructed state (no process-global
// singleton, per spec §9's re-architecture note): an LRU nonce set and a
// per-aggregate tip cache, both bounded, with the nonce retention window
// as the authoritative correctness bound and the LRU only a memory
// safety valve (spec §4.2).
type Guard struct {
	cfg Config

	mu     sync.Mutex
	nonces *lru.Cache[string, time.Time]

	tips *lru.Cache[string, AggregateTip]

	now func() time.Time
}

func New(cfg Config) (*Guard, error) {
	cfg = cfg.withDefaults()
	nonces, err := lru.New[string, time.Time](cfg.NonceCacheSize)
	if err != nil {
		return nil, err
	}
	tips, err := lru.New[string, AggregateTip](cfg.TipCacheSize)
	if err != nil {
		return nil, err
	}
	return &Guard{cfg: cfg, nonces: nonces, tips: tips, now: time.Now}, nil
}

func tipKey(aggregateType, aggregateID string) string {
	return aggregateType + "\x00" + aggregateID
}

// CheckClockSkew rejects timestamps further than MaxClockSkew from now in
// either direction. Boundary behavior (spec §8): exactly at the skew
// bound is accepted, one instant beyond is rejected.
func (g *Guard) CheckClockSkew(ts time.Time) error {
	now := g.now()
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > g.cfg.MaxClockSkew {
		return ledger.ErrClockSkew
	}
	return nil
}

// ReserveNonce rejects a commandID seen within the retention window and
// otherwise reserves it immediately (rather than waiting until commit),
// so that two concurrent appends racing on the same command_id cannot
// both pass the check before either commits. Boundary behavior: a reuse
// exactly at the retention boundary is accepted (a reuse is rejected
// only while strictly less than the window has elapsed since the nonce
// was recorded). Callers that fail before commit
// must call ReleaseNonce so the reservation doesn't count against a
// later, corrected retry (spec §4.1: "any error before step 7 is a clean
// no-op").
func (g *Guard) ReserveNonce(commandID string) error {
	if commandID == "" {
		return nil
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if seenAt, ok := g.nonces.Get(commandID); ok {
		if now.Sub(seenAt) < g.cfg.NonceRetention {
			return ledger.ErrReplayNonce
		}
	}
	g.nonces.Add(commandID, now)
	return nil
}

// ReleaseNonce undoes a reservation made by ReserveNonce when the append
// that made it did not, in the end, commit.
func (g *Guard) ReleaseNonce(commandID string) {
	if commandID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nonces.Remove(commandID)
}

// CachedTip returns the Guard's cached tip for an aggregate, if any. The
// Event Store does not call it; the database read inside the commit
// transaction is the only version check on the append path.
func (g *Guard) CachedTip(aggregateType, aggregateID string) (AggregateTip, bool) {
	return g.tips.Get(tipKey(aggregateType, aggregateID))
}

// RecordTip updates the Guard's cached tip after a successful commit.
func (g *Guard) RecordTip(aggregateType, aggregateID string, tip AggregateTip) {
	g.tips.Add(tipKey(aggregateType, aggregateID), tip)
}

// CheckLocalContiguity enforces the strict local-path rule (spec §4.2):
// the candidate's expected version must equal tip+1. currentVersion is
// 0 for an aggregate with no events yet.
func CheckLocalContiguity(expectedVersion, currentVersion int64) error {
	if expectedVersion != currentVersion+1 {
		return ledger.ErrVersionConflict
	}
	return nil
}

// Sweep runs a periodic eviction pass until ctx is canceled. The LRU
// already bounds memory; Sweep additionally drops nonces past their
// retention window so a long-idle entry doesn't linger just because the
// cache never filled up.
func (g *Guard) Sweep(ctx context.Context) {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepOnce()
		}
	}
}

func (g *Guard) sweepOnce() {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, key := range g.nonces.Keys() {
		seenAt, ok := g.nonces.Peek(key)
		if ok && now.Sub(seenAt) > g.cfg.NonceRetention {
			g.nonces.Remove(key)
		}
	}
}

// SetClock overrides the Guard's time source; used by tests to exercise
// the clock-skew and nonce-retention boundaries deterministically.
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}
