package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainledger/internal/ledger"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	g, err := New(Config{MaxClockSkew: time.Minute, NonceRetention: time.Hour})
	require.NoError(t, err)
	return g
}

func TestCheckClockSkewWithinBound(t *testing.T) {
	g := newTestGuard(t)
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return fixed })

	assert.NoError(t, g.CheckClockSkew(fixed.Add(59*time.Second)))
	assert.NoError(t, g.CheckClockSkew(fixed.Add(-time.Minute)))
}

func TestCheckClockSkewBeyondBound(t *testing.T) {
	g := newTestGuard(t)
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return fixed })

	assert.ErrorIs(t, g.CheckClockSkew(fixed.Add(time.Minute+time.Nanosecond)), ledger.ErrClockSkew)
	assert.ErrorIs(t, g.CheckClockSkew(fixed.Add(-(time.Minute + time.Nanosecond))), ledger.ErrClockSkew)
}

func TestReserveNonceRejectsReplayWithinWindow(t *testing.T) {
	g := newTestGuard(t)
	require.NoError(t, g.ReserveNonce("cmd-1"))
	assert.ErrorIs(t, g.ReserveNonce("cmd-1"), ledger.ErrReplayNonce)
}

func TestReserveNonceAcceptsAfterRetentionWindow(t *testing.T) {
	g := newTestGuard(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })
	require.NoError(t, g.ReserveNonce("cmd-1"))

	now = now.Add(time.Hour + time.Second)
	assert.NoError(t, g.ReserveNonce("cmd-1"))
}

func TestReserveNonceEmptyCommandIDAlwaysPasses(t *testing.T) {
	g := newTestGuard(t)
	assert.NoError(t, g.ReserveNonce(""))
	assert.NoError(t, g.ReserveNonce(""))
}

func TestReleaseNonceUndoesReservation(t *testing.T) {
	g := newTestGuard(t)
	require.NoError(t, g.ReserveNonce("cmd-1"))
	g.ReleaseNonce("cmd-1")
	assert.NoError(t, g.ReserveNonce("cmd-1"))
}

func TestCachedTipRoundTrip(t *testing.T) {
	g := newTestGuard(t)
	_, ok := g.CachedTip("order", "a1")
	assert.False(t, ok)

	g.RecordTip("order", "a1", AggregateTip{Version: 3, Hash: "deadbeef"})
	tip, ok := g.CachedTip("order", "a1")
	require.True(t, ok)
	assert.Equal(t, int64(3), tip.Version)
	assert.Equal(t, "deadbeef", tip.Hash)
}

func TestCheckLocalContiguity(t *testing.T) {
	assert.NoError(t, CheckLocalContiguity(1, 0))
	assert.NoError(t, CheckLocalContiguity(4, 3))
	assert.ErrorIs(t, CheckLocalContiguity(5, 3), ledger.ErrVersionConflict)
	assert.ErrorIs(t, CheckLocalContiguity(1, 1), ledger.ErrVersionConflict)
}

func TestSweepEvictsExpiredNonces(t *testing.T) {
	g := newTestGuard(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })
	require.NoError(t, g.ReserveNonce("cmd-1"))

	now = now.Add(2 * time.Hour)
	g.sweepOnce()

	assert.NoError(t, g.ReserveNonce("cmd-1"))
}
