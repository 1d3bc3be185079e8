package snapshot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainledger/internal/obs"
	"chainledger/internal/testutil"
)

func newTestManager(t *testing.T, policy Policy) *Manager {
	t.Helper()
	db := testutil.OpenDB(t)
	return New(db, policy, obs.NewMetrics(nil))
}

func TestShouldSnapshotIgnoresIneligibleAggregateType(t *testing.T) {
	m := newTestManager(t, Policy{EventsThreshold: 1})
	assert.False(t, m.ShouldSnapshot("order", 1000, 48*time.Hour))
}

func TestShouldSnapshotFiresOnEitherThreshold(t *testing.T) {
	m := newTestManager(t, Policy{
		Eligible:        map[string]bool{"order": true},
		EventsThreshold: 100,
		TimeThreshold:   time.Hour,
	})
	assert.True(t, m.ShouldSnapshot("order", 100, 0), "events threshold alone should fire")
	assert.True(t, m.ShouldSnapshot("order", 0, time.Hour), "time threshold alone should fire")
	assert.False(t, m.ShouldSnapshot("order", 50, 30*time.Minute))
}

func TestMaybeSnapshotSkipsIneligibleType(t *testing.T) {
	m := newTestManager(t, Policy{})
	ctx := context.Background()

	err := m.MaybeSnapshot(ctx, "order", "o1", 1, 1, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	_, ok, err := m.Latest(ctx, "order", "o1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMaybeSnapshotPersistsAndIsIdempotentPerVersion(t *testing.T) {
	m := newTestManager(t, Policy{Eligible: map[string]bool{"order": true}})
	ctx := context.Background()

	require.NoError(t, m.MaybeSnapshot(ctx, "order", "o1", 3, 3, json.RawMessage(`{"n":3}`)))
	// Re-saving the same (type, id, version) is a no-op, not an error.
	require.NoError(t, m.MaybeSnapshot(ctx, "order", "o1", 3, 3, json.RawMessage(`{"n":999}`)))

	snap, ok, err := m.Latest(ctx, "order", "o1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), snap.Version)
	assert.JSONEq(t, `{"n":3}`, string(snap.State))
}

func TestLatestReturnsNewestByVersion(t *testing.T) {
	m := newTestManager(t, Policy{Eligible: map[string]bool{"order": true}})
	ctx := context.Background()

	require.NoError(t, m.MaybeSnapshot(ctx, "order", "o1", 1, 1, json.RawMessage(`{"n":1}`)))
	require.NoError(t, m.MaybeSnapshot(ctx, "order", "o1", 2, 2, json.RawMessage(`{"n":2}`)))

	snap, ok, err := m.Latest(ctx, "order", "o1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.Version)
}

func TestAtSequenceFloorsToNewestNotAfter(t *testing.T) {
	m := newTestManager(t, Policy{Eligible: map[string]bool{"order": true}})
	ctx := context.Background()

	require.NoError(t, m.MaybeSnapshot(ctx, "order", "o1", 1, 10, json.RawMessage(`{"n":1}`)))
	require.NoError(t, m.MaybeSnapshot(ctx, "order", "o1", 2, 20, json.RawMessage(`{"n":2}`)))

	snap, ok, err := m.AtSequence(ctx, "order", "o1", 15)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10), snap.Sequence)

	_, ok, err = m.AtSequence(ctx, "order", "o1", 5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAtVersionFloorsToNewestNotAfter(t *testing.T) {
	m := newTestManager(t, Policy{Eligible: map[string]bool{"order": true}})
	ctx := context.Background()

	require.NoError(t, m.MaybeSnapshot(ctx, "order", "o1", 1, 1, json.RawMessage(`{"n":1}`)))
	require.NoError(t, m.MaybeSnapshot(ctx, "order", "o1", 5, 5, json.RawMessage(`{"n":5}`)))

	snap, ok, err := m.AtVersion(ctx, "order", "o1", 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.Version)
}

func TestAtTimeFloorsToNewestNotAfter(t *testing.T) {
	m := newTestManager(t, Policy{Eligible: map[string]bool{"order": true}})
	ctx := context.Background()

	require.NoError(t, m.MaybeSnapshot(ctx, "order", "o1", 1, 1, json.RawMessage(`{"n":1}`)))
	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.MaybeSnapshot(ctx, "order", "o1", 2, 2, json.RawMessage(`{"n":2}`)))

	snap, ok, err := m.AtTime(ctx, "order", "o1", cutoff)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.Version)
}

func TestMaybeSnapshotEnforcesMaxPerAggregate(t *testing.T) {
	m := newTestManager(t, Policy{Eligible: map[string]bool{"order": true}, MaxPerAggregate: 2})
	ctx := context.Background()

	for v := int64(1); v <= 5; v++ {
		require.NoError(t, m.MaybeSnapshot(ctx, "order", "o1", v, v, json.RawMessage(`{}`)))
	}

	var versions []int64
	require.NoError(t, m.db.SelectContext(ctx, &versions,
		`SELECT version FROM snapshots WHERE aggregate_type='order' AND aggregate_id='o1' ORDER BY version`))
	assert.Equal(t, []int64{4, 5}, versions)
}

func TestCleanupKeepsOnlyNewestN(t *testing.T) {
	m := newTestManager(t, Policy{Eligible: map[string]bool{"order": true}, MaxPerAggregate: 1000})
	ctx := context.Background()

	for v := int64(1); v <= 4; v++ {
		require.NoError(t, m.MaybeSnapshot(ctx, "order", "o1", v, v, json.RawMessage(`{}`)))
	}

	require.NoError(t, m.Cleanup(ctx, "order", "o1", 1))

	snap, ok, err := m.Latest(ctx, "order", "o1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), snap.Version)

	var count int
	require.NoError(t, m.db.GetContext(ctx, &count,
		`SELECT count(*) FROM snapshots WHERE aggregate_type='order' AND aggregate_id='o1'`))
	assert.Equal(t, 1, count)
}
