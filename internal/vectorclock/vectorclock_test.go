package vectorclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

var replicaIDs = []string{"r1", "r2", "r3"}

func genClock(t *rapid.T) Clock {
	c := make(Clock, len(replicaIDs))
	for _, id := range replicaIDs {
		if rapid.Bool().Draw(t, "present") {
			c[id] = rapid.Int64Range(0, 20).Draw(t, "count")
		}
	}
	return c
}

func TestIncrementAlwaysHappensAfter(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := genClock(t)
		replica := rapid.SampledFrom(replicaIDs).Draw(t, "replica")
		next := c.Increment(replica)
		assert.True(t, HappensBefore(c, next))
		assert.False(t, HappensBefore(next, c))
	})
}

func TestHappensBeforeIsIrreflexive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := genClock(t)
		assert.False(t, HappensBefore(c, c))
	})
}

func TestTrichotomy(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a, b := genClock(t), genClock(t)
		ab := HappensBefore(a, b)
		ba := HappensBefore(b, a)
		conc := Concurrent(a, b)

		count := 0
		for _, v := range []bool{ab, ba, conc} {
			if v {
				count++
			}
		}
		assert.Equal(t, 1, count, "exactly one of a<b, b<a, concurrent must hold for a=%v b=%v", a, b)
	})
}

func TestEqualImpliesConcurrent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := genClock(t)
		b := a.Clone()
		assert.True(t, Equal(a, b))
		assert.True(t, Concurrent(a, b))
	})
}

func TestMergeIsCommutative(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a, b := genClock(t), genClock(t)
		ab := Merge(a, b)
		ba := Merge(b, a)
		assert.True(t, Equal(ab, ba))
	})
}

func TestMergeDominatesBothInputs(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a, b := genClock(t), genClock(t)
		merged := Merge(a, b)
		assert.True(t, dominatesOrEqual(merged, a))
		assert.True(t, dominatesOrEqual(merged, b))
	})
}

func TestCloneIsIndependent(t *testing.T) {
	c := Clock{"r1": 1}
	cp := c.Clone()
	cp["r1"] = 99
	assert.Equal(t, int64(1), c["r1"])
}
