package merkle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaves(values ...string) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out
}

func TestRootEmptyIsZeroHash(t *testing.T) {
	assert.Equal(t, [32]byte{}, Root(nil))
}

func TestRootIsOrderSensitive(t *testing.T) {
	a := Root(leaves("a", "b", "c"))
	b := Root(leaves("c", "b", "a"))
	assert.NotEqual(t, a, b)
}

func TestRootIsDeterministic(t *testing.T) {
	a := Root(leaves("a", "b", "c", "d", "e"))
	b := Root(leaves("a", "b", "c", "d", "e"))
	assert.Equal(t, a, b)
}

func TestRootChangesWithSingleLeafMutation(t *testing.T) {
	a := Root(leaves("a", "b", "c"))
	b := Root(leaves("a", "x", "c"))
	assert.NotEqual(t, a, b)
}

func TestLocalizeDriftNoDrift(t *testing.T) {
	data := leaves("a", "b", "c", "d", "e", "f", "g")
	fetch := func(from, to int64) ([][]byte, error) { return data[from:to], nil }

	from, to, err := LocalizeDrift(0, int64(len(data)), fetch, fetch)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), from)
	assert.Equal(t, int64(len(data)), to)
}

func TestLocalizeDriftSingleLeafMismatch(t *testing.T) {
	local := leaves("a", "b", "c", "d", "e", "f", "g", "h")
	remote := leaves("a", "b", "c", "d", "Z", "f", "g", "h")

	localFetch := func(from, to int64) ([][]byte, error) { return local[from:to], nil }
	remoteFetch := func(from, to int64) ([][]byte, error) { return remote[from:to], nil }

	from, to, err := LocalizeDrift(0, int64(len(local)), localFetch, remoteFetch)
	require.NoError(t, err)
	assert.Equal(t, int64(4), from)
	assert.Equal(t, int64(5), to)
}

func TestLocalizeDriftEmptyRange(t *testing.T) {
	fetch := func(from, to int64) ([][]byte, error) { return nil, nil }
	from, to, err := LocalizeDrift(5, 5, fetch, fetch)
	require.NoError(t, err)
	assert.Equal(t, int64(5), from)
	assert.Equal(t, int64(5), to)
}

func TestLocalizeDriftPropagatesFetchError(t *testing.T) {
	boom := errors.New("fetch failed")
	bad := func(from, to int64) ([][]byte, error) { return nil, boom }
	_, _, err := LocalizeDrift(0, 4, bad, bad)
	assert.ErrorIs(t, err, boom)
}

func TestRootOfUsesProvidedHasher(t *testing.T) {
	items := []int{1, 2, 3}
	hasher := func(i int) []byte { return []byte{byte(i)} }
	want := Root([][]byte{{1}, {2}, {3}})
	assert.Equal(t, want, RootOf(items, hasher))
}
