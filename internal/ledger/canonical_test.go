package ledger

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPayloadSortsKeys(t *testing.T) {
	a, err := CanonicalPayload(json.RawMessage(`{"b":1,"a":2}`))
	require.NoError(t, err)
	b, err := CanonicalPayload(json.RawMessage(`{"a":2,"b":1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":2,"b":1}`, a)
}

func TestCanonicalPayloadOmitsNullMembers(t *testing.T) {
	out, err := CanonicalPayload(json.RawMessage(`{"a":1,"b":null}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out)
}

func TestCanonicalPayloadDropsNullArrayElements(t *testing.T) {
	out, err := CanonicalPayload(json.RawMessage(`[1,null,2]`))
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, out)
}

func TestCanonicalPayloadIntegralNumbersHaveNoDecimalPoint(t *testing.T) {
	out, err := CanonicalPayload(json.RawMessage(`{"n":3.0}`))
	require.NoError(t, err)
	assert.Equal(t, `{"n":3}`, out)
}

func TestCanonicalPayloadNestedObjectsSortRecursively(t *testing.T) {
	out, err := CanonicalPayload(json.RawMessage(`{"z":{"y":1,"x":2},"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":2,"y":1}}`, out)
}

func TestCanonicalPayloadEmptyInput(t *testing.T) {
	out, err := CanonicalPayload(nil)
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestHashIsDeterministic(t *testing.T) {
	in := HashInput{
		ID:               "evt-1",
		Sequence:         1,
		Timestamp:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EventType:        "Created",
		AggregateType:    "order",
		AggregateID:      "order-1",
		AggregateVersion: 1,
		PayloadCanonical: `{"a":1}`,
		ActorCanonical:   "system:ledgerd",
		PreviousHash:     GenesisHash,
	}
	assert.Equal(t, Hash(in), Hash(in))
}

func TestHashChangesWithAnySingleField(t *testing.T) {
	base := HashInput{
		ID:               "evt-1",
		Sequence:         1,
		Timestamp:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EventType:        "Created",
		AggregateType:    "order",
		AggregateID:      "order-1",
		AggregateVersion: 1,
		PayloadCanonical: `{"a":1}`,
		ActorCanonical:   "system:ledgerd",
		PreviousHash:     GenesisHash,
	}
	mutated := base
	mutated.AggregateVersion = 2
	assert.NotEqual(t, Hash(base), Hash(mutated))
}

func TestVerifyHashRoundTrips(t *testing.T) {
	e := Event{
		ID:               "evt-1",
		Sequence:         1,
		AggregateType:    "order",
		AggregateID:      "order-1",
		AggregateVersion: 1,
		Type:             "Created",
		Timestamp:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:          json.RawMessage(`{"total":100}`),
		Actor:            SystemActor("ledgerd"),
		PreviousHash:     GenesisHash,
	}
	in, err := HashInputFor(e)
	require.NoError(t, err)
	e.Hash = Hash(in)

	ok, err := VerifyHash(e)
	require.NoError(t, err)
	assert.True(t, ok)

	e.AggregateVersion = 2
	ok, err = VerifyHash(e)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashStateDetectsMutation(t *testing.T) {
	h1, err := HashState(json.RawMessage(`{"balance":10}`))
	require.NoError(t, err)
	h2, err := HashState(json.RawMessage(`{"balance":11}`))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHashStateStableUnderKeyReordering(t *testing.T) {
	h1, err := HashState(json.RawMessage(`{"a":1,"b":2}`))
	require.NoError(t, err)
	h2, err := HashState(json.RawMessage(`{"b":2,"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
