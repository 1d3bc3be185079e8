package ledger

import (
	"encoding/json"
	"time"
)

// GenesisHash seeds previous_hash for the first event ever committed on a
// replica (spec §3: "genesis sentinel for the first").
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000"

// ProposedEvent is the caller's input to EventStore.Append. It must not
// carry id, sequence, previous_hash, or hash — those are assigned on
// commit (spec §4.1).
type ProposedEvent struct {
	Type                     string
	AggregateType            string
	AggregateID              string
	ExpectedAggregateVersion int64
	Payload                  json.RawMessage
	Actor                    Actor
	Timestamp                time.Time
	Causation                *Causation
}

// Event is a fully-materialized, committed event. Every field is
// immutable once returned from Append (I1).
type Event struct {
	ID                string          `json:"id"`
	Sequence          int64           `json:"sequence"`
	AggregateType     string          `json:"aggregate_type"`
	AggregateID       string          `json:"aggregate_id"`
	AggregateVersion  int64           `json:"aggregate_version"`
	Type              string          `json:"event_type"`
	Timestamp         time.Time       `json:"timestamp"`
	Payload           json.RawMessage `json:"payload"`
	Actor             Actor           `json:"actor"`
	Causation         *Causation      `json:"causation,omitempty"`
	PreviousHash      string          `json:"previous_hash"`
	Hash              string          `json:"hash"`
	Signature         []byte          `json:"signature,omitempty"`
	SignerID          string          `json:"signer_id,omitempty"`
}

// ChainTip identifies the last committed event of the global chain.
type ChainTip struct {
	Sequence int64
	Hash     string
}

// Filter composes the Query Surface's AND-semantics predicates (spec §4.7).
type Filter struct {
	AggregateType string
	AggregateID   string
	FromVersion   int64
	ToVersion     int64
	EventType     string
	FromTime      time.Time
	ToTime        time.Time
	Actor         *Actor
	CorrelationID string
	Descending    bool
	Limit         int
}

// AsOfKind selects how Rehydrator.Load bounds the event prefix it folds.
type AsOfKind int

const (
	AsOfLatest AsOfKind = iota
	AsOfSequence
	AsOfVersion
	AsOfTimestamp
)

// AsOf bounds a point-in-time query (spec §4.4, §4.3).
type AsOf struct {
	Kind      AsOfKind
	Sequence  int64
	Version   int64
	Timestamp time.Time
}

func Latest() AsOf { return AsOf{Kind: AsOfLatest} }

func AtSequence(seq int64) AsOf { return AsOf{Kind: AsOfSequence, Sequence: seq} }

func AtVersion(v int64) AsOf { return AsOf{Kind: AsOfVersion, Version: v} }

func AtTime(t time.Time) AsOf { return AsOf{Kind: AsOfTimestamp, Timestamp: t} }
