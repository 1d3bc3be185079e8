package ledger

import "errors"

// Input errors: recoverable by the caller without any change in ledger state.
var (
	ErrVersionConflict  = errors.New("ledger: expected aggregate version does not match current tip")
	ErrMalformedPayload = errors.New("ledger: event payload is not well-formed canonical JSON")
	ErrBadActor         = errors.New("ledger: actor is missing or not a fully-specified variant")
	ErrClockSkew        = errors.New("ledger: event timestamp exceeds the configured clock skew window")
	ErrReplayNonce      = errors.New("ledger: causation command_id has already been seen within the retention window")
	ErrUnknownAggregate = errors.New("ledger: no events exist for the requested aggregate")
)

// Transient errors: the caller may retry.
var (
	ErrContention      = errors.New("ledger: lost the race for the global tip, retries exhausted")
	ErrTimeout         = errors.New("ledger: operation did not complete before its deadline")
	ErrPeerUnreachable = errors.New("ledger: replication peer is unreachable")
)

// Semantic errors: require operator attention, but do not halt the store.
var (
	ErrProjectionHandlerFailed       = errors.New("ledger: projection handler failed")
	ErrConflictPendingManualResolution = errors.New("ledger: conflict is pending manual resolution")
	ErrSnapshotHashMismatch          = errors.New("ledger: snapshot state hash does not match recorded hash")
)

// Fatal errors: the write path halts until an operator intervenes.
var (
	ErrChainCorrupted    = errors.New("ledger: chain integrity check failed, refusing further writes")
	ErrStorageUnavailable = errors.New("ledger: durable storage unavailable or sequence space exhausted")
)
