package ledger

import "time"

// FederatedEvent wraps a committed Event with the attribution a
// federated replica needs to detect concurrency and order conflicts
// (spec §3 "Federated Event").
type FederatedEvent struct {
	Event       Event          `json:"event"`
	SourceRealm string         `json:"source_realm"`
	FederatedAt time.Time      `json:"federated_at"`
	VectorClock map[string]int64 `json:"vector_clock"`
	Signature   []byte         `json:"signature,omitempty"`
}

// ConflictStrategy selects how the Federated Replicator resolves a
// detected concurrent write (spec §4.6).
type ConflictStrategy string

const (
	LastWriteWins   ConflictStrategy = "last_write_wins"
	FirstWriteWins  ConflictStrategy = "first_write_wins"
	SourcePriority  ConflictStrategy = "source_priority"
	ManualStrategy  ConflictStrategy = "manual"
)

// ConflictWinner names which side a resolved conflict kept.
type ConflictWinner string

const (
	WinnerLocal  ConflictWinner = "local"
	WinnerRemote ConflictWinner = "remote"
	WinnerMerged ConflictWinner = "merged"
)

// ConflictResolution records how a Conflict Record was settled.
type ConflictResolution struct {
	Strategy    ConflictStrategy `json:"strategy"`
	Winner      ConflictWinner   `json:"winner"`
	ResolvedAt  time.Time        `json:"resolved_at"`
	MergedEvent *Event           `json:"merged_event,omitempty"`
}

// ConflictRecord is opened when a federated event concurrently modifies
// an aggregate a local event has already touched (spec §3, §4.6).
type ConflictRecord struct {
	ID          string               `json:"id"`
	LocalEvent  Event                `json:"local_event"`
	RemoteEvent FederatedEvent       `json:"remote_event"`
	DetectedAt  time.Time            `json:"detected_at"`
	Resolution  *ConflictResolution  `json:"resolution,omitempty"`
}
