// Package merkle computes the Merkle root the Federated Replicator puts
// in every sync response (over that response's events), and localizes a
// mismatch between two leaf ranges by bounded binary search (spec §4.6).
package merkle

import (
	"crypto/sha256"
)

// Root hashes leaves (in commit order) pairwise up to a single root,
// duplicating the odd tail at each level. An empty leaf set roots to
// the zero hash.
func Root(leaves [][]byte) [32]byte {
	if len(leaves) == 0 {
		return [32]byte{}
	}
	level := make([][32]byte, len(leaves))
	for i, leaf := range leaves {
		level[i] = sha256.Sum256(leaf)
	}
	for len(level) > 1 {
		level = reduce(level)
	}
	return level[0]
}

func reduce(level [][32]byte) [][32]byte {
	if len(level)%2 == 1 {
		level = append(level, level[len(level)-1])
	}
	next := make([][32]byte, 0, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		var buf [64]byte
		copy(buf[:32], level[i][:])
		copy(buf[32:], level[i+1][:])
		next = append(next, sha256.Sum256(buf[:]))
	}
	return next
}

// LeafHasher hashes an event into a Merkle leaf. Replication supplies
// this over its own event encoding so this package stays free of
// ledger-specific types.
type LeafHasher[T any] func(T) []byte

// RootOf is a typed convenience wrapper over Root.
func RootOf[T any](items []T, hash LeafHasher[T]) [32]byte {
	leaves := make([][]byte, len(items))
	for i, item := range items {
		leaves[i] = hash(item)
	}
	return Root(leaves)
}

// RangeFetcher fetches the leaf hashes of [from, to) for drift
// localization, keeping this package independent of how a caller stores
// or transports events.
type RangeFetcher func(from, to int64) ([][]byte, error)

// LocalizeDrift bisects [from, to) to find the smallest subrange whose
// local and remote roots disagree, per spec §4.6's "bounded
// drift-localization protocol". It performs at most O(log(to-from))
// round trips through local and remote. Returns the half-open range
// [driftFrom, driftTo) that first diverges; if local and remote agree
// over the whole range, driftFrom == driftTo == to.
func LocalizeDrift(from, to int64, local, remote RangeFetcher) (driftFrom, driftTo int64, err error) {
	if to <= from {
		return to, to, nil
	}
	localLeaves, err := local(from, to)
	if err != nil {
		return 0, 0, err
	}
	remoteLeaves, err := remote(from, to)
	if err != nil {
		return 0, 0, err
	}
	if Root(localLeaves) == Root(remoteLeaves) {
		return to, to, nil
	}
	if to-from == 1 {
		return from, to, nil
	}
	mid := from + (to-from)/2
	driftFrom, driftTo, err = LocalizeDrift(from, mid, local, remote)
	if err != nil {
		return 0, 0, err
	}
	if driftFrom != driftTo {
		return driftFrom, driftTo, nil
	}
	return LocalizeDrift(mid, to, local, remote)
}
