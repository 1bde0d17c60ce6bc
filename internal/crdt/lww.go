// Package crdt implements the conflict-free replicated data types that
// back synccore's maps: LWW registers, OR-Map collections, and PN-counters,
// all ordered by hybrid logical timestamps.
package crdt

import "github.com/synccore/synccore/internal/hlc"

// LWWRecord is a Last-Write-Wins register holding either a value or a
// tombstone (Value == nil means deleted). Merge keeps whichever record has
// the greater HLC timestamp; ties are broken by NodeID, which lives inside
// the timestamp.
type LWWRecord[V any] struct {
	Value     *V
	Timestamp hlc.Timestamp
}

// Deleted reports whether the record is a tombstone.
func (r LWWRecord[V]) Deleted() bool { return r.Value == nil }

// Merge returns the record that should survive between r (local) and
// incoming (remote): the greater HLC wins, tie-broken by
// NodeID (already folded into Timestamp.Compare).
func (r LWWRecord[V]) Merge(incoming LWWRecord[V]) LWWRecord[V] {
	if incoming.Timestamp.After(r.Timestamp) {
		return incoming
	}
	return r
}

// NewLWWPut builds a record representing a live value written at ts.
func NewLWWPut[V any](value V, ts hlc.Timestamp) LWWRecord[V] {
	v := value
	return LWWRecord[V]{Value: &v, Timestamp: ts}
}

// NewLWWTombstone builds a deletion record written at ts.
func NewLWWTombstone[V any](ts hlc.Timestamp) LWWRecord[V] {
	return LWWRecord[V]{Value: nil, Timestamp: ts}
}
