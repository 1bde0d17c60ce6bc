package crdt

import "github.com/synccore/synccore/internal/hlc"

// ORTag is a unique, globally comparable add-tag. Tags are owned by the
// node that emitted them and are opaque to readers.
type ORTag string

// ORMapEntry is one observed tagged add of a value into an OR-Map key. A
// key is present in the canonical projection iff at least one of its
// entries' tags has not been removed.
type ORMapEntry[V any] struct {
	Value     V
	Tag       ORTag
	Timestamp hlc.Timestamp
}

// ORMap implements an Observed-Remove map: Add inserts a fresh tag, Remove
// deletes exactly the tags it observed, and concurrent adds survive a
// concurrent remove because the remove only targets tags it saw.
type ORMap[V any] struct {
	// tags maps an add-tag to its entry. Removed tags are deleted outright;
	// there are no remove-tombstones because Merge only ever receives
	// adds (union) and explicit remove-tag lists (difference), the wire
	// shape ORMap deltas take.
	tags map[ORTag]ORMapEntry[V]
}

// NewORMap creates an empty OR-Map.
func NewORMap[V any]() *ORMap[V] {
	return &ORMap[V]{tags: make(map[ORTag]ORMapEntry[V])}
}

// Add inserts value under a fresh tag and returns the entry so the caller
// can journal/gossip it to peers.
func (m *ORMap[V]) Add(value V, tag ORTag, ts hlc.Timestamp) ORMapEntry[V] {
	entry := ORMapEntry[V]{Value: value, Tag: tag, Timestamp: ts}
	m.tags[tag] = entry
	return entry
}

// Remove deletes exactly the given observed tags. Tags the caller never
// observed (e.g. a concurrent add it hasn't seen yet) are left untouched.
func (m *ORMap[V]) Remove(tags []ORTag) {
	for _, t := range tags {
		delete(m.tags, t)
	}
}

// MergeAdd unions a remote add into the local tag set. Idempotent: adding
// the same tag twice is a no-op beyond overwriting with identical data.
func (m *ORMap[V]) MergeAdd(entry ORMapEntry[V]) {
	m.tags[entry.Tag] = entry
}

// MergeRemove applies a remote remove-tag list, deleting any of those tags
// present locally (no-op for tags already absent or not yet observed).
func (m *ORMap[V]) MergeRemove(tags []ORTag) {
	m.Remove(tags)
}

// Values returns the value of every surviving tag, in unspecified order:
// one element per tag, so a value added under several surviving tags
// appears once per tag.
func (m *ORMap[V]) Values() []V {
	out := make([]V, 0, len(m.tags))
	for _, e := range m.tags {
		out = append(out, e.Value)
	}
	return out
}

// Entries returns every surviving (value, tag, timestamp) observation, e.g.
// so a caller can gossip the full current tag set to a peer.
func (m *ORMap[V]) Entries() []ORMapEntry[V] {
	out := make([]ORMapEntry[V], 0, len(m.tags))
	for _, e := range m.tags {
		out = append(out, e)
	}
	return out
}

// ContainsTag reports whether tag currently survives.
func (m *ORMap[V]) ContainsTag(tag ORTag) bool {
	_, ok := m.tags[tag]
	return ok
}

// Len returns the number of surviving tags (not distinct values).
func (m *ORMap[V]) Len() int { return len(m.tags) }
