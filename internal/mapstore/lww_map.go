package mapstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/synccore/synccore/internal/crdt"
	"github.com/synccore/synccore/internal/hlc"
	"github.com/synccore/synccore/internal/oplog"
)

// LWWMap is a named map whose entries are Last-Write-Wins records.
type LWWMap[V any] struct {
	name     string
	nodeID   string
	clock    *hlc.Clock
	appender oplog.Appender

	mu      sync.RWMutex
	entries map[string]crdt.LWWRecord[V]

	topic topic[V]
}

// NewLWWMap creates an empty LWW map named name. appender may be nil, in
// which case Set/Delete do not journal (used for maps that are purely
// materialized views, e.g. query result caches).
func NewLWWMap[V any](name, nodeID string, clock *hlc.Clock, appender oplog.Appender) *LWWMap[V] {
	return &LWWMap[V]{
		name:     name,
		nodeID:   nodeID,
		clock:    clock,
		appender: appender,
		entries:  make(map[string]crdt.LWWRecord[V]),
	}
}

// Name returns the map's name.
func (m *LWWMap[V]) Name() string { return m.name }

// Get returns the live value for key, or (zero, false) if absent or
// tombstoned.
func (m *LWWMap[V]) Get(key string) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.entries[key]
	if !ok || rec.Deleted() {
		var zero V
		return zero, false
	}
	return *rec.Value, true
}

// Set writes value at key with a fresh HLC timestamp, emits a change event,
// and journals a PUT oplog entry (if an appender is configured).
func (m *LWWMap[V]) Set(ctx context.Context, key string, value V) error {
	ts := m.clock.Now()
	rec := crdt.NewLWWPut(value, ts)

	m.mu.Lock()
	old, existed := m.entries[key]
	m.entries[key] = rec
	m.mu.Unlock()

	if m.appender != nil {
		if _, err := m.appender.Append(ctx, oplog.Entry{MapName: m.name, Key: key, Op: oplog.OpPut, Record: rec}); err != nil {
			return err
		}
	}

	ev := ChangeEvent[V]{Kind: Insert, Key: key, NewValue: rec.Value}
	if existed && !old.Deleted() {
		ev.Kind = Update
		ev.OldValue = old.Value
	}
	m.topic.emit(ev)
	return nil
}

// Delete writes a tombstone at key with a fresh HLC timestamp.
func (m *LWWMap[V]) Delete(ctx context.Context, key string) error {
	ts := m.clock.Now()
	rec := crdt.NewLWWTombstone[V](ts)

	m.mu.Lock()
	old, existed := m.entries[key]
	m.entries[key] = rec
	m.mu.Unlock()

	if m.appender != nil {
		if _, err := m.appender.Append(ctx, oplog.Entry{MapName: m.name, Key: key, Op: oplog.OpRemove, Record: rec}); err != nil {
			return err
		}
	}

	if existed && !old.Deleted() {
		m.topic.emit(ChangeEvent[V]{Kind: Delete, Key: key, OldValue: old.Value})
	}
	return nil
}

// Merge applies a remote record for key. This is the only public mutator
// that does not generate an oplog entry: it is the path by which deltas
// from SYNC_DELTA and the conflict resolver reach the map. Incoming is
// already a typed LWWRecord[V], so malformed records cannot occur here; a
// caller feeding a record for an unknown map/kind drops it upstream with
// a warning.
func (m *LWWMap[V]) Merge(key string, incoming crdt.LWWRecord[V]) {
	m.mu.Lock()
	current, ok := m.entries[key]
	var merged crdt.LWWRecord[V]
	if ok {
		merged = current.Merge(incoming)
	} else {
		merged = incoming
	}
	changed := !ok || merged.Timestamp != current.Timestamp
	m.entries[key] = merged
	m.mu.Unlock()

	m.clock.Observe(incoming.Timestamp)

	if !changed {
		return
	}

	ev := ChangeEvent[V]{Kind: Insert, Key: key, NewValue: merged.Value}
	if ok {
		if merged.Deleted() {
			ev.Kind = Delete
			ev.OldValue = current.Value
		} else if !current.Deleted() {
			ev.Kind = Update
			ev.OldValue = current.Value
		}
	}
	if merged.Deleted() && (!ok || current.Deleted()) {
		// Tombstone replacing tombstone (or absent key): not user-observable.
		return
	}
	m.topic.emit(ev)
}

// LoadBulk hydrates the map from storage, replacing its contents and
// emitting a single Init event with the resulting snapshot instead of one
// event per entry.
func (m *LWWMap[V]) LoadBulk(entries map[string]crdt.LWWRecord[V]) {
	m.mu.Lock()
	m.entries = make(map[string]crdt.LWWRecord[V], len(entries))
	snapshot := make(map[string]V, len(entries))
	for k, rec := range entries {
		m.entries[k] = rec
		if !rec.Deleted() {
			snapshot[k] = *rec.Value
		}
	}
	m.mu.Unlock()

	slog.Debug("lww map hydrated", "map", m.name, "entries", len(snapshot))
	m.topic.emit(ChangeEvent[V]{Kind: Init, Snapshot: snapshot})
}

// Subscribe registers a listener and returns an unsubscribe function.
func (m *LWWMap[V]) Subscribe(l Listener[V]) (unsubscribe func()) {
	_, unsub := m.topic.subscribe(l)
	return unsub
}

// Snapshot returns a copy of every live (non-tombstoned) key/value pair.
func (m *LWWMap[V]) Snapshot() map[string]V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]V, len(m.entries))
	for k, rec := range m.entries {
		if !rec.Deleted() {
			out[k] = *rec.Value
		}
	}
	return out
}

// ChangesSince returns every record (including tombstones) with a
// timestamp strictly after since, for serving a SYNC_DELTA page to a
// client whose lastSyncTimestamp is since.
func (m *LWWMap[V]) ChangesSince(since hlc.Timestamp) map[string]crdt.LWWRecord[V] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]crdt.LWWRecord[V])
	for k, rec := range m.entries {
		if rec.Timestamp.After(since) {
			out[k] = rec
		}
	}
	return out
}
