package mapstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/synccore/synccore/internal/crdt"
	"github.com/synccore/synccore/internal/hlc"
	"github.com/synccore/synccore/internal/oplog"
)

// ORMapStore is a named map whose entries are Observed-Remove
// collections: each key holds an independent set of tagged observations,
// present iff at least one tag survives.
type ORMapStore[V any] struct {
	name     string
	nodeID   string
	clock    *hlc.Clock
	appender oplog.Appender

	mu   sync.RWMutex
	keys map[string]*crdt.ORMap[V]

	topic topic[V]
}

// NewORMapStore creates an empty OR-Map named name.
func NewORMapStore[V any](name, nodeID string, clock *hlc.Clock, appender oplog.Appender) *ORMapStore[V] {
	return &ORMapStore[V]{name: name, nodeID: nodeID, clock: clock, appender: appender, keys: make(map[string]*crdt.ORMap[V])}
}

func (m *ORMapStore[V]) Name() string { return m.name }

func (m *ORMapStore[V]) bucketLocked(key string) *crdt.ORMap[V] {
	b, ok := m.keys[key]
	if !ok {
		b = crdt.NewORMap[V]()
		m.keys[key] = b
	}
	return b
}

// Add inserts value under a freshly generated tag for key, journals OR_ADD,
// and emits an Insert/Update change event. The generated tag is returned so
// a caller can gossip the exact observation to peers.
func (m *ORMapStore[V]) Add(ctx context.Context, key string, value V) (crdt.ORTag, error) {
	ts := m.clock.Now()
	tag := crdt.ORTag(uuid.NewString())

	m.mu.Lock()
	bucket := m.bucketLocked(key)
	wasPresent := bucket.Len() > 0
	entry := bucket.Add(value, tag, ts)
	m.mu.Unlock()

	if m.appender != nil {
		if _, err := m.appender.Append(ctx, oplog.Entry{MapName: m.name, Key: key, Op: oplog.OpORAdd, Record: entry}); err != nil {
			return tag, err
		}
	}

	kind := Insert
	if wasPresent {
		kind = Update
	}
	m.topic.emit(ChangeEvent[V]{Kind: kind, Key: key, NewValue: &value})
	return tag, nil
}

// Remove deletes the given observed tags for key, journals OR_REMOVE, and
// emits Delete if the key becomes empty, Update otherwise.
func (m *ORMapStore[V]) Remove(ctx context.Context, key string, tags []crdt.ORTag) error {
	m.mu.Lock()
	bucket, ok := m.keys[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	bucket.Remove(tags)
	empty := bucket.Len() == 0
	var nv *V
	if !empty {
		if vals := bucket.Values(); len(vals) > 0 {
			nv = &vals[0]
		}
	}
	m.mu.Unlock()

	if m.appender != nil {
		strTags := make([]string, len(tags))
		for i, t := range tags {
			strTags[i] = string(t)
		}
		if _, err := m.appender.Append(ctx, oplog.Entry{MapName: m.name, Key: key, Op: oplog.OpORRemove, Tags: strTags}); err != nil {
			return err
		}
	}

	if empty {
		m.topic.emit(ChangeEvent[V]{Kind: Delete, Key: key})
	} else {
		m.topic.emit(ChangeEvent[V]{Kind: Update, Key: key, NewValue: nv})
	}
	return nil
}

// Values returns the surviving values for key.
func (m *ORMapStore[V]) Values(key string) []V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket, ok := m.keys[key]
	if !ok {
		return nil
	}
	return bucket.Values()
}

// MergeAdd applies a remote add observation. Like MergeRemove and
// LoadBulk, it does not journal.
func (m *ORMapStore[V]) MergeAdd(key string, entry crdt.ORMapEntry[V]) {
	m.mu.Lock()
	bucket := m.bucketLocked(key)
	wasPresent := bucket.Len() > 0
	bucket.MergeAdd(entry)
	m.mu.Unlock()

	m.clock.Observe(entry.Timestamp)

	kind := Insert
	if wasPresent {
		kind = Update
	}
	v := entry.Value
	m.topic.emit(ChangeEvent[V]{Kind: kind, Key: key, NewValue: &v})
}

// MergeRemove applies a remote remove-tag list for key.
func (m *ORMapStore[V]) MergeRemove(key string, tags []crdt.ORTag) {
	m.mu.Lock()
	bucket, ok := m.keys[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	bucket.MergeRemove(tags)
	empty := bucket.Len() == 0
	m.mu.Unlock()

	if empty {
		m.topic.emit(ChangeEvent[V]{Kind: Delete, Key: key})
	}
}

// LoadBulk hydrates the store, emitting a single Init snapshot event.
func (m *ORMapStore[V]) LoadBulk(keys map[string]*crdt.ORMap[V]) {
	m.mu.Lock()
	m.keys = keys
	snapshot := make(map[string]V, len(keys))
	for k, bucket := range keys {
		vals := bucket.Values()
		if len(vals) > 0 {
			snapshot[k] = vals[0]
		}
	}
	m.mu.Unlock()

	slog.Debug("ormap store hydrated", "map", m.name, "keys", len(snapshot))
	m.topic.emit(ChangeEvent[V]{Kind: Init, Snapshot: snapshot})
}

// Subscribe registers a listener and returns an unsubscribe function.
func (m *ORMapStore[V]) Subscribe(l Listener[V]) (unsubscribe func()) {
	_, unsub := m.topic.subscribe(l)
	return unsub
}
