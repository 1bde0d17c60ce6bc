package mapstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/synccore/synccore/internal/crdt"
	"github.com/synccore/synccore/internal/hlc"
	"github.com/synccore/synccore/internal/oplog"
)

// PNCounterMap is a named map of independent PN-Counter CRDTs, keyed by
// string.
type PNCounterMap struct {
	name     string
	nodeID   string
	clock    *hlc.Clock
	appender oplog.Appender

	mu       sync.RWMutex
	counters map[string]*crdt.PNCounter

	topic topic[int64]
}

// NewPNCounterMap creates an empty PN-Counter map named name.
func NewPNCounterMap(name, nodeID string, clock *hlc.Clock, appender oplog.Appender) *PNCounterMap {
	return &PNCounterMap{name: name, nodeID: nodeID, clock: clock, appender: appender, counters: make(map[string]*crdt.PNCounter)}
}

func (m *PNCounterMap) Name() string { return m.name }

func (m *PNCounterMap) bucketLocked(key string) *crdt.PNCounter {
	c, ok := m.counters[key]
	if !ok {
		c = crdt.NewPNCounter()
		m.counters[key] = c
	}
	return c
}

// Increment adds delta to this node's positive total for key, journals INC,
// and emits an Update (or Insert, if key is new) change event carrying the
// resulting value.
func (m *PNCounterMap) Increment(ctx context.Context, key string, delta int64) error {
	return m.apply(ctx, key, delta, oplog.OpInc, func(c *crdt.PNCounter) { c.Increment(m.nodeID, delta) })
}

// Decrement adds delta to this node's negative total for key, journals DEC.
func (m *PNCounterMap) Decrement(ctx context.Context, key string, delta int64) error {
	return m.apply(ctx, key, delta, oplog.OpDec, func(c *crdt.PNCounter) { c.Decrement(m.nodeID, delta) })
}

func (m *PNCounterMap) apply(ctx context.Context, key string, delta int64, op oplog.Op, mutate func(*crdt.PNCounter)) error {
	m.mu.Lock()
	_, existed := m.counters[key]
	wasNew := !existed
	bucket := m.bucketLocked(key)
	mutate(bucket)
	value := bucket.Value()
	m.mu.Unlock()

	if m.appender != nil {
		if _, err := m.appender.Append(ctx, oplog.Entry{MapName: m.name, Key: key, Op: op, Record: delta}); err != nil {
			return err
		}
	}

	kind := Update
	if wasNew {
		kind = Insert
	}
	m.topic.emit(ChangeEvent[int64]{Kind: kind, Key: key, NewValue: &value})
	return nil
}

// Value returns the current value for key (0 if key has never been touched).
func (m *PNCounterMap) Value(key string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.counters[key]
	if !ok {
		return 0
	}
	return c.Value()
}

// Merge folds a remote counter's full vectors into key's bucket, without
// journaling.
func (m *PNCounterMap) Merge(key string, positive, negative map[string]int64) {
	m.mu.Lock()
	bucket := m.bucketLocked(key)
	bucket.MergeVectors(positive, negative)
	value := bucket.Value()
	m.mu.Unlock()

	m.topic.emit(ChangeEvent[int64]{Kind: Update, Key: key, NewValue: &value})
}

// LoadBulk hydrates the map, emitting a single Init snapshot event.
func (m *PNCounterMap) LoadBulk(counters map[string]*crdt.PNCounter) {
	m.mu.Lock()
	m.counters = counters
	snapshot := make(map[string]int64, len(counters))
	for k, c := range counters {
		snapshot[k] = c.Value()
	}
	m.mu.Unlock()

	slog.Debug("pncounter map hydrated", "map", m.name, "keys", len(snapshot))
	m.topic.emit(ChangeEvent[int64]{Kind: Init, Snapshot: snapshot})
}

// Subscribe registers a listener and returns an unsubscribe function.
func (m *PNCounterMap) Subscribe(l Listener[int64]) (unsubscribe func()) {
	_, unsub := m.topic.subscribe(l)
	return unsub
}
