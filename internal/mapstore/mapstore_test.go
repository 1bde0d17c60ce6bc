package mapstore

import (
	"context"
	"testing"
	"time"

	"github.com/synccore/synccore/internal/crdt"
	"github.com/synccore/synccore/internal/hlc"
	"github.com/synccore/synccore/internal/oplog"
)

type fixedWall struct{ now time.Time }

func (w fixedWall) Now() time.Time { return w.now }

func newTestClock(node string) *hlc.Clock {
	return hlc.NewClock(node, fixedWall{now: time.Unix(1000, 0)}, hlc.DefaultMaxDrift)
}

func TestLWWMapSetGetDeleteJournalsAndEmits(t *testing.T) {
	clock := newTestClock("A")
	log := oplog.New(oplog.Config{})
	m := NewLWWMap[string]("users", "A", clock, log)

	var events []ChangeEvent[string]
	unsub := m.Subscribe(func(ev ChangeEvent[string]) { events = append(events, ev) })
	defer unsub()

	if err := m.Set(context.Background(), "u1", "alice"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok := m.Get("u1")
	if !ok || v != "alice" {
		t.Fatalf("Get(u1) = %v, %v, want alice, true", v, ok)
	}
	if got := log.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() = %d, want 1", got)
	}

	if err := m.Delete(context.Background(), "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := m.Get("u1"); ok {
		t.Fatal("expected u1 to be deleted")
	}

	if len(events) != 2 || events[0].Kind != Insert || events[1].Kind != Delete {
		t.Fatalf("events = %+v, want [Insert, Delete]", events)
	}
}

func TestLWWMapMergeDoesNotJournal(t *testing.T) {
	clock := newTestClock("A")
	log := oplog.New(oplog.Config{})
	m := NewLWWMap[string]("users", "A", clock, log)

	incoming := crdt.NewLWWPut("bob", hlc.Timestamp{Millis: 5000, Counter: 0, NodeID: "B"})
	m.Merge("u2", incoming)

	if got := log.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d, want 0 (Merge must not journal)", got)
	}
	if v, ok := m.Get("u2"); !ok || v != "bob" {
		t.Fatalf("Get(u2) = %v, %v, want bob, true", v, ok)
	}
}

func TestLWWMapLoadBulkEmitsSingleInitEvent(t *testing.T) {
	clock := newTestClock("A")
	m := NewLWWMap[string]("users", "A", clock, nil)

	var events []ChangeEvent[string]
	m.Subscribe(func(ev ChangeEvent[string]) { events = append(events, ev) })

	m.LoadBulk(map[string]crdt.LWWRecord[string]{
		"u1": crdt.NewLWWPut("alice", hlc.Timestamp{Millis: 1, NodeID: "A"}),
		"u2": crdt.NewLWWPut("bob", hlc.Timestamp{Millis: 2, NodeID: "A"}),
	})

	if len(events) != 1 || events[0].Kind != Init {
		t.Fatalf("events = %+v, want single Init event", events)
	}
	if len(events[0].Snapshot) != 2 {
		t.Fatalf("Snapshot = %v, want 2 entries", events[0].Snapshot)
	}
}

func TestORMapStoreAddRemoveConcurrentSurvives(t *testing.T) {
	clock := newTestClock("A")
	log := oplog.New(oplog.Config{})
	m := NewORMapStore[string]("tags", "A", clock, log)

	tagA, err := m.Add(context.Background(), "post1", "funny")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := m.Add(context.Background(), "post1", "sad"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := m.Remove(context.Background(), "post1", []crdt.ORTag{tagA}); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	vals := m.Values("post1")
	if len(vals) != 1 || vals[0] != "sad" {
		t.Fatalf("Values(post1) = %v, want [sad]", vals)
	}
	if got := log.PendingCount(); got != 3 {
		t.Fatalf("PendingCount() = %d, want 3 (2 adds + 1 remove)", got)
	}
}

func TestORMapStoreMergeAddDoesNotJournal(t *testing.T) {
	clock := newTestClock("A")
	log := oplog.New(oplog.Config{})
	m := NewORMapStore[string]("tags", "A", clock, log)

	m.MergeAdd("post1", crdt.ORMapEntry[string]{Value: "cool", Tag: "remote-tag", Timestamp: hlc.Timestamp{Millis: 42, NodeID: "B"}})

	if got := log.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d, want 0", got)
	}
	if vals := m.Values("post1"); len(vals) != 1 || vals[0] != "cool" {
		t.Fatalf("Values(post1) = %v, want [cool]", vals)
	}
}

func TestPNCounterMapIncrementDecrementAndValue(t *testing.T) {
	clock := newTestClock("A")
	log := oplog.New(oplog.Config{})
	m := NewPNCounterMap("likes", "A", clock, log)

	if err := m.Increment(context.Background(), "post1", 5); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if err := m.Increment(context.Background(), "post1", 3); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if err := m.Decrement(context.Background(), "post1", 2); err != nil {
		t.Fatalf("Decrement: %v", err)
	}

	if got := m.Value("post1"); got != 6 {
		t.Fatalf("Value(post1) = %d, want 6", got)
	}
	if got := log.PendingCount(); got != 3 {
		t.Fatalf("PendingCount() = %d, want 3", got)
	}
}

func TestPNCounterMapMergeDoesNotJournal(t *testing.T) {
	clock := newTestClock("A")
	log := oplog.New(oplog.Config{})
	m := NewPNCounterMap("likes", "A", clock, log)

	m.Merge("post1", map[string]int64{"B": 9}, map[string]int64{})

	if got := log.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d, want 0", got)
	}
	if got := m.Value("post1"); got != 9 {
		t.Fatalf("Value(post1) = %d, want 9", got)
	}
}
