package scenario

import (
	"context"
	"testing"
	"time"

	"github.com/synccore/synccore/internal/resolver"
)

func TestLWWConvergenceAcrossNodes(t *testing.T) {
	clock := NewFakeWallClock(time.UnixMilli(1000))
	s := MustNew(t, Config{NodeIDs: []string{"A", "B", "C"}, Clock: clock})
	ctx := context.Background()

	if err := s.Put(ctx, "A", "users", "user/1", map[string]any{"name": "Alice"}); err != nil {
		t.Fatalf("put on A: %v", err)
	}
	clock.Advance(time.Millisecond)
	if err := s.Put(ctx, "B", "users", "user/1", map[string]any{"name": "Bob"}); err != nil {
		t.Fatalf("put on B: %v", err)
	}

	s.Drain()

	for _, node := range s.Nodes() {
		snap := s.Snapshot(node, "users")
		doc, ok := snap["user/1"]
		if !ok {
			t.Fatalf("node %s: user/1 missing after drain", node)
		}
		if doc["name"] != "Bob" {
			t.Errorf("node %s: name = %v, want Bob (later HLC wins)", node, doc["name"])
		}
	}
}

func TestDeleteTombstonePropagates(t *testing.T) {
	s := MustNew(t, Config{NodeIDs: []string{"A", "B"}})
	ctx := context.Background()

	if err := s.Put(ctx, "A", "users", "user/1", map[string]any{"name": "Alice"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	s.Drain()
	if _, ok := s.Snapshot("B", "users")["user/1"]; !ok {
		t.Fatal("expected user/1 on B before delete")
	}

	s.clock.Advance(time.Millisecond)
	if err := s.Delete(ctx, "A", "users", "user/1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	s.Drain()

	if _, ok := s.Snapshot("B", "users")["user/1"]; ok {
		t.Fatal("expected tombstone to remove user/1 on B")
	}
}

func TestBlockedLinkDropsDeltaButLaterWritesConverge(t *testing.T) {
	clock := NewFakeWallClock(time.UnixMilli(1000))
	s := MustNew(t, Config{NodeIDs: []string{"A", "B"}, Clock: clock})
	ctx := context.Background()

	s.Partition([]string{"A"}, []string{"B"})
	if err := s.Put(ctx, "A", "users", "user/1", map[string]any{"name": "Alice"}); err != nil {
		t.Fatalf("put during partition: %v", err)
	}
	s.Drain()
	if _, ok := s.Snapshot("B", "users")["user/1"]; ok {
		t.Fatal("partitioned write must not reach B")
	}

	s.Heal()
	clock.Advance(time.Millisecond)
	if err := s.Put(ctx, "A", "users", "user/1", map[string]any{"name": "Alice v2"}); err != nil {
		t.Fatalf("put after heal: %v", err)
	}
	s.Drain()

	doc, ok := s.Snapshot("B", "users")["user/1"]
	if !ok || doc["name"] != "Alice v2" {
		t.Fatalf("B after heal = %v, want Alice v2", doc)
	}
}

func TestLinkLatencyDefersDeliveryUntilClockAdvances(t *testing.T) {
	clock := NewFakeWallClock(time.UnixMilli(1000))
	s := MustNew(t, Config{NodeIDs: []string{"A", "B"}, Clock: clock})
	s.SetLink("A", "B", LinkConfig{Latency: 100 * time.Millisecond})
	ctx := context.Background()

	if err := s.Put(ctx, "A", "users", "user/1", map[string]any{"name": "Alice"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	s.Tick()
	if _, ok := s.Snapshot("B", "users")["user/1"]; ok {
		t.Fatal("delta delivered before the link latency elapsed")
	}

	clock.Advance(200 * time.Millisecond)
	s.Tick()
	if _, ok := s.Snapshot("B", "users")["user/1"]; !ok {
		t.Fatal("delta not delivered after the link latency elapsed")
	}
}

// TestFirstWriteWinsResolverRejectsRemoteUpdate covers the conflict pipeline
// end to end: a binding that rejects any update to an already-present key
// keeps the local value and emits a MergeRejection, while the first write
// for a key still replicates normally.
func TestFirstWriteWinsResolverRejectsRemoteUpdate(t *testing.T) {
	resolvers := resolver.New(resolver.GojaExecutor{}, 0, 0, 8)
	err := resolvers.Register(resolver.Binding{
		MapName:  "users",
		Name:     "first-write-wins",
		Priority: 10,
		Code: `if (local) { return {action: "reject", reason: "already exists"}; }
return {action: "local"};`,
	})
	if err != nil {
		t.Fatalf("register binding: %v", err)
	}

	clock := NewFakeWallClock(time.UnixMilli(1000))
	s := MustNew(t, Config{NodeIDs: []string{"A", "B"}, Clock: clock, Resolvers: resolvers})
	ctx := context.Background()

	if err := s.Put(ctx, "A", "users", "user/1", map[string]any{"name": "Alice"}); err != nil {
		t.Fatalf("put on A: %v", err)
	}
	s.Drain()

	// B saw the first write (no local value at merge time, so the binding
	// deferred to the built-in LWW policy).
	if doc := s.Snapshot("B", "users")["user/1"]; doc == nil || doc["name"] != "Alice" {
		t.Fatalf("B after first write = %v, want Alice", doc)
	}

	clock.Advance(time.Millisecond)
	if err := s.Put(ctx, "B", "users", "user/1", map[string]any{"name": "Bob"}); err != nil {
		t.Fatalf("put on B: %v", err)
	}
	s.Drain()

	// A's local value survives the rejected remote update.
	if doc := s.Snapshot("A", "users")["user/1"]; doc == nil || doc["name"] != "Alice" {
		t.Fatalf("A after rejected update = %v, want Alice unchanged", doc)
	}

	select {
	case rej := <-resolvers.Rejections():
		if rej.Key != "user/1" || rej.Reason != "already exists" {
			t.Fatalf("unexpected rejection: %+v", rej)
		}
	default:
		t.Fatal("expected a MergeRejection event for the rejected update")
	}
}

func TestAddNodeRejectsDuplicateID(t *testing.T) {
	s := MustNew(t, Config{NodeIDs: []string{"A"}})
	if err := s.AddNode("A", nil); err == nil {
		t.Fatal("expected duplicate node id to be rejected")
	}
}
