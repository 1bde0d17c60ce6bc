// Package scenario provisions a small multi-node cluster of pkg/cluster
// Clients over a fake, deterministic transport: writes fan out to every
// other node as pending deltas that Tick/Drain deliver on a fake clock,
// with per-link latency, drop rate, and partitioning — no goroutines, no
// real time.
package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/synccore/synccore/internal/hlc"
	"github.com/synccore/synccore/internal/oplog"
	"github.com/synccore/synccore/internal/resolver"
	"github.com/synccore/synccore/internal/writeack"
	"github.com/synccore/synccore/pkg/cluster"
)

// FakeWallClock is an injectable WallClock whose Now() is set explicitly,
// so a Scenario's delivery schedule is driven by Advance rather than the
// real system clock (hlc.WallClock's test-double seam).
type FakeWallClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeWallClock creates a clock starting at t.
func NewFakeWallClock(t time.Time) *FakeWallClock {
	return &FakeWallClock{now: t}
}

// Now implements hlc.WallClock.
func (c *FakeWallClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeWallClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// LinkConfig controls delivery behavior from one node to another.
type LinkConfig struct {
	Latency time.Duration // delivery delay (0 = instant, within the same Tick/Drain)
	Drop    float64       // 0.0-1.0 random loss rate
	Err     func() error  // hard delivery failure, counted as dropped
}

type link struct{ from, to string }

// pendingDelta is one record awaiting delivery to target, queued by Put/
// Delete until Tick/Drain releases it.
type pendingDelta struct {
	deliverAt time.Time
	from      string
	target    string
	mapName   string
	raw       json.RawMessage
}

// Config defines how a Scenario is composed.
type Config struct {
	NodeIDs      []string
	DataRootBase string
	Clock        *FakeWallClock
	Resolvers    *resolver.Registry
}

// Node wraps one node's Client plus the scenario-facing accessors tests
// exercise it through.
type Node struct {
	ID     string
	Client *cluster.Client
}

// Scenario provisions a set of in-memory Clients wired to a shared fake
// transport.
type Scenario struct {
	mu      sync.Mutex
	clock   *FakeWallClock
	nodes   map[string]*Node
	links   map[link]*LinkConfig
	blocked map[link]bool
	pending []pendingDelta
	rng     *rand.Rand
}

// New creates a multi-node scenario with independently constructed
// Clients, one per cfg.NodeIDs entry.
func New(cfg Config) (*Scenario, error) {
	if len(cfg.NodeIDs) == 0 {
		return nil, fmt.Errorf("scenario: node ids must not be empty")
	}
	if cfg.Clock == nil {
		cfg.Clock = NewFakeWallClock(time.Unix(0, 0).UTC())
	}

	s := &Scenario{
		clock:   cfg.Clock,
		nodes:   make(map[string]*Node, len(cfg.NodeIDs)),
		links:   make(map[link]*LinkConfig),
		blocked: make(map[link]bool),
		rng:     rand.New(rand.NewSource(1)),
	}

	for _, id := range cfg.NodeIDs {
		if err := s.AddNode(id, cfg.Resolvers); err != nil {
			return nil, fmt.Errorf("scenario: add node %q: %w", id, err)
		}
	}
	return s, nil
}

// MustNew is New but fails the test immediately on error.
func MustNew(t testing.TB, cfg Config) *Scenario {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("create scenario: %v", err)
	}
	return s
}

// AddNode provisions a new node with its own Client, clock, oplog, and
// resolver registry (sharing resolvers across nodes when non-nil, since a
// conflict-resolver binding is deployment-wide, not per-node).
func (s *Scenario) AddNode(nodeID string, resolvers *resolver.Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[nodeID]; exists {
		return fmt.Errorf("node %q already exists", nodeID)
	}

	clock := hlc.NewClock(nodeID, s.clock, 0)
	client := cluster.New(cluster.Deps{
		NodeID:    nodeID,
		Clock:     clock,
		Log:       oplog.New(oplog.Config{}),
		Resolvers: resolvers,
		WriteAcks: writeack.New(16),
	})

	s.nodes[nodeID] = &Node{ID: nodeID, Client: client}
	return nil
}

// Node returns a configured node by ID, or nil when absent.
func (s *Scenario) Node(id string) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[id]
}

// Nodes returns all configured node IDs in sorted order.
func (s *Scenario) Nodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetLink configures delivery behavior from one node to another.
func (s *Scenario) SetLink(from, to string, cfg LinkConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[link{from, to}] = &cfg
}

// BlockLink blocks delivery from → to (asymmetric partition).
func (s *Scenario) BlockLink(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[link{from, to}] = true
}

// Partition creates a bidirectional partition between two node groups.
func (s *Scenario) Partition(groupA, groupB []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range groupA {
		for _, b := range groupB {
			s.blocked[link{a, b}] = true
			s.blocked[link{b, a}] = true
		}
	}
}

// Heal removes all partitions and blocked links.
func (s *Scenario) Heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = make(map[link]bool)
}

// Put writes value at key in mapName on the named node and schedules the
// resulting record for delivery to every other node, standing in for the
// real REPLICATION_BATCH/SYNC_DELTA transports pkg/cluster drives in
// production.
func (s *Scenario) Put(ctx context.Context, nodeID, mapName, key string, value cluster.Document) error {
	node := s.Node(nodeID)
	if node == nil {
		return fmt.Errorf("scenario: unknown node %q", nodeID)
	}
	if err := node.Client.Put(ctx, mapName, key, value); err != nil {
		return err
	}
	s.fanOut(nodeID, mapName, key)
	return nil
}

// Delete tombstones key in mapName on the named node and fans the
// tombstone out to every other node.
func (s *Scenario) Delete(ctx context.Context, nodeID, mapName, key string) error {
	node := s.Node(nodeID)
	if node == nil {
		return fmt.Errorf("scenario: unknown node %q", nodeID)
	}
	if err := node.Client.Delete(ctx, mapName, key); err != nil {
		return err
	}
	s.fanOut(nodeID, mapName, key)
	return nil
}

// fanOut schedules mapName/key's current record from writerNode for
// delivery to every other node, honoring blocked links and per-link
// latency/drop.
func (s *Scenario) fanOut(writerNode, mapName, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	writer := s.nodes[writerNode]
	if writer == nil {
		return
	}
	entries := writer.Client.Collection(mapName).Map.ChangesSince(hlc.Timestamp{})
	entry, ok := entries[key]
	if !ok {
		return
	}

	type wireRecord struct {
		Key       string          `json:"key"`
		Value     cluster.Document `json:"value,omitempty"`
		Timestamp hlc.Timestamp   `json:"timestamp"`
	}
	wr := wireRecord{Key: key, Timestamp: entry.Timestamp}
	if !entry.Deleted() {
		wr.Value = *entry.Value
	}
	raw, err := json.Marshal(wr)
	if err != nil {
		return
	}

	for nodeID := range s.nodes {
		if nodeID == writerNode {
			continue
		}
		l := link{writerNode, nodeID}
		if s.blocked[l] {
			continue
		}
		lc := s.links[l]
		deliverAt := s.clock.Now()
		if lc != nil {
			if lc.Err != nil {
				if err := lc.Err(); err != nil {
					continue
				}
			}
			if lc.Drop > 0 && s.rng.Float64() < lc.Drop {
				continue
			}
			if lc.Latency > 0 {
				deliverAt = deliverAt.Add(lc.Latency)
			}
		}
		s.pending = append(s.pending, pendingDelta{
			deliverAt: deliverAt,
			from:      writerNode,
			target:    nodeID,
			mapName:   mapName,
			raw:       raw,
		})
	}
}

// Tick delivers pending deltas scheduled at or before the scenario clock's
// current time.
func (s *Scenario) Tick() {
	s.deliverUpTo(s.clock.Now())
}

// Drain delivers every pending delta regardless of schedule.
func (s *Scenario) Drain() {
	s.deliverUpTo(time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC))
}

func (s *Scenario) deliverUpTo(t time.Time) {
	s.mu.Lock()
	var due, remaining []pendingDelta
	for _, pd := range s.pending {
		if s.blocked[link{pd.from, pd.target}] {
			remaining = append(remaining, pd)
			continue
		}
		if pd.deliverAt.After(t) {
			remaining = append(remaining, pd)
			continue
		}
		due = append(due, pd)
	}
	s.pending = remaining
	targets := make(map[string]*cluster.Client, len(s.nodes))
	for id, n := range s.nodes {
		targets[id] = n.Client
	}
	s.mu.Unlock()

	for _, pd := range due {
		if client, ok := targets[pd.target]; ok {
			_, _ = client.ApplyRemote(pd.mapName, pd.raw)
		}
	}
}

// Snapshot returns mapName's live records on the named node, tombstones
// excluded.
func (s *Scenario) Snapshot(nodeID, mapName string) map[string]cluster.Document {
	node := s.Node(nodeID)
	if node == nil {
		return nil
	}
	return node.Client.Collection(mapName).Map.Snapshot()
}
