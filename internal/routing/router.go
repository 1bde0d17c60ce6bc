// Package routing implements partition assignment and ownership routing
// for keys: route(key) -> (partitionId, ownerNodeId), partition-map
// version/delta application, and routing:miss handling via a hinted-owner
// transition.
package routing

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// PartitionCount is the fixed number of partitions keys hash into.
const PartitionCount = 271

// Assignment is one partition's current owner and replica set.
type Assignment struct {
	PartitionID int
	OwnerNodeID string
	ReplicaIDs  []string
}

// Delta is an incremental update to the partition map: it only applies if
// the map's current version matches FromVersion.
type Delta struct {
	FromVersion int
	ToVersion   int
	Changes     []Assignment
}

// ErrVersionMismatch is returned by ApplyDelta when the delta's FromVersion
// does not match the map's current version; the caller must fetch a full
// snapshot instead of applying deltas out of order.
var ErrVersionMismatch = errors.New("routing: delta version mismatch, full refresh required")

// Map tracks the current partition assignment table and its version.
type Map struct {
	mu          sync.RWMutex
	version     int
	assignments map[int]Assignment
}

// NewMap creates an empty, unversioned partition map (version 0).
func NewMap() *Map {
	return &Map{assignments: make(map[int]Assignment)}
}

// LoadSnapshot replaces the entire map and sets its version, e.g. after a
// routing:miss forces a full refresh. Snapshots at or below the current
// version are ignored so the version never goes backwards.
func (m *Map) LoadSnapshot(version int, assignments []Assignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version <= m.version {
		return
	}
	m.version = version
	m.assignments = make(map[int]Assignment, len(assignments))
	for _, a := range assignments {
		m.assignments[a.PartitionID] = a
	}
}

// ApplyDelta applies d if d.FromVersion matches the map's current version.
func (m *Map) ApplyDelta(d Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.FromVersion != m.version {
		return ErrVersionMismatch
	}
	for _, a := range d.Changes {
		m.assignments[a.PartitionID] = a
	}
	m.version = d.ToVersion
	return nil
}

// Version returns the map's current version.
func (m *Map) Version() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Owner returns the current assignment for partitionID, if known.
func (m *Map) Owner(partitionID int) (Assignment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[partitionID]
	return a, ok
}

// PartitionOf hashes key with xxHash64 mod PartitionCount.
func PartitionOf(key string) int {
	h := xxhash.Sum64String(key)
	return int(h % PartitionCount)
}

// partitionOfFNV is the documented fallback hash, available to callers who
// need to cross-check against a second hash family; nothing in the package
// or its tests calls it.
func partitionOfFNV(key string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % PartitionCount)
}

// Route resolves key to its partition and, if the partition map has an
// assignment for it, the owning node. A false ok indicates a
// routing:miss: the caller should request a full snapshot and retry.
func (m *Map) Route(key string) (partitionID int, owner string, ok bool) {
	pid := PartitionOf(key)
	a, found := m.Owner(pid)
	if !found {
		return pid, "", false
	}
	return pid, a.OwnerNodeID, true
}

// Hint is a best-effort owner learned out of band (e.g. a NOT_OWNER
// response naming the real owner) used to bridge a routing:miss until the
// next full snapshot lands.
type Hint struct {
	PartitionID int
	OwnerNodeID string
}

// HintStore layers ephemeral hints over a Map so routing:miss callers have
// somewhere to land immediately instead of blocking on a refresh.
type HintStore struct {
	mu    sync.RWMutex
	hints map[int]string
}

// NewHintStore creates an empty hint store.
func NewHintStore() *HintStore { return &HintStore{hints: make(map[int]string)} }

// Set records h, superseding any prior hint for the same partition.
func (h *HintStore) Set(hint Hint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hints[hint.PartitionID] = hint.OwnerNodeID
}

// Get returns the hinted owner for partitionID, if any.
func (h *HintStore) Get(partitionID int) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	owner, ok := h.hints[partitionID]
	return owner, ok
}

// Clear drops a hint once the authoritative map has caught up to it.
func (h *HintStore) Clear(partitionID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.hints, partitionID)
}

// String renders an Assignment for logging.
func (a Assignment) String() string {
	return fmt.Sprintf("partition=%d owner=%s replicas=%v", a.PartitionID, a.OwnerNodeID, a.ReplicaIDs)
}
