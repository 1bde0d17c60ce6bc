package crdt

import "sync"

// PNCounter is a Positive-Negative counter CRDT: each node tracks its own
// monotonically-increasing positive and negative totals, and merge takes
// the element-wise max per node, so increments from any node are never
// lost or double-counted.
type PNCounter struct {
	mu       sync.RWMutex
	positive map[string]int64
	negative map[string]int64
}

// NewPNCounter creates a zeroed counter.
func NewPNCounter() *PNCounter {
	return &PNCounter{positive: make(map[string]int64), negative: make(map[string]int64)}
}

// Increment adds delta (must be >= 0) to nodeID's positive total.
func (c *PNCounter) Increment(nodeID string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positive[nodeID] += delta
}

// Decrement adds delta (must be >= 0) to nodeID's negative total.
func (c *PNCounter) Decrement(nodeID string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.negative[nodeID] += delta
}

// Value returns sum(positive) - sum(negative) across all nodes.
func (c *PNCounter) Value() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, v := range c.positive {
		total += v
	}
	for _, v := range c.negative {
		total -= v
	}
	return total
}

// DecrementFloor returns max(Value(), 0): a variant that never returns a
// negative, for callers modeling
// a counter that should not be observed to go below zero (e.g. a stock
// count) even though the underlying CRDT value can transiently dip below
// zero under concurrent decrements.
func (c *PNCounter) DecrementFloor() int64 {
	v := c.Value()
	if v < 0 {
		return 0
	}
	return v
}

// Snapshot returns copies of the per-node positive/negative vectors, for
// merging or journaling.
func (c *PNCounter) Snapshot() (positive, negative map[string]int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	positive = make(map[string]int64, len(c.positive))
	negative = make(map[string]int64, len(c.negative))
	for k, v := range c.positive {
		positive[k] = v
	}
	for k, v := range c.negative {
		negative[k] = v
	}
	return positive, negative
}

// Merge folds another counter's vectors into c, taking the element-wise
// maximum per node — the standard PN-counter merge, safe to apply
// repeatedly (idempotent) and in any order (commutative, associative).
func (c *PNCounter) Merge(other *PNCounter) {
	otherPositive, otherNegative := other.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()
	for node, v := range otherPositive {
		if v > c.positive[node] {
			c.positive[node] = v
		}
	}
	for node, v := range otherNegative {
		if v > c.negative[node] {
			c.negative[node] = v
		}
	}
}

// MergeVectors folds raw positive/negative vectors (e.g. received over the
// wire) into c using the same element-wise max rule as Merge.
func (c *PNCounter) MergeVectors(positive, negative map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for node, v := range positive {
		if v > c.positive[node] {
			c.positive[node] = v
		}
	}
	for node, v := range negative {
		if v > c.negative[node] {
			c.negative[node] = v
		}
	}
}
