// Package hlc implements a hybrid logical clock: timestamps that combine
// wall-clock milliseconds with a logical counter so that events across
// nodes can be totally ordered even when clocks drift or tie.
package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Timestamp is (millis, counter, nodeID). The zero value sorts before any
// timestamp produced by Clock.
type Timestamp struct {
	Millis  uint64 `json:"millis"`
	Counter uint32 `json:"counter"`
	NodeID  string `json:"nodeId"`
}

// Compare returns -1, 0, or 1 as t orders before, equal to, or after other.
// Order is by Millis, then Counter, then NodeID (lexicographic).
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Millis < other.Millis:
		return -1
	case t.Millis > other.Millis:
		return 1
	}
	switch {
	case t.Counter < other.Counter:
		return -1
	case t.Counter > other.Counter:
		return 1
	}
	switch {
	case t.NodeID < other.NodeID:
		return -1
	case t.NodeID > other.NodeID:
		return 1
	}
	return 0
}

// Less reports whether t orders strictly before other.
func (t Timestamp) Less(other Timestamp) bool { return t.Compare(other) < 0 }

// After reports whether t orders strictly after other.
func (t Timestamp) After(other Timestamp) bool { return t.Compare(other) > 0 }

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%s", t.Millis, t.Counter, t.NodeID)
}

// WallClock abstracts the system clock so tests can supply a
// deterministic one.
type WallClock interface {
	Now() time.Time
}

// RealWallClock reads the real system clock.
type RealWallClock struct{}

// Now returns the current wall-clock time.
func (RealWallClock) Now() time.Time { return time.Now() }

// DriftError is returned by Update when a remote timestamp's wall-clock
// component is further ahead of the local wall clock than MaxDrift allows.
type DriftError struct {
	Remote   uint64
	Wall     uint64
	MaxDrift time.Duration
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("clock drift: remote millis %d ahead of wall millis %d by more than %s", e.Remote, e.Wall, e.MaxDrift)
}

// DefaultMaxDrift is the default tolerance for Update.
const DefaultMaxDrift = 60 * time.Second

// Clock is a hybrid logical clock local to one node. It is safe for
// concurrent use.
type Clock struct {
	mu       sync.Mutex
	wall     WallClock
	nodeID   string
	maxDrift time.Duration
	last     Timestamp
}

// NewClock creates a Clock for nodeID. wall defaults to RealWallClock{} and
// maxDrift to DefaultMaxDrift when zero-valued.
func NewClock(nodeID string, wall WallClock, maxDrift time.Duration) *Clock {
	if wall == nil {
		wall = RealWallClock{}
	}
	if maxDrift <= 0 {
		maxDrift = DefaultMaxDrift
	}
	return &Clock{wall: wall, nodeID: nodeID, maxDrift: maxDrift}
}

// Now returns a fresh timestamp strictly greater than any previously
// produced or merged-in timestamp, and not less than the wall clock.
//
// If the wall clock has moved backwards relative to the last emitted
// timestamp, the logical counter advances instead: the clock never goes
// backwards, and no DriftError is raised for the local clock moving
// backwards on its own.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wallMillis := uint64(c.wall.Now().UnixMilli())
	switch {
	case wallMillis > c.last.Millis:
		c.last = Timestamp{Millis: wallMillis, Counter: 0, NodeID: c.nodeID}
	default:
		c.last = Timestamp{Millis: c.last.Millis, Counter: c.last.Counter + 1, NodeID: c.nodeID}
	}
	return c.last
}

// Update merges a remote timestamp into the local clock and returns the
// merged result:
//
//	millis  = max(localMillis, remoteMillis, wallMillis)
//	counter = max(localCounter, remoteCounter)+1 if millis unchanged from both,
//	          else localCounter+1 or remoteCounter+1 when matching one side,
//	          else 0
//
// It returns a *DriftError if remote.Millis exceeds the wall clock by more
// than maxDrift; the merge is still applied (the clock clamps rather than
// fails outright), and the caller decides how to react to the error.
func (c *Clock) Update(remote Timestamp) (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wallMillis := uint64(c.wall.Now().UnixMilli())

	var driftErr error
	if remote.Millis > wallMillis && time.Duration(remote.Millis-wallMillis)*time.Millisecond > c.maxDrift {
		driftErr = &DriftError{Remote: remote.Millis, Wall: wallMillis, MaxDrift: c.maxDrift}
	}

	localMillis, localCounter := c.last.Millis, c.last.Counter
	millis := maxU64(localMillis, remote.Millis, wallMillis)

	var counter uint32
	switch {
	case millis == localMillis && millis == remote.Millis:
		counter = maxU32(localCounter, remote.Counter) + 1
	case millis == localMillis:
		counter = localCounter + 1
	case millis == remote.Millis:
		counter = remote.Counter + 1
	default:
		counter = 0
	}

	c.last = Timestamp{Millis: millis, Counter: counter, NodeID: c.nodeID}
	return c.last, driftErr
}

// Observe folds a remote timestamp into the clock's notion of "last seen"
// without producing a new local event, so that a subsequent Now() is still
// guaranteed to be greater. Used when replaying oplog entries or deltas
// that should advance the clock but are not locally-authored events.
func (c *Clock) Observe(remote Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote.Compare(c.last) > 0 {
		c.last = Timestamp{Millis: remote.Millis, Counter: remote.Counter, NodeID: c.nodeID}
	}
}

// Last returns the most recently produced or merged timestamp.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func maxU64(vals ...uint64) uint64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
