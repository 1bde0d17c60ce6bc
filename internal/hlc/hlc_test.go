package hlc

import (
	"sync"
	"testing"
	"time"
)

type fakeWall struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeWall(start time.Time) *fakeWall { return &fakeWall{now: start} }

func (f *fakeWall) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeWall) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeWall) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func TestTimestampCompareOrdering(t *testing.T) {
	cases := []struct {
		name     string
		a, b     Timestamp
		wantLess bool
	}{
		{"millis differ", Timestamp{Millis: 1}, Timestamp{Millis: 2}, true},
		{"counter tiebreak", Timestamp{Millis: 1, Counter: 1}, Timestamp{Millis: 1, Counter: 2}, true},
		{"nodeID tiebreak", Timestamp{Millis: 1, Counter: 1, NodeID: "a"}, Timestamp{Millis: 1, Counter: 1, NodeID: "b"}, true},
		{"equal", Timestamp{Millis: 1, Counter: 1, NodeID: "a"}, Timestamp{Millis: 1, Counter: 1, NodeID: "a"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Less(tc.b); got != tc.wantLess {
				t.Errorf("Less() = %v, want %v", got, tc.wantLess)
			}
		})
	}
}

func TestClockNowMonotonicAndGreaterThanWall(t *testing.T) {
	wall := newFakeWall(time.UnixMilli(1000))
	c := NewClock("nodeA", wall, 0)

	first := c.Now()
	if first.Millis != 1000 {
		t.Fatalf("first.Millis = %d, want 1000", first.Millis)
	}

	// Wall clock does not advance; counter must still strictly increase.
	second := c.Now()
	if !second.After(first) {
		t.Fatalf("second timestamp %v did not order after first %v", second, first)
	}

	// Wall clock moves backwards: clock clamps, never regresses.
	wall.Set(time.UnixMilli(500))
	third := c.Now()
	if !third.After(second) {
		t.Fatalf("third timestamp %v did not order after second %v after clock regressed", third, second)
	}
}

func TestClockUpdateMergeRules(t *testing.T) {
	wall := newFakeWall(time.UnixMilli(1000))
	c := NewClock("A", wall, time.Minute)
	c.Now() // local = {1000, 0, A}

	merged, err := c.Update(Timestamp{Millis: 1000, Counter: 5, NodeID: "B"})
	if err != nil {
		t.Fatalf("unexpected drift error: %v", err)
	}
	if merged.Millis != 1000 || merged.Counter != 6 {
		t.Errorf("merged = %+v, want millis=1000 counter=6", merged)
	}

	merged2, err := c.Update(Timestamp{Millis: 2000, Counter: 0, NodeID: "B"})
	if err != nil {
		t.Fatalf("unexpected drift error: %v", err)
	}
	if merged2.Millis != 2000 || merged2.Counter != 1 {
		t.Errorf("merged2 = %+v, want millis=2000 counter=1", merged2)
	}
}

func TestClockUpdateDriftError(t *testing.T) {
	wall := newFakeWall(time.UnixMilli(1000))
	c := NewClock("A", wall, time.Second)

	farFuture := Timestamp{Millis: 1000 + uint64(10*time.Second/time.Millisecond), NodeID: "B"}
	_, err := c.Update(farFuture)
	if err == nil {
		t.Fatal("expected DriftError for remote far ahead of wall clock")
	}
	var driftErr *DriftError
	if _, ok := err.(*DriftError); !ok {
		t.Errorf("err = %T (%v), want *DriftError", err, err)
	} else {
		driftErr = err.(*DriftError)
		if driftErr.Remote != farFuture.Millis {
			t.Errorf("driftErr.Remote = %d, want %d", driftErr.Remote, farFuture.Millis)
		}
	}
}

func TestClockObserveAdvancesWithoutNewEvent(t *testing.T) {
	wall := newFakeWall(time.UnixMilli(1000))
	c := NewClock("A", wall, 0)

	c.Observe(Timestamp{Millis: 5000, Counter: 3, NodeID: "B"})
	if last := c.Last(); last.Millis != 5000 {
		t.Fatalf("Last().Millis = %d, want 5000", last.Millis)
	}
	next := c.Now()
	if next.Millis < 5000 {
		t.Errorf("Now() after Observe = %+v, want millis >= 5000", next)
	}
}
