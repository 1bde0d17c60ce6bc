package writeack

import (
	"context"
	"testing"
	"time"
)

func TestNotifyLevelResolvesOncePassingTarget(t *testing.T) {
	m := New(0)
	ch := m.RegisterPending("op1", Applied, time.Second)

	m.NotifyLevel("op1", Memory)
	m.NotifyLevel("op1", Applied)

	result, err := Wait(context.Background(), ch)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Outcome != Resolved || result.AchievedLevel != Applied {
		t.Fatalf("result = %+v, want Resolved at Applied", result)
	}
}

func TestNotifyLevelIdempotentAndMonotonic(t *testing.T) {
	m := New(0)
	ch := m.RegisterPending("op1", Replicated, time.Second)

	m.NotifyLevel("op1", Applied)
	m.NotifyLevel("op1", Memory) // regression must not lower achieved level
	m.NotifyLevel("op1", Applied) // duplicate
	m.NotifyLevel("op1", Replicated)

	result, _ := Wait(context.Background(), ch)
	if result.AchievedLevel != Replicated {
		t.Fatalf("AchievedLevel = %v, want Replicated", result.AchievedLevel)
	}
}

func TestUnknownOpIDIgnored(t *testing.T) {
	m := New(0)
	// Must not panic.
	m.NotifyLevel("never-registered", Persisted)
	m.FailPending("never-registered", nil)
}

// A write requesting PERSISTED that only reaches APPLIED before the
// timeout resolves unsuccessfully with the achieved level.
func TestTimeoutResolvesWithHighestAchievedLevel(t *testing.T) {
	m := New(0)
	ch := m.RegisterPending("op1", Persisted, 100*time.Millisecond)

	m.NotifyLevel("op1", Applied)

	result, err := Wait(context.Background(), ch)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Outcome != TimedOut {
		t.Fatalf("Outcome = %v, want TimedOut", result.Outcome)
	}
	if result.AchievedLevel != Applied {
		t.Fatalf("AchievedLevel = %v, want Applied", result.AchievedLevel)
	}
}

func TestFailPendingResolvesUnsuccessfully(t *testing.T) {
	m := New(0)
	ch := m.RegisterPending("op1", Memory, time.Second)

	boom := context.DeadlineExceeded
	m.FailPending("op1", boom)

	result, _ := Wait(context.Background(), ch)
	if result.Outcome != Failed || result.Err != boom {
		t.Fatalf("result = %+v, want Failed with err=%v", result, boom)
	}
}

func TestNotifyLevelBatchAppliesToAllIDs(t *testing.T) {
	m := New(0)
	ch1 := m.RegisterPending("op1", Applied, time.Second)
	ch2 := m.RegisterPending("op2", Applied, time.Second)

	m.NotifyLevelBatch([]string{"op1", "op2"}, Applied)

	r1, _ := Wait(context.Background(), ch1)
	r2, _ := Wait(context.Background(), ch2)
	if r1.Outcome != Resolved || r2.Outcome != Resolved {
		t.Fatalf("expected both ops resolved: %+v %+v", r1, r2)
	}
}
