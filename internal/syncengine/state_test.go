package syncengine

import (
	"errors"
	"testing"
)

func TestMachineTransitionHappyPath(t *testing.T) {
	m := NewMachine(0, nil)
	path := []State{Connecting, Authenticating, Syncing, Connected, Disconnected, Reconnecting, Connecting}
	for _, next := range path {
		if err := m.Transition(next); err != nil {
			t.Fatalf("Transition(%s) from %s: %v", next, m.State(), err)
		}
	}
	if got := m.State(); got != Connecting {
		t.Errorf("final state = %s, want CONNECTING", got)
	}
}

func TestMachineTransitionRejectsInvalidEdge(t *testing.T) {
	m := NewMachine(0, nil)
	if err := m.Transition(Connected); err == nil {
		t.Fatal("expected INITIAL -> CONNECTED to be rejected")
	}
	var invalid *InvalidTransitionError
	if err := m.Transition(Syncing); err == nil {
		t.Fatal("expected INITIAL -> SYNCING to be rejected")
	} else if !errors.As(err, &invalid) {
		t.Errorf("expected *InvalidTransitionError, got %T", err)
	}
	if got := m.State(); got != Initial {
		t.Errorf("state after rejected transitions = %s, want INITIAL (unchanged)", got)
	}
}

func TestMachineClosedIsTerminal(t *testing.T) {
	m := NewMachine(0, nil)
	if err := m.Transition(Closed); err != nil {
		t.Fatalf("INITIAL -> CLOSED: %v", err)
	}
	if !m.IsTerminal() {
		t.Fatal("expected IsTerminal() after transitioning to CLOSED")
	}
	if err := m.Transition(Connecting); err == nil {
		t.Fatal("expected no transitions out of CLOSED")
	}
}

func TestMachineHistoryRingWrapsAtCapacity(t *testing.T) {
	m := NewMachine(2, nil)
	_ = m.Transition(Connecting)
	_ = m.Transition(Authenticating)
	_ = m.Transition(Syncing)

	hist := m.History()
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2 (capacity)", len(hist))
	}
	if hist[0].To != Authenticating || hist[1].To != Syncing {
		t.Errorf("history = %+v, want oldest-dropped ring ending in [AUTHENTICATING, SYNCING]", hist)
	}
}

func TestMachineOnChangeCallback(t *testing.T) {
	var seen []Transition
	m := NewMachine(0, func(t Transition) { seen = append(seen, t) })
	_ = m.Transition(Connecting)
	_ = m.Transition(Disconnected)
	_ = m.Transition(Closed)

	if len(seen) != 3 {
		t.Fatalf("callback invoked %d times, want 3", len(seen))
	}
	if seen[1].From != Connecting || seen[1].To != Disconnected {
		t.Errorf("second transition = %+v, want CONNECTING -> DISCONNECTED", seen[1])
	}
}

func TestSubscriptionRegistryLifecycle(t *testing.T) {
	r := NewSubscriptionRegistry()
	r.Open("conn-1", "sub-a")
	r.Open("conn-1", "sub-b")
	r.Open("conn-2", "sub-a")

	if !r.IsOpen("conn-1", "sub-a") {
		t.Fatal("expected sub-a open on conn-1")
	}
	if r.IsOpen("conn-1", "sub-z") {
		t.Fatal("unopened subscription reported open")
	}

	r.Close("conn-1", "sub-a")
	if r.IsOpen("conn-1", "sub-a") {
		t.Fatal("expected sub-a closed on conn-1")
	}
	r.Close("conn-1", "sub-a") // idempotent

	if !r.IsOpen("conn-2", "sub-a") {
		t.Fatal("closing conn-1's sub-a must not affect conn-2's identically named subscription")
	}

	closed := r.CloseConnection("conn-1")
	if len(closed) != 1 || closed[0] != "sub-b" {
		t.Errorf("CloseConnection returned %v, want [sub-b]", closed)
	}
	if r.IsOpen("conn-1", "sub-b") {
		t.Fatal("expected sub-b closed after CloseConnection")
	}
}

