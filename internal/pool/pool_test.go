package pool

import (
	"context"
	"testing"
	"time"
)

func TestAddNodeStartsDisconnected(t *testing.T) {
	p := New(DefaultConfig())
	p.AddNode("node-a", "localhost:9000")
	if got := p.State("node-a"); got != Disconnected {
		t.Fatalf("State(node-a) = %v, want Disconnected", got)
	}
}

func TestDialUnknownNodeReturnsError(t *testing.T) {
	p := New(DefaultConfig())
	if _, err := p.Dial(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unknown node")
	}
}

func TestReconnectDelayCapsAtMax(t *testing.T) {
	cfg := Config{ReconnectDelay: 100 * time.Millisecond, MaxReconnectDelay: 500 * time.Millisecond, MaxAttempts: 10}
	p := New(cfg)

	for attempt := 1; attempt <= 10; attempt++ {
		d := p.ReconnectDelay(attempt)
		if d > cfg.MaxReconnectDelay {
			t.Fatalf("ReconnectDelay(%d) = %v, exceeds cap %v", attempt, d, cfg.MaxReconnectDelay)
		}
		if d < 0 {
			t.Fatalf("ReconnectDelay(%d) = %v, must be non-negative", attempt, d)
		}
	}
}

func TestMaxAttemptsExceeded(t *testing.T) {
	p := New(Config{MaxAttempts: 2, DialTimeout: time.Millisecond})
	p.AddNode("node-a", "127.0.0.1:0")

	// Dial against an address nothing listens on; exhaust attempts.
	for i := 0; i < 3; i++ {
		_, _ = p.Dial(context.Background(), "node-a")
	}
	if !p.MaxAttemptsExceeded("node-a") {
		t.Fatal("expected MaxAttemptsExceeded to be true after exhausting attempts")
	}
}

func TestSelectPrimaryFallsBackToLowestNodeID(t *testing.T) {
	p := New(DefaultConfig())
	p.AddNode("node-b", "localhost:1")
	p.AddNode("node-a", "localhost:2")

	got, ok := p.SelectPrimary()
	if !ok || got != "node-a" {
		t.Fatalf("SelectPrimary() = (%q, %v), want (node-a, true) as deterministic fallback", got, ok)
	}
}

func TestSelectPrimaryWithNoNodesReturnsFalse(t *testing.T) {
	p := New(DefaultConfig())
	if _, ok := p.SelectPrimary(); ok {
		t.Fatal("expected SelectPrimary to report false with no nodes registered")
	}
}
