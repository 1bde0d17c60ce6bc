package replication

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/synccore/synccore/internal/config"
	"github.com/synccore/synccore/internal/hlc"
	"github.com/synccore/synccore/internal/writeack"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     map[string]int
	failFor  map[string]int // backupID -> number of failures before success
	attempts map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:     make(map[string]int),
		failFor:  make(map[string]int),
		attempts: make(map[string]int),
	}
}

func (f *fakeTransport) SendBatch(ctx context.Context, backupID string, ops []Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[backupID]++
	if remaining := f.failFor[backupID]; remaining > 0 {
		f.failFor[backupID] = remaining - 1
		return errors.New("simulated send failure")
	}
	f.sent[backupID] += len(ops)
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	notified map[string]writeack.Level
	failed   map[string]error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{notified: make(map[string]writeack.Level), failed: make(map[string]error)}
}

func (n *fakeNotifier) NotifyLevelBatch(ids []string, level writeack.Level) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range ids {
		n.notified[id] = level
	}
}

func (n *fakeNotifier) FailPending(opID string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed[opID] = err
}

func testOp(id string) Op {
	return Op{OpID: id, MapName: "m", Key: "k", Timestamp: hlc.Timestamp{Millis: 1000, NodeID: "n1"}}
}

func TestQueueStrongWaitsForAllBackups(t *testing.T) {
	transport := newFakeTransport()
	notifier := newFakeNotifier()
	q := New(Config{}, transport, notifier)

	if err := q.Enqueue(testOp("op1"), []string{"b1", "b2"}, config.ConsistencyStrong); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.FlushOnce(context.Background()); err != nil {
		t.Fatalf("FlushOnce: %v", err)
	}

	if transport.sent["b1"] != 1 || transport.sent["b2"] != 1 {
		t.Fatalf("expected both backups sent to, got %+v", transport.sent)
	}
	if notifier.notified["op1"] != writeack.Replicated {
		t.Fatalf("expected op1 notified Replicated, got %v", notifier.notified["op1"])
	}
}

func TestQueueQuorumToleratesOneFailure(t *testing.T) {
	transport := newFakeTransport()
	transport.failFor["b2"] = 100 // always fails within retry budget
	notifier := newFakeNotifier()
	q := New(Config{MaxRetries: 1}, transport, notifier)

	if err := q.Enqueue(testOp("op1"), []string{"b1", "b2", "b3"}, config.ConsistencyQuorum); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.FlushOnce(context.Background()); err != nil {
		t.Fatalf("FlushOnce: %v", err)
	}

	if notifier.notified["op1"] != writeack.Replicated {
		t.Fatalf("expected quorum reached despite one failing backup, got %v", notifier.notified["op1"])
	}
	if !q.IsUnhealthy("b2") {
		t.Fatalf("expected b2 marked unhealthy")
	}
}

func TestQueueStrongFailsBelowQuorum(t *testing.T) {
	transport := newFakeTransport()
	transport.failFor["b1"] = 100
	transport.failFor["b2"] = 100
	notifier := newFakeNotifier()
	q := New(Config{MaxRetries: 0}, transport, notifier)

	if err := q.Enqueue(testOp("op1"), []string{"b1", "b2"}, config.ConsistencyStrong); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.FlushOnce(context.Background()); err == nil {
		t.Fatalf("expected FlushOnce to report the unmet STRONG requirement")
	}
	if _, ok := notifier.notified["op1"]; ok {
		t.Fatalf("op1 should not be notified Replicated when STRONG is unmet")
	}
}

func TestQueueEventualDoesNotBlock(t *testing.T) {
	transport := newFakeTransport()
	notifier := newFakeNotifier()
	q := New(Config{}, transport, notifier)

	if err := q.Enqueue(testOp("op1"), []string{"b1"}, config.ConsistencyEventual); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	start := time.Now()
	if err := q.FlushOnce(context.Background()); err != nil {
		t.Fatalf("FlushOnce: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("expected EVENTUAL flush to return immediately, took %s", elapsed)
	}
}

func TestQueueEnqueueRejectsAtCapacityForStrictLevels(t *testing.T) {
	transport := newFakeTransport()
	q := New(Config{QueueCapacity: 1}, transport, nil)

	if err := q.Enqueue(testOp("op1"), []string{"b1"}, config.ConsistencyStrong); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(testOp("op2"), []string{"b1"}, config.ConsistencyStrong); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestQueueEnqueueDropsOldestForEventualAtCapacity(t *testing.T) {
	transport := newFakeTransport()
	q := New(Config{QueueCapacity: 1}, transport, nil)

	if err := q.Enqueue(testOp("op1"), []string{"b1"}, config.ConsistencyEventual); err != nil {
		t.Fatalf("Enqueue op1: %v", err)
	}
	if err := q.Enqueue(testOp("op2"), []string{"b1"}, config.ConsistencyEventual); err != nil {
		t.Fatalf("Enqueue op2: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected queue capped at 1 entry, got %d", q.Len())
	}
}

func TestRequiredAcks(t *testing.T) {
	cases := []struct {
		consistency config.Consistency
		backups     int
		want        int
	}{
		{config.ConsistencyStrong, 3, 3},
		{config.ConsistencyEventual, 3, 0},
		{config.ConsistencyQuorum, 2, 1}, // ceil(3/2) - 1 = 1
		{config.ConsistencyQuorum, 4, 2}, // ceil(5/2) - 1 = 2
	}
	for _, c := range cases {
		if got := requiredAcks(c.consistency, c.backups); got != c.want {
			t.Errorf("requiredAcks(%s, %d) = %d, want %d", c.consistency, c.backups, got, c.want)
		}
	}
}

func TestHealthMonitorStats(t *testing.T) {
	h := NewHealthMonitor()
	if stats := h.Stats("missing"); stats != (LagStats{}) {
		t.Fatalf("expected zero stats for unknown backup, got %+v", stats)
	}

	h.RecordAck("b1", 10*time.Millisecond)
	h.RecordAck("b1", 20*time.Millisecond)
	h.RecordAck("b1", 30*time.Millisecond)

	stats := h.Stats("b1")
	if stats.Current != 30*time.Millisecond {
		t.Errorf("Current = %s, want 30ms", stats.Current)
	}
	if stats.Max != 30*time.Millisecond {
		t.Errorf("Max = %s, want 30ms", stats.Max)
	}
	if stats.Avg != 20*time.Millisecond {
		t.Errorf("Avg = %s, want 20ms", stats.Avg)
	}
}

func TestFromReplicationConfig(t *testing.T) {
	rc := config.Default().Replication
	cfg := FromReplicationConfig(rc)
	if cfg.BatchSize != DefaultBatchSize {
		t.Errorf("BatchSize = %d, want %d", cfg.BatchSize, DefaultBatchSize)
	}
	if cfg.QueueCapacity != DefaultQueueCapacity {
		t.Errorf("QueueCapacity = %d, want %d", cfg.QueueCapacity, DefaultQueueCapacity)
	}
}
