// Package replication implements the owner->backup replication queue:
// batched fan-out per consistency level, retry with backoff, and lag
// health stats.
package replication

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/synccore/synccore/internal/config"
	"github.com/synccore/synccore/internal/hlc"
	"github.com/synccore/synccore/internal/writeack"
)

// Queue defaults.
const (
	DefaultBatchSize     = 100
	DefaultBatchInterval = 50 * time.Millisecond
	DefaultAckTimeout    = 5 * time.Second
	DefaultMaxRetries    = 3
	DefaultQueueCapacity = 10000
)

// Op is one operation pending replication to a partition's backups.
type Op struct {
	OpID        string
	MapName     string
	Key         string
	Record      any
	Timestamp   hlc.Timestamp
	PartitionID int
}

// BackupTransport sends a batch of ops to one backup node and waits for its
// ack, e.g. a grpc REPLICATION_BATCH/REPLICATION_BATCH_ACK round trip. The
// transport itself is external; this package only calls it.
type BackupTransport interface {
	SendBatch(ctx context.Context, backupNodeID string, ops []Op) error
}

// LevelNotifier is the narrow surface of *writeack.Manager the queue
// needs to report durability progress.
type LevelNotifier interface {
	NotifyLevelBatch(ids []string, level writeack.Level)
	FailPending(opID string, err error)
}

// Config tunes queue behaviour; zero values take the defaults above.
type Config struct {
	BatchSize     int
	BatchInterval time.Duration
	AckTimeout    time.Duration
	MaxRetries    int
	QueueCapacity int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = DefaultBatchInterval
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	return c
}

// FromReplicationConfig adapts a config.ReplicationConfig into a Config.
func FromReplicationConfig(rc config.ReplicationConfig) Config {
	return Config{
		BatchSize:     rc.BatchSize,
		BatchInterval: rc.BatchInterval,
		AckTimeout:    rc.AckTimeout,
		MaxRetries:    rc.MaxRetries,
		QueueCapacity: rc.QueueSizeLimit,
	}.withDefaults()
}

// pending is one enqueued op awaiting replication, plus the backups it must
// reach and the consistency level requested for it.
type pending struct {
	op          Op
	backups     []string
	consistency config.Consistency
	enqueuedAt  time.Time
}

// Queue batches operations for replication to their partition's backup
// nodes, honoring STRONG/QUORUM/EVENTUAL consistency.
type Queue struct {
	cfg       Config
	transport BackupTransport
	notifier  LevelNotifier

	mu       sync.Mutex
	items    []pending
	capacity int

	health *HealthMonitor

	unhealthyMu sync.Mutex
	unhealthy   map[string]bool
}

// New creates a Queue. notifier may be nil if the caller does not need
// write-ack integration (e.g. tests exercising only the batching/backoff
// behaviour).
func New(cfg Config, transport BackupTransport, notifier LevelNotifier) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:       cfg,
		transport: transport,
		notifier:  notifier,
		capacity:  cfg.QueueCapacity,
		health:    NewHealthMonitor(),
		unhealthy: make(map[string]bool),
	}
}

// ErrQueueFull is returned by Enqueue under STRONG/QUORUM consistency once
// the queue is at capacity; EVENTUAL enqueues instead drop the oldest
// eventual-consistency item to make room, and get ErrQueueFull too when no
// eventual item is queued.
var ErrQueueFull = fmt.Errorf("replication: queue at capacity")

// Enqueue adds op for replication to backups at the given consistency
// level.
func (q *Queue) Enqueue(op Op, backups []string, consistency config.Consistency) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		if consistency != config.ConsistencyEventual {
			return ErrQueueFull
		}
		dropped := false
		for i, it := range q.items {
			if it.consistency == config.ConsistencyEventual {
				q.items = append(q.items[:i], q.items[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			return ErrQueueFull
		}
	}

	q.items = append(q.items, pending{op: op, backups: backups, consistency: consistency, enqueuedAt: time.Now()})
	return nil
}

// Len returns the number of operations currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// FlushOnce drains up to BatchSize queued ops and replicates them to their
// backups, honoring each op's consistency level:
//
//   - STRONG waits for every backup to ack.
//   - QUORUM waits for ceil((len(backups)+1)/2) acks, including the owner
//     itself (which always "acks" its own write instantly).
//   - EVENTUAL returns immediately; the sends still happen, concurrently,
//     with no wait.
//
// Per-backup send failures are retried up to MaxRetries with a linearly
// growing backoff (attempt × 200ms); exhaustion marks that backup unhealthy
// (see IsUnhealthy) but never undoes the owner's already-applied local
// write.
func (q *Queue) FlushOnce(ctx context.Context) error {
	batch := q.takeBatch()
	if len(batch) == 0 {
		return nil
	}

	var errs *multierror.Error
	for _, item := range batch {
		if err := q.replicateOne(ctx, item); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (q *Queue) takeBatch() []pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if n > q.cfg.BatchSize {
		n = q.cfg.BatchSize
	}
	batch := q.items[:n]
	q.items = q.items[n:]
	return batch
}

func (q *Queue) replicateOne(ctx context.Context, item pending) error {
	quorum := requiredAcks(item.consistency, len(item.backups))

	g, gctx := errgroup.WithContext(ctx)
	var ackedMu sync.Mutex
	acked := 0

	for _, backupID := range item.backups {
		backupID := backupID
		g.Go(func() error {
			err := q.sendWithRetry(gctx, backupID, item.op)
			if err != nil {
				q.markUnhealthy(backupID)
				if q.notifier != nil {
					q.notifier.FailPending(item.op.OpID, err)
				}
				return err
			}
			q.health.RecordAck(backupID, time.Since(time.UnixMilli(int64(item.op.Timestamp.Millis))))
			ackedMu.Lock()
			acked++
			ackedMu.Unlock()
			return nil
		})
	}

	if item.consistency == config.ConsistencyEventual {
		// Fire-and-forget from the caller's perspective: let the sends run
		// in the background and do not block FlushOnce on them.
		go func() { _ = g.Wait() }()
		return nil
	}

	err := g.Wait()

	ackedMu.Lock()
	final := acked
	ackedMu.Unlock()

	if final >= quorum && q.notifier != nil {
		q.notifier.NotifyLevelBatch([]string{item.op.OpID}, writeack.Replicated)
	}
	if err != nil && final < quorum {
		return fmt.Errorf("replication: op %s reached %d/%d required acks: %w", item.op.OpID, final, quorum, err)
	}
	return nil
}

func (q *Queue) sendWithRetry(ctx context.Context, backupID string, op Op) error {
	var lastErr error
	for attempt := 0; attempt <= q.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 200 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		sendCtx, cancel := context.WithTimeout(ctx, q.cfg.AckTimeout)
		err := q.transport.SendBatch(sendCtx, backupID, []Op{op})
		cancel()
		if err == nil {
			q.clearUnhealthy(backupID)
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("replication: backup %s exhausted %d retries: %w", backupID, q.cfg.MaxRetries, lastErr)
}

func (q *Queue) markUnhealthy(backupID string) {
	q.unhealthyMu.Lock()
	q.unhealthy[backupID] = true
	q.unhealthyMu.Unlock()
}

func (q *Queue) clearUnhealthy(backupID string) {
	q.unhealthyMu.Lock()
	delete(q.unhealthy, backupID)
	q.unhealthyMu.Unlock()
}

// IsUnhealthy reports whether backupID has exhausted retries on its most
// recent send.
func (q *Queue) IsUnhealthy(backupID string) bool {
	q.unhealthyMu.Lock()
	defer q.unhealthyMu.Unlock()
	return q.unhealthy[backupID]
}

// Health returns the queue's lag HealthMonitor.
func (q *Queue) Health() *HealthMonitor { return q.health }

// Run flushes the queue every BatchInterval until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = q.FlushOnce(ctx)
		}
	}
}

// requiredAcks computes how many acks (including the owner's own implicit
// ack) satisfy consistency for a partition with the given backup count.
func requiredAcks(consistency config.Consistency, backupCount int) int {
	switch consistency {
	case config.ConsistencyStrong:
		return backupCount
	case config.ConsistencyEventual:
		return 0
	default: // QUORUM
		return (backupCount+1+1)/2 - 1 // ceil((backupCount+1)/2), minus the owner's own ack
	}
}

// HealthMonitor tracks replication lag per backup: current, average,
// maximum, and p99, measured as nowOwner - opTimestamp observed when each
// backup acks.
type HealthMonitor struct {
	mu      sync.Mutex
	samples map[string][]time.Duration
}

// NewHealthMonitor creates an empty monitor.
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{samples: make(map[string][]time.Duration)}
}

const maxLagSamples = 1000

// RecordAck records one observed lag sample for backupID.
func (h *HealthMonitor) RecordAck(backupID string, lag time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.samples[backupID]
	s = append(s, lag)
	if len(s) > maxLagSamples {
		s = s[len(s)-maxLagSamples:]
	}
	h.samples[backupID] = s
}

// LagStats summarizes current/avg/max/p99 lag for a backup.
type LagStats struct {
	Current time.Duration
	Avg     time.Duration
	Max     time.Duration
	P99     time.Duration
}

// Stats returns lag statistics for backupID, or the zero LagStats if no
// samples have been recorded.
func (h *HealthMonitor) Stats(backupID string) LagStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	samples := h.samples[backupID]
	if len(samples) == 0 {
		return LagStats{}
	}
	current := samples[len(samples)-1]

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	p99idx := int(float64(len(sorted))*0.99 + 0.5)
	if p99idx >= len(sorted) {
		p99idx = len(sorted) - 1
	}

	return LagStats{
		Current: current,
		Avg:     sum / time.Duration(len(sorted)),
		Max:     sorted[len(sorted)-1],
		P99:     sorted[p99idx],
	}
}
