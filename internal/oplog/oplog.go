// Package oplog implements the client-side write-ahead journal of pending
// local mutations: an append-only log that a map store writes to on every
// local mutation, and the sync engine drains in id order and marks synced
// once the server has durably acknowledged them.
package oplog

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Op identifies the kind of mutation an Entry records.
type Op string

const (
	OpPut      Op = "PUT"
	OpRemove   Op = "REMOVE"
	OpORAdd    Op = "OR_ADD"
	OpORRemove Op = "OR_REMOVE"
	OpInc      Op = "INC"
	OpDec      Op = "DEC"
)

// Entry is one journaled mutation. Record and Tags are mutually exclusive
// payloads depending on Op: PUT/REMOVE carry Record (the LWW record,
// including tombstones), OR_ADD carries Record (the tagged observation),
// OR_REMOVE carries Tags, INC/DEC carry Record as a numeric delta.
//
// Ids strictly increase within a process and are never reused; Synced
// flips false→true exactly once, via MarkSynced, and entries are never
// rewritten otherwise.
type Entry struct {
	ID      uint64
	MapName string
	Key     string
	Op      Op
	Record  any
	Tags    []string
	Synced  bool
}

// BackpressureStrategy selects how Append behaves once the pending queue
// exceeds MaxPendingOps.
type BackpressureStrategy int

const (
	// StrategyBlock makes Append block until the queue drains below the
	// limit or ctx is cancelled.
	StrategyBlock BackpressureStrategy = iota
	// StrategyDrop silently drops the oldest non-critical pending entry to
	// make room (REMOVE/tombstone entries are never dropped, since losing
	// a delete would resurrect data).
	StrategyDrop
	// StrategyThrow fails Append immediately with *BackpressureError.
	StrategyThrow
)

// BackpressureError is returned by Append under StrategyThrow once the
// pending queue is full.
type BackpressureError struct {
	PendingCount int
	MaxPending   int
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("oplog backpressure: pendingCount=%d maxPending=%d", e.PendingCount, e.MaxPending)
}

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("oplog: closed")

// Log is the append-only pending-ops journal for one process. It is safe
// for concurrent use.
type Log struct {
	mu         sync.Mutex
	nextID     uint64
	entries    []Entry // ordered by id asc; entries[i].ID == i+1 is NOT assumed: ids are monotonic, but StrategyDrop removes entries and leaves gaps
	maxPending int
	strategy   BackpressureStrategy
	notEmpty   *sync.Cond
	closed     bool
}

// Config configures backpressure behaviour. MaxPendingOps <= 0 disables
// backpressure entirely.
type Config struct {
	MaxPendingOps int
	Strategy      BackpressureStrategy
}

// New creates an empty Log.
func New(cfg Config) *Log {
	l := &Log{maxPending: cfg.MaxPendingOps, strategy: cfg.Strategy}
	l.notEmpty = sync.NewCond(&l.mu)
	return l
}

func (l *Log) pendingCountLocked() int {
	count := 0
	for _, e := range l.entries {
		if !e.Synced {
			count++
		}
	}
	return count
}

// Append assigns the next monotonic id to entry and journals it, applying
// backpressure per Config if the pending queue is at capacity.
func (l *Log) Append(ctx context.Context, entry Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}

	if l.maxPending > 0 {
		for l.pendingCountLocked() >= l.maxPending {
			if l.closed {
				return 0, ErrClosed
			}
			switch l.strategy {
			case StrategyThrow:
				return 0, &BackpressureError{PendingCount: l.pendingCountLocked(), MaxPending: l.maxPending}
			case StrategyDrop:
				if !l.dropOldestNonCriticalLocked() {
					// Nothing droppable (all pending are deletes); fall
					// through to blocking rather than lose a tombstone.
					if !l.waitOrCancel(ctx) {
						return 0, ctx.Err()
					}
				}
			default: // StrategyBlock
				if !l.waitOrCancel(ctx) {
					return 0, ctx.Err()
				}
			}
		}
	}

	l.nextID++
	entry.ID = l.nextID
	entry.Synced = false
	l.entries = append(l.entries, entry)
	l.notEmpty.Broadcast()
	return entry.ID, nil
}

// dropOldestNonCriticalLocked removes the oldest pending entry that is not
// a REMOVE (tombstone), returning whether it found one to drop.
func (l *Log) dropOldestNonCriticalLocked() bool {
	for i, e := range l.entries {
		if !e.Synced && e.Op != OpRemove {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// waitOrCancel blocks on the notEmpty condition (signalled by MarkSynced)
// until capacity frees up or ctx is done. Must be called with l.mu held.
func (l *Log) waitOrCancel(ctx context.Context) bool {
	done := make(chan struct{})
	stopped := false
	go func() {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			if !stopped {
				l.notEmpty.Broadcast()
			}
			l.mu.Unlock()
		case <-done:
		}
	}()
	l.notEmpty.Wait()
	stopped = true
	close(done)
	return ctx.Err() == nil
}

// Pending returns the entries with Synced == false, ordered by id asc.
func (l *Log) Pending() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if !e.Synced {
			out = append(out, e)
		}
	}
	return out
}

// MarkSynced flips Synced to true for every entry with id <= upToID,
// preserving the rest, and wakes any Append callers blocked on backpressure.
func (l *Log) MarkSynced(upToID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].ID <= upToID {
			l.entries[i].Synced = true
		}
	}
	l.notEmpty.Broadcast()
}

// PendingCount returns the number of unsynced entries.
func (l *Log) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingCountLocked()
}

// Close unblocks any pending Append calls with ErrClosed.
func (l *Log) Close() {
	l.mu.Lock()
	l.closed = true
	l.notEmpty.Broadcast()
	l.mu.Unlock()
}

// Appender is the narrow interface map stores depend on to journal
// mutations, so they need not import the concrete *Log type.
type Appender interface {
	Append(ctx context.Context, entry Entry) (uint64, error)
}
