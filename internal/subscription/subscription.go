// Package subscription implements the live query/search subscription
// change tracker: diffing a materialised result set against its previous
// state to produce ordered insert/update/delete deltas, debounced so
// bursts of rapid updates coalesce into one flush.
package subscription

import (
	"encoding/json"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synccore/synccore/internal/wire"
)

// NewID mints a fresh subscription id.
func NewID() string { return uuid.NewString() }

// MatchedRow is one row currently in a subscription's materialised
// result set.
type MatchedRow struct {
	Key   string
	Value any
	Score float64
}

// DefaultThrottle is used when Tracker is created with a zero duration.
const DefaultThrottle = 50 * time.Millisecond

// Tracker maintains one subscription's previous materialised state and
// emits ENTER/UPDATE/LEAVE deltas as it changes. Safe for concurrent use.
type Tracker struct {
	subscriptionID string
	throttle       time.Duration
	emit           func(subscriptionID string, updates []wire.QueryUpdatePayload)

	mu      sync.Mutex
	current map[string]MatchedRow
	staged  map[string]*MatchedRow // nil value means "removed"
	timer   *time.Timer
	closed  bool
}

// NewTracker creates a Tracker for subscriptionID. emit is called from a
// timer goroutine once pending changes have been quiet for throttle.
func NewTracker(subscriptionID string, throttle time.Duration, emit func(subscriptionID string, updates []wire.QueryUpdatePayload)) *Tracker {
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	return &Tracker{
		subscriptionID: subscriptionID,
		throttle:       throttle,
		emit:           emit,
		current:        make(map[string]MatchedRow),
		staged:         make(map[string]*MatchedRow),
	}
}

// Snapshot installs rows as the tracker's initial state and returns the
// ENTER deltas for it, delivered synchronously as one batch.
func (t *Tracker) Snapshot(rows []MatchedRow) []wire.QueryUpdatePayload {
	t.mu.Lock()
	defer t.mu.Unlock()

	updates := make([]wire.QueryUpdatePayload, 0, len(rows))
	for _, r := range rows {
		t.current[r.Key] = r
		updates = append(updates, enterUpdate(t.subscriptionID, r))
	}
	sortUpdates(updates)
	return updates
}

// Update stages the latest materialised result set against the tracker's
// current state and schedules a debounced flush. Calling Update again
// before the throttle window elapses resets the timer, coalescing bursts
// into a single flush.
func (t *Tracker) Update(rows []MatchedRow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	latest := make(map[string]MatchedRow, len(rows))
	for _, r := range rows {
		latest[r.Key] = r
	}

	for key, row := range latest {
		prev, existed := t.current[key]
		if !existed || !reflect.DeepEqual(prev, row) {
			r := row
			t.staged[key] = &r
		} else {
			delete(t.staged, key)
		}
	}
	for key := range t.current {
		if _, stillPresent := latest[key]; !stillPresent {
			t.staged[key] = nil
		}
	}
	for key := range t.staged {
		_, inLatest := latest[key]
		_, inCurrent := t.current[key]
		if !inLatest && !inCurrent {
			delete(t.staged, key)
		}
	}

	if len(t.staged) == 0 {
		return
	}

	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.throttle, t.flush)
}

// flush builds the ordered delta list from staged changes, applies them
// to current, and invokes emit. Staging keeps at most one change per key,
// so each key appears once per flush. Ordering: LEAVE first, then ENTER,
// then UPDATE, each group sorted by key for a deterministic, reproducible
// transcript.
func (t *Tracker) flush() {
	t.mu.Lock()
	staged := t.staged
	t.staged = make(map[string]*MatchedRow)
	t.mu.Unlock()

	if len(staged) == 0 {
		return
	}

	var leaves, enters, updates []wire.QueryUpdatePayload
	t.mu.Lock()
	for key, row := range staged {
		_, existed := t.current[key]
		switch {
		case row == nil:
			delete(t.current, key)
			leaves = append(leaves, wire.QueryUpdatePayload{SubscriptionID: t.subscriptionID, Kind: wire.UpdateLeave, Key: key})
		case !existed:
			t.current[key] = *row
			enters = append(enters, enterUpdate(t.subscriptionID, *row))
		default:
			t.current[key] = *row
			updates = append(updates, updateUpdate(t.subscriptionID, *row))
		}
	}
	t.mu.Unlock()

	sortUpdates(leaves)
	sortUpdates(enters)
	sortUpdates(updates)

	all := make([]wire.QueryUpdatePayload, 0, len(leaves)+len(enters)+len(updates))
	all = append(all, leaves...)
	all = append(all, enters...)
	all = append(all, updates...)

	if t.emit != nil {
		t.emit(t.subscriptionID, all)
	}
}

// Close stops any pending debounce timer and marks the tracker inert;
// further Update calls are no-ops.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func enterUpdate(subscriptionID string, r MatchedRow) wire.QueryUpdatePayload {
	return wire.QueryUpdatePayload{SubscriptionID: subscriptionID, Kind: wire.UpdateEnter, Key: r.Key, Value: encodeValue(r.Value), Score: &r.Score}
}

func updateUpdate(subscriptionID string, r MatchedRow) wire.QueryUpdatePayload {
	return wire.QueryUpdatePayload{SubscriptionID: subscriptionID, Kind: wire.UpdateUpdate, Key: r.Key, Value: encodeValue(r.Value), Score: &r.Score}
}

func encodeValue(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		slog.Warn("subscription: failed to encode row value", "error", err)
		return nil
	}
	return raw
}

func sortUpdates(updates []wire.QueryUpdatePayload) {
	sort.Slice(updates, func(i, j int) bool { return updates[i].Key < updates[j].Key })
}
