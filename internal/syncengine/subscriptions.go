package syncengine

import "sync"

// SubscriptionRegistry tracks the (connectionID, subscriptionID) pairs a
// server-side connection owns: closing a subscription is idempotent and
// late deltas for a closed subscription are dropped; closing the
// connection cancels every subscription it owns.
type SubscriptionRegistry struct {
	mu   sync.Mutex
	open map[string]map[string]bool // connectionID -> subscriptionID -> open
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{open: make(map[string]map[string]bool)}
}

// Open registers subscriptionID as live under connectionID.
func (r *SubscriptionRegistry) Open(connectionID, subscriptionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.open[connectionID]
	if !ok {
		subs = make(map[string]bool)
		r.open[connectionID] = subs
	}
	subs[subscriptionID] = true
}

// Close marks subscriptionID closed under connectionID. Idempotent: closing
// an already-closed or never-opened subscription is a no-op.
func (r *SubscriptionRegistry) Close(connectionID, subscriptionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.open[connectionID]; ok {
		delete(subs, subscriptionID)
	}
}

// IsOpen reports whether subscriptionID is still live under connectionID —
// callers consult this before emitting a delta to drop late deliveries for
// a closed subscription.
func (r *SubscriptionRegistry) IsOpen(connectionID, subscriptionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.open[connectionID]
	if !ok {
		return false
	}
	return subs[subscriptionID]
}

// CloseConnection cancels every subscription owned by connectionID,
// returning their ids so the caller can unwind any per-subscription
// background work (debounce timers, change-tracker goroutines).
func (r *SubscriptionRegistry) CloseConnection(connectionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.open[connectionID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	delete(r.open, connectionID)
	return ids
}
