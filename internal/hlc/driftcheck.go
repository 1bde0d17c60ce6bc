package hlc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

const (
	defaultNTPPool       = "pool.ntp.org"
	defaultCheckInterval = 60 * time.Second
)

// DriftStatus is the last observed comparison between the local wall clock
// and an external time source.
type DriftStatus struct {
	Offset    time.Duration
	Healthy   bool
	Error     string
	CheckedAt time.Time
}

// DriftChecker periodically compares the local wall clock against an NTP
// pool and exposes whether the node's clock is within MaxDrift of the
// network.
type DriftChecker struct {
	mu       sync.RWMutex
	status   DriftStatus
	pool     string
	interval time.Duration
	maxDrift time.Duration
	wall     WallClock

	// CheckFunc overrides the real NTP query, for tests.
	CheckFunc func() DriftStatus
}

// NewDriftChecker creates a checker against pool "pool.ntp.org" with the
// given drift tolerance. wall defaults to RealWallClock{}.
func NewDriftChecker(wall WallClock, maxDrift time.Duration) *DriftChecker {
	if wall == nil {
		wall = RealWallClock{}
	}
	if maxDrift <= 0 {
		maxDrift = DefaultMaxDrift
	}
	return &DriftChecker{
		pool:     defaultNTPPool,
		interval: defaultCheckInterval,
		maxDrift: maxDrift,
		wall:     wall,
	}
}

// Run polls until ctx is cancelled.
func (d *DriftChecker) Run(ctx context.Context) {
	d.check()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.check()
		}
	}
}

func (d *DriftChecker) check() {
	if d.CheckFunc != nil {
		d.mu.Lock()
		d.status = d.CheckFunc()
		d.mu.Unlock()
		return
	}

	resp, err := ntp.Query(d.pool)
	now := d.wall.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.status = DriftStatus{Error: err.Error(), Healthy: false, CheckedAt: now}
		slog.Warn("hlc drift check failed", "err", err)
		return
	}
	d.status = DriftStatus{
		Offset:    resp.ClockOffset,
		Healthy:   resp.ClockOffset.Abs() < d.maxDrift,
		CheckedAt: now,
	}
	if !d.status.Healthy {
		slog.Warn("hlc wall clock drift exceeds tolerance", "offset", resp.ClockOffset, "max_drift", d.maxDrift)
	}
}

// Status returns the most recent drift observation.
func (d *DriftChecker) Status() DriftStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}
