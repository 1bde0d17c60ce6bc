package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/synccore/synccore/internal/replication"
	"github.com/synccore/synccore/internal/routing"
)

// parseSeedNodes turns "nodeID=host:port" flag values into a lookup.
func parseSeedNodes(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid --seed-node %q, want nodeID=host:port", entry)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

// loadSelfOwnedPartitionMap seeds routes with a version-1 snapshot
// assigning every partition to selfID, with every seed node listed as a
// backup. This stands in for the real cluster coordinator's PARTITION_MAP
// broadcast, which this minimal entrypoint does not
// implement: a production deployment replaces this with a client that
// receives PARTITION_MAP frames over the sync connection.
func loadSelfOwnedPartitionMap(routes *routing.Map, selfID string, seeds map[string]string) {
	backups := make([]string, 0, len(seeds))
	for nodeID := range seeds {
		backups = append(backups, nodeID)
	}

	assignments := make([]routing.Assignment, routing.PartitionCount)
	for i := 0; i < routing.PartitionCount; i++ {
		assignments[i] = routing.Assignment{
			PartitionID: i,
			OwnerNodeID: selfID,
			ReplicaIDs:  backups,
		}
	}
	routes.LoadSnapshot(1, assignments)
}

// registerReplicationLagGauges publishes per-backup replication lag
// (avg/max/p99, in milliseconds) as observable OpenTelemetry gauges read
// from the queue's health monitor on each collection cycle.
func registerReplicationLagGauges(meter metric.Meter, q *replication.Queue, seeds map[string]string) error {
	if len(seeds) == 0 {
		return nil
	}
	backups := make([]string, 0, len(seeds))
	for nodeID := range seeds {
		backups = append(backups, nodeID)
	}
	sort.Strings(backups)

	avg, err := meter.Float64ObservableGauge("synccore.replication.lag.avg_ms")
	if err != nil {
		return err
	}
	max, err := meter.Float64ObservableGauge("synccore.replication.lag.max_ms")
	if err != nil {
		return err
	}
	p99, err := meter.Float64ObservableGauge("synccore.replication.lag.p99_ms")
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, backupID := range backups {
			stats := q.Health().Stats(backupID)
			attrs := metric.WithAttributes(attribute.String("backup", backupID))
			o.ObserveFloat64(avg, float64(stats.Avg.Milliseconds()), attrs)
			o.ObserveFloat64(max, float64(stats.Max.Milliseconds()), attrs)
			o.ObserveFloat64(p99, float64(stats.P99.Milliseconds()), attrs)
		}
		return nil
	}, avg, max, p99)
	return err
}
