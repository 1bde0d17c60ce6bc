package cluster

import (
	"time"

	"github.com/synccore/synccore/internal/pool"
	"github.com/synccore/synccore/internal/writeack"
)

// CollectionStats summarizes one collection for the gated debug
// endpoints.
type CollectionStats struct {
	MapName     string `json:"mapName"`
	LiveEntries int    `json:"liveEntries"`
	Indexed     bool   `json:"indexed"`
}

// Stats reports one line per open collection.
func (c *Client) Stats() []CollectionStats {
	names := c.registry.Names()
	out := make([]CollectionStats, 0, len(names))
	for _, name := range names {
		coll := c.registry.Collection(name)
		out = append(out, CollectionStats{
			MapName:     name,
			LiveEntries: len(coll.Map.Snapshot()),
			Indexed:     coll.Index != nil,
		})
	}
	return out
}

// Export dumps every live record in mapName, tombstones excluded, for the
// read-only debug export endpoint.
func (c *Client) Export(mapName string) map[string]Document {
	return c.registry.Collection(mapName).Map.Snapshot()
}

// OperationWindow is one entry in the oplog-derived operations debug
// view.
type OperationWindow struct {
	ID      uint64 `json:"id"`
	MapName string `json:"mapName"`
	Key     string `json:"key"`
	Op      string `json:"op"`
	Synced  bool   `json:"synced"`
}

// Operations returns the node's current pending-ops window.
func (c *Client) Operations() []OperationWindow {
	pending := c.log.Pending()
	out := make([]OperationWindow, len(pending))
	for i, e := range pending {
		out[i] = OperationWindow{ID: e.ID, MapName: e.MapName, Key: e.Key, Op: string(e.Op), Synced: e.Synced}
	}
	return out
}

// PendingWriteAcks reports how many writes are pending at each durability
// level.
func (c *Client) PendingWriteAcks() map[writeack.Level]int {
	if c.writeacks == nil {
		return nil
	}
	return c.writeacks.PendingCountByLevel()
}

// NodeHealth reports connection-pool health for one peer node.
func (c *Client) NodeHealth(nodeID string) (pool.Health, bool) {
	if c.pool == nil {
		return pool.Health{}, false
	}
	return c.pool.HealthOf(nodeID)
}

// ReplicationLag reports lag stats for one backup node, or the zero value
// if no replication queue is configured.
func (c *Client) ReplicationLag(backupID string) (avg, max, p99 time.Duration) {
	if c.replicator == nil {
		return 0, 0, 0
	}
	stats := c.replicator.Health().Stats(backupID)
	return stats.Avg, stats.Max, stats.P99
}

// Searches evaluates query against mapName's full-text index and returns
// the matching document ids with scores, for the debug search-index
// inspector.
func (c *Client) Searches(mapName, query string) []SearchHit {
	coll := c.registry.Collection(mapName)
	hits := coll.Index.Search(query)
	out := make([]SearchHit, len(hits))
	for i, h := range hits {
		out[i] = SearchHit{DocID: h.DocID, Score: h.Score}
	}
	return out
}

// SearchHit is one scored full-text match.
type SearchHit struct {
	DocID string  `json:"docId"`
	Score float64 `json:"score"`
}
