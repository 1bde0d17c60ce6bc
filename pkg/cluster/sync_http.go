package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/synccore/synccore/internal/crdt"
	"github.com/synccore/synccore/internal/hlc"
	"github.com/synccore/synccore/internal/oplog"
)

// SyncOperation is one client-originated mutation carried in a POST /sync
// body's operations array, shaped after oplog.Entry so the client's own
// journal can be replayed verbatim against the server.
type SyncOperation struct {
	MapName string   `json:"mapName"`
	Key     string   `json:"key"`
	Op      oplog.Op `json:"op"`
	Value   Document `json:"value,omitempty"`
	Delta   int64    `json:"delta,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// SyncMapCursor names one map the client wants deltas for, since its
// last observed HLC timestamp for that map, so the server can compute a
// per-map delta page.
type SyncMapCursor struct {
	MapName           string        `json:"mapName"`
	LastSyncTimestamp hlc.Timestamp `json:"lastSyncTimestamp"`
}

// SyncRequest is POST /sync's request body.
type SyncRequest struct {
	ClientID   string          `json:"clientId"`
	ClientHLC  hlc.Timestamp   `json:"clientHlc"`
	Operations []SyncOperation `json:"operations,omitempty"`
	SyncMaps   []SyncMapCursor `json:"syncMaps,omitempty"`
}

// SyncMapDelta is one map's worth of records in the response.
type SyncMapDelta struct {
	MapName string            `json:"mapName"`
	Records []json.RawMessage `json:"records"`
}

// SyncResponse is POST /sync's response body.
type SyncResponse struct {
	ServerHLC hlc.Timestamp  `json:"serverHlc"`
	Applied   int            `json:"applied"`
	Deltas    []SyncMapDelta `json:"deltas,omitempty"`
}

// HandleSync implements the full POST /sync exchange: merge every
// client-pushed operation, advance the server clock past the
// client's HLC, and compute a delta page for every requested map cursor.
// Token verification and JSON-Schema validation of the raw request body
// are the HTTP handler's job (cmd/synccored); by the time a SyncRequest
// reaches here it is already well-formed.
func (c *Client) HandleSync(ctx context.Context, req SyncRequest) (SyncResponse, error) {
	c.clock.Observe(req.ClientHLC)

	applied := 0
	for _, op := range req.Operations {
		if err := c.applyOperation(ctx, op); err != nil {
			return SyncResponse{}, fmt.Errorf("cluster: sync op %s/%s: %w", op.MapName, op.Key, err)
		}
		applied++
	}

	resp := SyncResponse{ServerHLC: c.clock.Now(), Applied: applied}
	for _, cursor := range req.SyncMaps {
		resp.Deltas = append(resp.Deltas, c.buildDelta(cursor))
	}
	return resp, nil
}

// applyOperation merges one pushed client mutation into the owning
// collection, mirroring the kind-specific behaviour oplog.Entry.Op
// selects for.
func (c *Client) applyOperation(ctx context.Context, op SyncOperation) error {
	switch op.Op {
	case oplog.OpPut:
		coll := c.registry.Collection(op.MapName)
		coll.Map.Merge(op.Key, crdt.NewLWWPut(op.Value, c.clock.Now()))
		c.persistQuiet(ctx, op.MapName, op.Key)
	case oplog.OpRemove:
		coll := c.registry.Collection(op.MapName)
		coll.Map.Merge(op.Key, crdt.NewLWWTombstone[Document](c.clock.Now()))
		c.persistQuiet(ctx, op.MapName, op.Key)
	case oplog.OpORAdd:
		set := c.registry.ORSet(op.MapName)
		if _, err := set.Add(ctx, op.Key, op.Value); err != nil {
			return err
		}
	case oplog.OpORRemove:
		set := c.registry.ORSet(op.MapName)
		tags := make([]crdt.ORTag, len(op.Tags))
		for i, t := range op.Tags {
			tags[i] = crdt.ORTag(t)
		}
		if err := set.Remove(ctx, op.Key, tags); err != nil {
			return err
		}
	case oplog.OpInc:
		counters := c.registry.Counters(op.MapName)
		if err := counters.Increment(ctx, op.Key, op.Delta); err != nil {
			return err
		}
	case oplog.OpDec:
		counters := c.registry.Counters(op.MapName)
		if err := counters.Decrement(ctx, op.Key, op.Delta); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown op kind %q", op.Op)
	}
	return nil
}

// buildDelta computes the page of mapName's records timestamped strictly
// after cursor.LastSyncTimestamp.
func (c *Client) buildDelta(cursor SyncMapCursor) SyncMapDelta {
	coll := c.registry.Collection(cursor.MapName)
	changes := coll.Map.ChangesSince(cursor.LastSyncTimestamp)

	delta := SyncMapDelta{MapName: cursor.MapName, Records: make([]json.RawMessage, 0, len(changes))}
	for key, rec := range changes {
		wr := wireRecord{Key: key, Timestamp: rec.Timestamp}
		if !rec.Deleted() {
			wr.Value = *rec.Value
		}
		raw, err := json.Marshal(wr)
		if err != nil {
			continue
		}
		delta.Records = append(delta.Records, raw)
	}
	return delta
}
