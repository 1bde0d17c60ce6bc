package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/synccore/synccore/internal/crdt"
	"github.com/synccore/synccore/internal/hlc"
	"github.com/synccore/synccore/internal/resolver"
)

// wireRecord is the JSON shape one LWW record takes crossing the sync
// protocol (a SYNC_DELTA record, or one entry of a REPLICATION_BATCH).
// Value is omitted (null) for a tombstone.
type wireRecord struct {
	Key       string        `json:"key"`
	Value     Document      `json:"value,omitempty"`
	Timestamp hlc.Timestamp `json:"timestamp"`
}

// ApplyRemote implements syncengine.MergeSink: it decodes one SYNC_DELTA
// record and merges it into mapName's collection, running the conflict
// resolver pipeline first for every record whenever the client has a
// resolver registry, falling back to the built-in LWW merge when no
// binding overrides the outcome.
func (c *Client) ApplyRemote(mapName string, recordJSON json.RawMessage) (hlc.Timestamp, error) {
	var wr wireRecord
	if err := json.Unmarshal(recordJSON, &wr); err != nil {
		return hlc.Timestamp{}, fmt.Errorf("cluster: decode remote record for %q: %w", mapName, err)
	}

	incoming := crdt.LWWRecord[Document]{Timestamp: wr.Timestamp}
	if wr.Value != nil {
		v := wr.Value
		incoming.Value = &v
	}

	c.mergeRemoteRecord(context.Background(), mapName, wr.Key, incoming, wr.Timestamp.NodeID)
	return wr.Timestamp, nil
}

// mergeRemoteRecord runs the resolver pipeline for one incoming remote
// record against the collection's current local value, then applies
// either the binding's decision or the built-in LWW merge.
func (c *Client) mergeRemoteRecord(ctx context.Context, mapName, key string, incoming crdt.LWWRecord[Document], remoteNode string) {
	coll := c.registry.Collection(mapName)

	if c.resolvers != nil {
		args := resolver.Args{
			MapName:     mapName,
			Key:         key,
			RemoteValue: recordValue(incoming),
			RemoteNode:  remoteNode,
		}
		// An absent key must reach bindings as a true null, not a typed
		// nil Document, so sandboxed code can test `if (local)`.
		if localValue, ok := coll.Map.Get(key); ok {
			args.LocalValue = localValue
		}
		decision, matched, err := c.resolvers.Resolve(ctx, args, resolver.ExecTimeoutFor(c.stepBudget))
		if err == nil && matched {
			switch decision.Action {
			case resolver.ActionAccept:
				coll.Map.Merge(key, crdt.NewLWWPut[Document](asDocument(decision.Value), c.clock.Now()))
				c.persistQuiet(ctx, mapName, key)
				return
			case resolver.ActionReject:
				// Resolve already emitted the MergeRejection event; a
				// rejected remote write is simply not merged.
				return
			}
			// ActionLocal falls through to the built-in merge below.
		}
	}

	coll.Map.Merge(key, incoming)
	c.persistQuiet(ctx, mapName, key)
}

func (c *Client) persistQuiet(ctx context.Context, mapName, key string) {
	if err := c.Persist(ctx, mapName, key); err != nil {
		slog.Warn("cluster: persist after merge failed", "map", mapName, "key", key, "error", err)
	}
}

func recordValue(rec crdt.LWWRecord[Document]) any {
	if rec.Value == nil {
		return nil
	}
	return *rec.Value
}

func asDocument(v any) Document {
	if doc, ok := v.(Document); ok {
		return doc
	}
	return nil
}
