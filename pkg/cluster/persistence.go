package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/synccore/synccore/internal/crdt"
	"github.com/synccore/synccore/internal/hlc"
)

// keySeparator joins a collection name and record key into one flat
// storage.Adapter key, since Adapter is a single flat keyspace while the
// engine is organized into many named maps.
const keySeparator = "\x1f"

func storageKey(mapName, key string) string {
	return mapName + keySeparator + key
}

func splitStorageKey(storageKey string) (mapName, key string, ok bool) {
	i := strings.Index(storageKey, keySeparator)
	if i < 0 {
		return "", "", false
	}
	return storageKey[:i], storageKey[i+1:], true
}

// Persist writes key's current record in mapName to the storage adapter.
// Called after every Put/Delete when the client was built with a storage
// adapter (cmd/synccored's default; tests often omit one).
func (c *Client) Persist(ctx context.Context, mapName, key string) error {
	if c.storage == nil {
		return nil
	}
	coll := c.registry.Collection(mapName)
	rec, ok := coll.Map.ChangesSince(hlc.Timestamp{})[key]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cluster: marshal %s/%s for persistence: %w", mapName, key, err)
	}
	if err := c.storage.Put(ctx, storageKey(mapName, key), raw); err != nil {
		return fmt.Errorf("cluster: persist %s/%s: %w", mapName, key, err)
	}
	return nil
}

// Hydrate loads every persisted key back into its collection, grouping by
// the mapName prefix each storage key carries, and emits one LoadBulk
// call per map so collections start with a single Init event rather than
// one per key.
func (c *Client) Hydrate(ctx context.Context) error {
	if c.storage == nil {
		return nil
	}
	keys, err := c.storage.GetAllKeys(ctx)
	if err != nil {
		return fmt.Errorf("cluster: hydrate: list keys: %w", err)
	}

	byMap := make(map[string]map[string]crdt.LWWRecord[Document])
	for _, sk := range keys {
		mapName, key, ok := splitStorageKey(sk)
		if !ok {
			continue
		}
		raw, found, err := c.storage.Get(ctx, sk)
		if err != nil {
			return fmt.Errorf("cluster: hydrate: get %s: %w", sk, err)
		}
		if !found {
			continue
		}
		var rec crdt.LWWRecord[Document]
		if err := json.Unmarshal(raw, &rec); err != nil {
			slog.Warn("cluster: skipping unparseable persisted record", "key", sk, "error", err)
			continue
		}
		if byMap[mapName] == nil {
			byMap[mapName] = make(map[string]crdt.LWWRecord[Document])
		}
		byMap[mapName][key] = rec
	}

	for mapName, entries := range byMap {
		c.registry.Collection(mapName).Map.LoadBulk(entries)
	}

	pending, err := c.storage.GetPendingOps(ctx)
	if err != nil {
		return fmt.Errorf("cluster: hydrate: pending ops: %w", err)
	}
	for _, e := range pending {
		if e.Synced {
			continue
		}
		slog.Debug("cluster: hydrated pending op", "map", e.MapName, "key", e.Key, "op", e.Op)
	}
	return nil
}
