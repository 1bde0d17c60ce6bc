package cluster

import (
	"context"
	"fmt"

	"github.com/synccore/synccore/internal/resolver"
)

// ExecuteProcessor runs entry-processor code against mapName/key's current
// value and applies the outcome atomically to the collection: a returned
// value writes it, a missing value removes the entry. The code's `result`
// field is handed back to the caller untouched.
func (c *Client) ExecuteProcessor(ctx context.Context, clientID, mapName, key, code string, args any) (any, error) {
	coll := c.registry.Collection(mapName)
	value, _ := coll.Map.Get(key)

	var current any
	if value != nil {
		current = value
	}
	outcome, err := c.processors.Execute(ctx, clientID, code, current, key, args)
	if err != nil {
		return nil, fmt.Errorf("cluster: processor on %s/%s: %w", mapName, key, err)
	}

	switch {
	case outcome.Remove:
		if err := c.Delete(ctx, mapName, key); err != nil {
			return nil, err
		}
	default:
		doc, ok := outcome.Value.(map[string]any)
		if !ok {
			return nil, &resolver.ValidationError{Reason: fmt.Sprintf("processor on %s/%s returned a non-object value", mapName, key)}
		}
		if err := c.Put(ctx, mapName, key, doc); err != nil {
			return nil, err
		}
	}
	return outcome.Result, nil
}
