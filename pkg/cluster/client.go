package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/synccore/synccore/internal/config"
	"github.com/synccore/synccore/internal/hlc"
	"github.com/synccore/synccore/internal/mapstore"
	"github.com/synccore/synccore/internal/oplog"
	"github.com/synccore/synccore/internal/pool"
	"github.com/synccore/synccore/internal/predicate"
	"github.com/synccore/synccore/internal/query"
	"github.com/synccore/synccore/internal/replication"
	"github.com/synccore/synccore/internal/resolver"
	"github.com/synccore/synccore/internal/routing"
	"github.com/synccore/synccore/internal/storage"
	"github.com/synccore/synccore/internal/subscription"
	"github.com/synccore/synccore/internal/wire"
	"github.com/synccore/synccore/internal/writeack"
)

// Client is the single facade cmd/synccored builds one of per node: it
// owns the clock, the map registry, the connection pool/router, the
// replication and write-ack pipelines, the conflict resolver, and the
// query/subscription engines, and implements syncengine.MergeSink so a
// syncengine.Engine can drive it directly.
type Client struct {
	NodeID string

	clock      *hlc.Clock
	storage    storage.Adapter
	log        *oplog.Log
	registry   *Registry
	resolvers  *resolver.Registry
	processors *resolver.Processor
	writeacks  *writeack.Manager
	replicator *replication.Queue
	routes     *routing.Map
	hints      *routing.HintStore
	pool       *pool.Pool
	forwarder  *routing.Forwarder
	queries    *query.Coordinator
	cfg        config.Config
	stepBudget uint64

	subsMu sync.Mutex
	subs   map[string]*subscription.Tracker
	subQ   map[string]query.Query
}

// Deps bundles the already-constructed dependencies Client wires together.
// storage/pool/replicator may be nil for single-node or in-memory test
// configurations.
type Deps struct {
	NodeID     string
	Clock      *hlc.Clock
	Storage    storage.Adapter
	Log        *oplog.Log
	TextIndex  TextFields
	Resolvers  *resolver.Registry
	WriteAcks  *writeack.Manager
	Replicator *replication.Queue
	Routes     *routing.Map
	Hints      *routing.HintStore
	Pool       *pool.Pool
	Config     config.Config
}

// New assembles a Client from deps. The resulting Client is its own
// query.LocalSource: Execute's local leg calls QueryLocal directly.
func New(deps Deps) *Client {
	c := &Client{
		NodeID:     deps.NodeID,
		clock:      deps.Clock,
		storage:    deps.Storage,
		log:        deps.Log,
		registry:   NewRegistry(deps.NodeID, deps.Clock, deps.Log, deps.TextIndex),
		resolvers:  deps.Resolvers,
		processors: resolver.NewProcessor(processorLimits(deps.Config)),
		writeacks:  deps.WriteAcks,
		replicator: deps.Replicator,
		routes:     deps.Routes,
		hints:      deps.Hints,
		pool:       deps.Pool,
		cfg:        deps.Config,
		stepBudget: resolver.DefaultStepBudget,
		subs:       make(map[string]*subscription.Tracker),
		subQ:       make(map[string]query.Query),
	}
	if deps.Routes != nil && deps.Hints != nil && deps.Pool != nil {
		c.forwarder = routing.NewForwarder(deps.NodeID, deps.Routes, deps.Hints, deps.Pool)
	}
	c.queries = query.New(c, nil)
	return c
}

func processorLimits(cfg config.Config) resolver.ProcessorLimits {
	return resolver.ProcessorLimits{
		MaxExecutionsPerSecond: cfg.Processor.MaxExecutionsPerSecond,
		MaxCodeSize:            cfg.Processor.MaxCodeSizeBytes,
		MaxArgsSize:            cfg.Processor.MaxArgsSizeBytes,
	}
}

// Forwarder returns the grpc-proxy director for routingMode=forward, or
// nil if the client was built without routing/pool deps.
func (c *Client) Forwarder() *routing.Forwarder { return c.forwarder }

// Collection exposes the named LWW collection for direct use (e.g. from
// HTTP handlers needing raw Get/Set/Delete).
func (c *Client) Collection(name string) *Collection { return c.registry.Collection(name) }

// ORSet exposes the named OR-Map store.
func (c *Client) ORSet(name string) *mapstore.ORMapStore[Document] { return c.registry.ORSet(name) }

// Counters exposes the named PN-Counter map.
func (c *Client) Counters(name string) *mapstore.PNCounterMap { return c.registry.Counters(name) }

// Put writes value at key in the named collection, journals the mutation,
// and — when the client owns a replication queue — enqueues it for
// fan-out to that partition's backups at the configured default
// consistency level.
func (c *Client) Put(ctx context.Context, mapName, key string, value Document) error {
	coll := c.registry.Collection(mapName)
	if err := coll.Map.Set(ctx, key, value); err != nil {
		return fmt.Errorf("cluster: put %s/%s: %w", mapName, key, err)
	}
	if err := c.Persist(ctx, mapName, key); err != nil {
		return err
	}
	c.enqueueReplication(mapName, key, value)
	return nil
}

// Delete tombstones key in the named collection.
func (c *Client) Delete(ctx context.Context, mapName, key string) error {
	coll := c.registry.Collection(mapName)
	if err := coll.Map.Delete(ctx, key); err != nil {
		return fmt.Errorf("cluster: delete %s/%s: %w", mapName, key, err)
	}
	if err := c.Persist(ctx, mapName, key); err != nil {
		return err
	}
	c.enqueueReplication(mapName, key, nil)
	return nil
}

// Get reads the live value for key in the named collection.
func (c *Client) Get(mapName, key string) (Document, bool) {
	return c.registry.Collection(mapName).Map.Get(key)
}

func (c *Client) enqueueReplication(mapName, key string, value Document) {
	if c.replicator == nil || c.routes == nil {
		return
	}
	partitionID, owner, ok := c.routes.Route(key)
	if !ok || owner != c.NodeID {
		return
	}
	assignment, _ := c.routes.Owner(partitionID)
	ts := c.clock.Now()
	op := replication.Op{
		OpID:        fmt.Sprintf("%s/%s@%s", mapName, key, ts),
		MapName:     mapName,
		Key:         key,
		Record:      value,
		Timestamp:   ts,
		PartitionID: partitionID,
	}
	if err := c.replicator.Enqueue(op, assignment.ReplicaIDs, c.cfg.Replication.DefaultConsistency); err != nil {
		slog.Warn("cluster: replication enqueue failed", "map", mapName, "key", key, "error", err)
	}
}

// QueryLocal implements query.LocalSource: it evaluates q's predicate over
// the named collection's live snapshot.
func (c *Client) QueryLocal(ctx context.Context, q query.Query) (*query.LazyResult, error) {
	coll := c.registry.Collection(q.MapName)
	return query.NewLazyResult(0, 0, func() ([]query.Row, error) {
		entries := coll.Map.ChangesSince(hlc.Timestamp{})
		rows := make([]query.Row, 0, len(entries))
		for key, entry := range entries {
			if entry.Deleted() {
				continue
			}
			doc := *entry.Value
			rec := predicate.MapRecord(doc)
			if q.Predicate != nil && !predicate.Eval(*q.Predicate, rec, key, coll.Index) {
				continue
			}
			values := make([]any, len(q.Sort))
			for i, sk := range q.Sort {
				v, _ := rec.Get(sk.Field)
				values[i] = v
			}
			rows = append(rows, query.Row{
				Row:       predicate.Row{PK: key, Values: values},
				Value:     doc,
				Timestamp: entry.Timestamp,
			})
		}
		return rows, nil
	}), nil
}

// Query runs q through the coordinator. New builds the coordinator with no
// query.RemoteSource, so only the local leg runs.
func (c *Client) Query(ctx context.Context, q query.Query) (query.Result, error) {
	return c.queries.Execute(ctx, q)
}

// Subscribe registers a live query subscription: it evaluates q once for
// the initial snapshot and thereafter recomputes on every change to the
// underlying collection, emitting debounced ENTER/UPDATE/LEAVE deltas via
// emit.
func (c *Client) Subscribe(subscriptionID string, q query.Query, throttle time.Duration, emit func(subscriptionID string, updates []wire.QueryUpdatePayload)) (unsubscribe func(), err error) {
	coll := c.registry.Collection(q.MapName)
	tracker := subscription.NewTracker(subscriptionID, throttle, emit)

	recompute := func() []subscription.MatchedRow {
		snapshot := coll.Map.Snapshot()
		rows := make([]subscription.MatchedRow, 0, len(snapshot))
		for key, doc := range snapshot {
			rec := predicate.MapRecord(doc)
			if q.Predicate != nil && !predicate.Eval(*q.Predicate, rec, key, coll.Index) {
				continue
			}
			rows = append(rows, subscription.MatchedRow{Key: key, Value: doc})
		}
		return rows
	}

	tracker.Snapshot(recompute())

	unsub := coll.Map.Subscribe(func(mapstore.ChangeEvent[Document]) {
		tracker.Update(recompute())
	})

	c.subsMu.Lock()
	c.subs[subscriptionID] = tracker
	c.subQ[subscriptionID] = q
	c.subsMu.Unlock()

	return func() {
		unsub()
		tracker.Close()
		c.subsMu.Lock()
		delete(c.subs, subscriptionID)
		delete(c.subQ, subscriptionID)
		c.subsMu.Unlock()
	}, nil
}

// Unsubscribe tears down subscriptionID if present.
func (c *Client) Unsubscribe(subscriptionID string) {
	c.subsMu.Lock()
	tracker, ok := c.subs[subscriptionID]
	delete(c.subs, subscriptionID)
	delete(c.subQ, subscriptionID)
	c.subsMu.Unlock()
	if ok {
		tracker.Close()
	}
}

// Clock returns the node's HLC clock.
func (c *Client) Clock() *hlc.Clock { return c.clock }

// Oplog returns the node's pending-ops journal.
func (c *Client) Oplog() *oplog.Log { return c.log }

// Resolvers returns the conflict-resolver binding registry.
func (c *Client) Resolvers() *resolver.Registry { return c.resolvers }

// WriteAcks returns the write-acknowledgment manager.
func (c *Client) WriteAcks() *writeack.Manager { return c.writeacks }

// Pool returns the connection pool.
func (c *Client) Pool() *pool.Pool { return c.pool }

// Routes returns the partition map.
func (c *Client) Routes() *routing.Map { return c.routes }
