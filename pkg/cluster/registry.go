// Package cluster wires every internal component (hlc, mapstore, oplog,
// routing, pool, replication, writeack, resolver, query, subscription,
// storage) into the single facade cmd/synccored drives: Client. It is the
// map registry, the implementation of syncengine.MergeSink, and the
// source of the local half of query.Coordinator's fan-out.
package cluster

import (
	"sync"

	"github.com/synccore/synccore/internal/hlc"
	"github.com/synccore/synccore/internal/mapstore"
	"github.com/synccore/synccore/internal/oplog"
	"github.com/synccore/synccore/internal/search"
)

// Document is the JSON-object value type every LWW collection holds. The
// wire boundary only ever carries arbitrary JSON-shaped records, so a
// concrete Go struct per map would require generated bindings per
// deployment; map[string]any is what the predicate/search/query engines
// already operate against.
type Document = map[string]any

// Collection is one named LWW-record map plus the full-text index kept in
// sync with it.
type Collection struct {
	Name  string
	Map   *mapstore.LWWMap[Document]
	Index *search.Index
}

// TextFields lists which string-valued top-level attributes of a Document
// feed the full-text index on Put. Empty means "index nothing" (counters
// and pure key/value maps have no text to search).
type TextFields map[string][]string

// Registry owns every named collection, OR-set, and PN-counter map a node
// has opened, created lazily on first Collection/ORSet/Counters call — an
// explicit lookup by name, no per-collection proxy accessors.
type Registry struct {
	nodeID    string
	clock     *hlc.Clock
	appender  oplog.Appender
	textIndex TextFields

	mu          sync.Mutex
	collections map[string]*Collection
	orsets      map[string]*mapstore.ORMapStore[Document]
	counters    map[string]*mapstore.PNCounterMap
}

// NewRegistry creates an empty Registry. textIndex may be nil, in which
// case no collection is text-indexed.
func NewRegistry(nodeID string, clock *hlc.Clock, appender oplog.Appender, textIndex TextFields) *Registry {
	return &Registry{
		nodeID:      nodeID,
		clock:       clock,
		appender:    appender,
		textIndex:   textIndex,
		collections: make(map[string]*Collection),
		orsets:      make(map[string]*mapstore.ORMapStore[Document]),
		counters:    make(map[string]*mapstore.PNCounterMap),
	}
}

// Collection returns the named LWW collection, creating it (and wiring an
// index-maintaining listener) on first use.
func (r *Registry) Collection(name string) *Collection {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.collections[name]
	if ok {
		return c
	}

	c = &Collection{
		Name:  name,
		Map:   mapstore.NewLWWMap[Document](name, r.nodeID, r.clock, r.appender),
		Index: search.New(),
	}
	fields := r.textIndex[name]
	if len(fields) > 0 {
		c.Map.Subscribe(func(ev mapstore.ChangeEvent[Document]) {
			switch ev.Kind {
			case mapstore.Insert, mapstore.Update:
				c.Index.Add(ev.Key, indexableText(*ev.NewValue, fields))
			case mapstore.Delete:
				c.Index.Remove(ev.Key)
			case mapstore.Init:
				for key, doc := range ev.Snapshot {
					c.Index.Add(key, indexableText(doc, fields))
				}
			}
		})
	}
	r.collections[name] = c
	return c
}

// ORSet returns the named OR-Map store, creating it on first use.
func (r *Registry) ORSet(name string) *mapstore.ORMapStore[Document] {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.orsets[name]
	if !ok {
		s = mapstore.NewORMapStore[Document](name, r.nodeID, r.clock, r.appender)
		r.orsets[name] = s
	}
	return s
}

// Counters returns the named PN-Counter map, creating it on first use.
func (r *Registry) Counters(name string) *mapstore.PNCounterMap {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		c = mapstore.NewPNCounterMap(name, r.nodeID, r.clock, r.appender)
		r.counters[name] = c
	}
	return c
}

// Names returns the collection names currently open.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.collections))
	for name := range r.collections {
		out = append(out, name)
	}
	return out
}

// indexableText joins the string-valued fields named in fields into one
// space-separated blob for tokenization, skipping fields absent or not a
// string.
func indexableText(doc Document, fields []string) string {
	var text string
	for _, f := range fields {
		if s, ok := doc[f].(string); ok {
			if text != "" {
				text += " "
			}
			text += s
		}
	}
	return text
}
