// Package query implements the query coordinator: local predicate
// evaluation over the cached map, a lazy result set reporting
// estimatedSize/retrievalCost, parallel forwarding to the partition
// owner, and a single merge+sort+cursor+limit pass over the deduplicated
// union.
package query

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/synccore/synccore/internal/hlc"
	"github.com/synccore/synccore/internal/predicate"
)

// Query describes one predicate query against a map.
type Query struct {
	MapName   string
	Predicate *predicate.Node
	Sort      []predicate.SortKey
	Limit     int
	Cursor    *predicate.Cursor
}

// Row is one candidate result, carrying the HLC timestamp of the value it
// was derived from so the coordinator can prefer the newer side when
// local and remote disagree on the same key.
type Row struct {
	predicate.Row
	Value     any
	Timestamp hlc.Timestamp
}

// LazyResult defers materialisation until ToArray is called.
type LazyResult struct {
	EstimatedSize int
	RetrievalCost int

	once  sync.Once
	rows  []Row
	err   error
	fetch func() ([]Row, error)
}

// NewLazyResult wraps fetch, which runs at most once, on first ToArray
// call.
func NewLazyResult(estimatedSize, retrievalCost int, fetch func() ([]Row, error)) *LazyResult {
	return &LazyResult{EstimatedSize: estimatedSize, RetrievalCost: retrievalCost, fetch: fetch}
}

// ToArray materialises the result set, memoizing it.
func (l *LazyResult) ToArray() ([]Row, error) {
	l.once.Do(func() { l.rows, l.err = l.fetch() })
	return l.rows, l.err
}

// LocalSource evaluates q over the node's own cached map.
type LocalSource interface {
	QueryLocal(ctx context.Context, q Query) (*LazyResult, error)
}

// RemoteSource forwards q to the partition owner(s) and returns their
// matching rows.
type RemoteSource interface {
	QueryRemote(ctx context.Context, q Query) ([]Row, error)
}

// Coordinator runs a query's local and remote legs and merges the
// results.
type Coordinator struct {
	local  LocalSource
	remote RemoteSource
}

// New creates a Coordinator. remote may be nil for single-node
// deployments or tests exercising only local evaluation.
func New(local LocalSource, remote RemoteSource) *Coordinator {
	return &Coordinator{local: local, remote: remote}
}

// Result is one executed query's final page.
type Result struct {
	Rows       []predicate.Row
	NextCursor *predicate.Cursor
	HasMore    bool
}

// Execute runs q's local and remote legs concurrently, merges by primary
// key with the newer HLC timestamp winning, and applies one final
// sort+cursor+limit pass over the union.
func (c *Coordinator) Execute(ctx context.Context, q Query) (Result, error) {
	var localRows, remoteRows []Row

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if c.local == nil {
			return nil
		}
		lazy, err := c.local.QueryLocal(gctx, q)
		if err != nil {
			return fmt.Errorf("query: local: %w", err)
		}
		rows, err := lazy.ToArray()
		if err != nil {
			return fmt.Errorf("query: materialize local: %w", err)
		}
		localRows = rows
		return nil
	})
	g.Go(func() error {
		if c.remote == nil {
			return nil
		}
		rows, err := c.remote.QueryRemote(gctx, q)
		if err != nil {
			return fmt.Errorf("query: remote: %w", err)
		}
		remoteRows = rows
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	merged := mergeByKey(localRows, remoteRows)
	plain := make([]predicate.Row, len(merged))
	for i, r := range merged {
		plain[i] = r.Row
	}

	page, nextCursor, hasMore := predicate.Page(plain, q.Sort, q.Cursor, q.Limit)
	return Result{Rows: page, NextCursor: nextCursor, HasMore: hasMore}, nil
}

// mergeByKey deduplicates local and remote rows by PK, keeping whichever
// side carries the newer HLC timestamp; the server side wins ties.
func mergeByKey(local, remote []Row) []Row {
	byKey := make(map[string]Row, len(local)+len(remote))
	for _, r := range local {
		byKey[r.PK] = r
	}
	for _, r := range remote {
		existing, ok := byKey[r.PK]
		if !ok || !existing.Timestamp.After(r.Timestamp) {
			byKey[r.PK] = r
		}
	}
	out := make([]Row, 0, len(byKey))
	for _, r := range byKey {
		out = append(out, r)
	}
	return out
}
