// Package storage defines the external storage-adapter contract: the
// engine treats physical persistence as an external collaborator and only
// depends on this interface. internal/storage/sqlitestore ships a
// concrete implementation so the contract is exercised end to end.
package storage

import (
	"context"

	"github.com/synccore/synccore/internal/oplog"
)

// Entry is one key/value pair for a batched write.
type Entry struct {
	Key   string
	Value []byte
}

// Adapter is the contract every physical storage backend (IndexedDB, SQL,
// in-memory, ...) must satisfy. Writes must appear atomic per call;
// BatchPut is atomic across its entries, all-or-nothing. Reads may
// precede any pending writes from the same process.
type Adapter interface {
	Initialize(ctx context.Context, name string) error
	Close(ctx context.Context) error

	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	BatchPut(ctx context.Context, entries []Entry) error
	GetAllKeys(ctx context.Context) ([]string, error)

	GetMeta(ctx context.Context, key string) ([]byte, bool, error)
	SetMeta(ctx context.Context, key string, value []byte) error

	AppendOpLog(ctx context.Context, entry oplog.Entry) (uint64, error)
	GetPendingOps(ctx context.Context) ([]oplog.Entry, error)
	MarkOpsSynced(ctx context.Context, lastID uint64) error
}
