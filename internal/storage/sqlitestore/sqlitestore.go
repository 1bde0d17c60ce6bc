// Package sqlitestore is a concrete, pure-Go storage.Adapter
// implementation backed by modernc.org/sqlite: one *sql.DB in WAL mode
// with a busy timeout.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/synccore/synccore/internal/oplog"
	"github.com/synccore/synccore/internal/storage"
)

// Store implements storage.Adapter over a single sqlite database file.
type Store struct {
	db   *sql.DB
	name string
}

var _ storage.Adapter = (*Store)(nil)

// Open creates (or reuses) a sqlite database at path with the schema
// required by storage.Adapter. Initialize must still be called with the
// map name before use.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set busy timeout: %w", err)
	}
	return &Store{db: db}, nil
}

// Initialize creates the kv/meta/oplog tables for name (idempotent) and
// remembers name for subsequent calls.
func (s *Store) Initialize(ctx context.Context, name string) error {
	s.name = name
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value BLOB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value BLOB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS oplog (
			id INTEGER PRIMARY KEY,
			map_name TEXT NOT NULL,
			key TEXT NOT NULL,
			op TEXT NOT NULL,
			record_json TEXT,
			tags_json TEXT,
			synced INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlitestore: initialize %q: %w", name, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

// Get returns the raw value stored at key, or found=false if absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.getFrom(ctx, "kv", key)
}

// Put writes value at key, replacing any prior value. A single Put call
// is atomic.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("sqlitestore: put %q: %w", key, err)
	}
	return nil
}

// Remove deletes key, a no-op if absent.
func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlitestore: remove %q: %w", key, err)
	}
	return nil
}

// BatchPut writes every entry inside a single transaction,
// all-or-nothing.
func (s *Store) BatchPut(ctx context.Context, entries []storage.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: batch put: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("sqlitestore: batch put: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Key, e.Value); err != nil {
			return fmt.Errorf("sqlitestore: batch put %q: %w", e.Key, err)
		}
	}
	return tx.Commit()
}

// GetAllKeys returns every live key in kv.
func (s *Store) GetAllKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get all keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetMeta returns the raw value stored at key in the meta table.
func (s *Store) GetMeta(ctx context.Context, key string) ([]byte, bool, error) {
	return s.getFrom(ctx, "meta", key)
}

// SetMeta writes value at key in the meta table.
func (s *Store) SetMeta(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("sqlitestore: set meta %q: %w", key, err)
	}
	return nil
}

func (s *Store) getFrom(ctx context.Context, table, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, table), key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("sqlitestore: get %s %q: %w", table, key, err)
	}
	return value, true, nil
}

// AppendOpLog persists entry, assigning it sqlite's autoincrement rowid as
// the monotonic id.
func (s *Store) AppendOpLog(ctx context.Context, entry oplog.Entry) (uint64, error) {
	recordJSON, err := json.Marshal(entry.Record)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: marshal oplog record: %w", err)
	}
	tagsJSON, err := json.Marshal(entry.Tags)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: marshal oplog tags: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO oplog (map_name, key, op, record_json, tags_json, synced) VALUES (?, ?, ?, ?, ?, 0)`,
		entry.MapName, entry.Key, string(entry.Op), string(recordJSON), string(tagsJSON))
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: append oplog: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: append oplog: last insert id: %w", err)
	}
	return uint64(id), nil
}

// GetPendingOps returns every unsynced entry, ordered by id ascending.
func (s *Store) GetPendingOps(ctx context.Context) ([]oplog.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, map_name, key, op, record_json, tags_json, synced FROM oplog WHERE synced = 0 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get pending ops: %w", err)
	}
	defer rows.Close()

	var out []oplog.Entry
	for rows.Next() {
		var e oplog.Entry
		var op string
		var recordJSON, tagsJSON string
		var synced int
		if err := rows.Scan(&e.ID, &e.MapName, &e.Key, &op, &recordJSON, &tagsJSON, &synced); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan oplog row: %w", err)
		}
		e.Op = oplog.Op(op)
		e.Synced = synced != 0
		if recordJSON != "" && recordJSON != "null" {
			if err := json.Unmarshal([]byte(recordJSON), &e.Record); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal oplog record id=%d: %w", e.ID, err)
			}
		}
		if tagsJSON != "" && tagsJSON != "null" {
			if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal oplog tags id=%d: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkOpsSynced flips synced to true for every entry with id <= lastID.
func (s *Store) MarkOpsSynced(ctx context.Context, lastID uint64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE oplog SET synced = 1 WHERE id <= ?`, lastID); err != nil {
		return fmt.Errorf("sqlitestore: mark ops synced: %w", err)
	}
	return nil
}
