// Package localstore manages the SQLite database holding the local mirror of
// all remote collections plus the small key-value area used for auth state.
//
// Each collection is stored as one JSON-serialised record array in its own
// row, so a write replaces exactly one collection and two coordinators
// finishing at the same time cannot clobber each other's collections.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/iravin/reportsync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS collections (
    name       TEXT PRIMARY KEY,
    data       TEXT NOT NULL DEFAULT '[]',
    updated_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS kv (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL DEFAULT ''
);
`

// Store is the SQLite-backed local mirror.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the mirror database:
// ~/.local/share/reportsync/mirror.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "reportsync", "mirror.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating mirror directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the named collection, or nil when the collection has never
// been written.
func (s *Store) Get(ctx context.Context, name string) ([]model.Record, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM collections WHERE name = ?`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading collection %q: %w", name, err)
	}

	var records []model.Record
	if err := json.Unmarshal([]byte(data), &records); err != nil {
		return nil, fmt.Errorf("decoding collection %q: %w", name, err)
	}
	return records, nil
}

// Set replaces the named collection in one write. An empty slice is stored
// as an empty array, distinct from a never-written collection.
func (s *Store) Set(ctx context.Context, name string, records []model.Record) error {
	if records == nil {
		records = []model.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding collection %q: %w", name, err)
	}

	const q = `
		INSERT INTO collections (name, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, name, string(data), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("writing collection %q: %w", name, err)
	}
	return nil
}

// Add appends a record to the named collection, assigning a fresh local id
// when the record has none. The record's id field is updated in place.
func (s *Store) Add(ctx context.Context, name string, record model.Record) error {
	records, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if record.LocalID() == 0 {
		record.SetLocalID(model.MaxLocalID(records) + 1)
	}
	return s.Set(ctx, name, append(records, record))
}

// Update applies patch to the record with the given local id and returns the
// updated record, or (nil, nil) when no record matches.
func (s *Store) Update(ctx context.Context, name string, id int64, patch model.Record) (model.Record, error) {
	records, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	for i, r := range records {
		if r.LocalID() != id {
			continue
		}
		updated := r.Clone()
		for k, v := range patch {
			if k == "id" {
				continue // local ids are immutable
			}
			updated[k] = v
		}
		records[i] = updated
		if err := s.Set(ctx, name, records); err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, nil
}

// Delete removes the record with the given local id. Deleting a missing
// record is a no-op.
func (s *Store) Delete(ctx context.Context, name string, id int64) error {
	records, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	for i, r := range records {
		if r.LocalID() == id {
			return s.Set(ctx, name, append(records[:i], records[i+1:]...))
		}
	}
	return nil
}

// Collections returns the names of all collections that have been written.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning collection name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// UpdatedAt returns when the named collection was last written, or the zero
// time when it has never been written.
func (s *Store) UpdatedAt(ctx context.Context, name string) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT updated_at FROM collections WHERE name = ?`, name).Scan(&raw)
	if err == sql.ErrNoRows || (err == nil && raw == "") {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading updated_at for %q: %w", name, err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing updated_at for %q: %w", name, err)
	}
	return t, nil
}

// --- key-value area ----------------------------------------------------------

// GetValue returns the value stored under key, or "" when unset.
func (s *Store) GetValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading key %q: %w", key, err)
	}
	return value, nil
}

// SetValue stores value under key.
func (s *Store) SetValue(ctx context.Context, key, value string) error {
	const q = `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("writing key %q: %w", key, err)
	}
	return nil
}

// DeleteValues removes all listed keys in one transaction, so related state
// (token, user id, provider name) is cleared together or not at all.
func (s *Store) DeleteValues(ctx context.Context, keys ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting delete transaction: %w", err)
	}
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("deleting key %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing key deletes: %w", err)
	}
	return nil
}
