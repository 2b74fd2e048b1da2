// Package store implements the abstract key-value/transactional persistence
// layer (spec §6, §9 "Storage abstraction"): list/get/set/delete/replace_all
// over named buckets, backed by a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Bucket names for the three libraries spec §1/§6 call out.
const (
	BucketSequences     = "sequences"
	BucketTriggerScripts = "trigger_scripts"
	BucketDeviceAliases  = "device_aliases"
)

// Store is an abstract key-value store backed by SQLite. Every bucket is a
// logical namespace within one `kv` table so replace_all can run as a
// single transaction per bucket without cross-bucket interference.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (bucket, key)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// List returns every key in bucket.
func (s *Store) List(ctx context.Context, bucket string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv WHERE bucket = ? ORDER BY key`, bucket)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", bucket, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("store: list %s: %w", bucket, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Get returns the raw JSON value for key in bucket, and whether it exists.
func (s *Store) Get(ctx context.Context, bucket, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE bucket = ? AND key = ?`, bucket, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get %s/%s: %w", bucket, key, err)
	}
	return value, true, nil
}

// Set upserts key's raw JSON value in bucket.
func (s *Store) Set(ctx context.Context, bucket, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (bucket, key, value) VALUES (?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value
	`, bucket, key, value)
	if err != nil {
		return fmt.Errorf("store: set %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete removes key from bucket. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Entry is one key/value pair for ReplaceAll.
type Entry struct {
	Key   string
	Value string
}

// ReplaceAll atomically replaces every entry in bucket with entries, in a
// single transaction (spec §6: "replace_all is atomic (all-or-nothing)").
func (s *Store) ReplaceAll(ctx context.Context, bucket string, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: replace_all %s: begin: %w", bucket, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE bucket = ?`, bucket); err != nil {
		return fmt.Errorf("store: replace_all %s: clear: %w", bucket, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO kv (bucket, key, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: replace_all %s: prepare: %w", bucket, err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, bucket, e.Key, e.Value); err != nil {
			return fmt.Errorf("store: replace_all %s: insert %s: %w", bucket, e.Key, err)
		}
	}
	return tx.Commit()
}
