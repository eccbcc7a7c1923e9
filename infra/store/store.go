// Package store persists consumed records in sqlite.
//
// Rows are keyed by the SHA-256 of the payload, so the at-least-once
// duplicates the bridge may produce collapse into one row.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS wikimedia_data (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	content_hash  TEXT    NOT NULL UNIQUE,
	wiki_event_data TEXT  NOT NULL,
	persisted_at  INTEGER NOT NULL
);`

// Store is a sqlite-backed sink.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sink store: %w", err)
	}
	// sqlite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sink store pragma: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sink store schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Persist stores payload. It reports false when an identical payload was
// already stored.
func (s *Store) Persist(ctx context.Context, payload []byte) (bool, error) {
	sum := sha256.Sum256(payload)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO wikimedia_data (content_hash, wiki_event_data, persisted_at)
		 VALUES (?, ?, ?) ON CONFLICT(content_hash) DO NOTHING`,
		hex.EncodeToString(sum[:]), string(payload), s.now().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("persist: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("persist: %w", err)
	}
	return n == 1, nil
}

// Count returns the number of stored rows.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wikimedia_data`).Scan(&n)
	return n, err
}

// Payloads returns stored payloads in insertion order.
func (s *Store) Payloads(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT wiki_event_data FROM wikimedia_data ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
