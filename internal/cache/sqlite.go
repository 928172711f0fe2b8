package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
	hashed_subject TEXT PRIMARY KEY,
	namespace      TEXT NOT NULL,
	payload        TEXT NOT NULL,
	encrypted      INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_namespace ON cache_entries(namespace);
`

// SQLiteStore is a durable single-node backend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("cache: sqlite store needs a path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("cache: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("cache: set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("cache: create schema: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", SchemaVersion); err != nil {
			return fmt.Errorf("cache: record schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("cache: read schema version: %w", err)
	case version != SchemaVersion:
		return fmt.Errorf("cache: database has schema version %d, want %d", version, SchemaVersion)
	}
	return nil
}

func (s *SQLiteStore) Entries(ctx context.Context, namespace string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT hashed_subject, payload, encrypted, created_at FROM cache_entries WHERE namespace = ?",
		namespace)
	if err != nil {
		return nil, fmt.Errorf("cache: query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			encrypted int
			created   int64
		)
		if err := rows.Scan(&e.HashedSubject, &e.Payload, &encrypted, &created); err != nil {
			return nil, fmt.Errorf("cache: scan entry: %w", err)
		}
		e.Encrypted = encrypted != 0
		e.CreatedAt = time.Unix(0, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Append(ctx context.Context, namespace string, e Entry) error {
	encrypted := 0
	if e.Encrypted {
		encrypted = 1
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO cache_entries (hashed_subject, namespace, payload, encrypted, created_at) VALUES (?, ?, ?, ?, ?)",
		e.HashedSubject, namespace, e.Payload, encrypted, e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("cache: insert entry: %w", err)
	}
	return nil
}

// removeBatch keeps each DELETE under SQLite's bound-parameter limit.
const removeBatch = 500

func (s *SQLiteStore) Remove(ctx context.Context, namespace string, hashedSubjects ...string) error {
	if len(hashedSubjects) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: begin delete: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(hashedSubjects); start += removeBatch {
		batch := hashedSubjects[start:min(start+removeBatch, len(hashedSubjects))]
		args := make([]any, 0, len(batch)+1)
		args = append(args, namespace)
		for _, h := range batch {
			args = append(args, h)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")

		_, err := tx.ExecContext(ctx,
			"DELETE FROM cache_entries WHERE namespace = ? AND hashed_subject IN ("+placeholders+")",
			args...)
		if err != nil {
			return fmt.Errorf("cache: delete entries: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: commit delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
