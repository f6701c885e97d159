// Package store implements the durable local store shared by tetherd
// components.
//
// The store is a namespaced key-value table on SQLite. Each component
// owns one logical namespace and is the sole writer to it; the store
// itself enforces no cross-namespace coordination beyond SQLite's own
// transactional guarantees. Values survive process restarts and are
// used to rehydrate component state on startup.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Component namespaces. One writer per namespace.
const (
	NamespaceQueue  = "queue"
	NamespaceNotify = "notify"
	NamespaceProxy  = "proxy"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    namespace   TEXT NOT NULL,
    key         TEXT NOT NULL,
    value       BLOB NOT NULL,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (namespace, key)
);
`

// Store is the SQLite-backed durable store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
// busyTimeoutMs bounds how long SQLite waits on a locked database; a
// non-positive value falls back to 5000.
func Open(path string, busyTimeoutMs int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 5000
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put writes value under (namespace, key), replacing any previous value.
func (s *Store) Put(namespace, key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO kv (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)`,
		namespace, key, value, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Get retrieves the value under (namespace, key). A missing key yields
// (nil, nil).
func (s *Store) Get(namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`
		SELECT value FROM kv WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Delete removes the value under (namespace, key). Deleting a missing
// key is not an error.
func (s *Store) Delete(namespace, key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Keys lists the keys in a namespace, ordered lexicographically.
func (s *Store) Keys(namespace string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv WHERE namespace = ? ORDER BY key ASC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list keys in %s: %w", namespace, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// Purge removes every entry in a namespace and returns how many were
// deleted.
func (s *Store) Purge(namespace string) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM kv WHERE namespace = ?`, namespace)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", namespace, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}
