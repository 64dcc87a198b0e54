// Package store provides the browser-local persistence primitives of the
// portal client: a sqlite-backed namespaced key-value store and a
// cookie-file store. The session manager persists its record in both so a
// partially cleared environment can be detected on restore.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// KVStore persists namespaced string keys in SQLite.
type KVStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// NewKVStore opens (or creates) the local store under dataPath.
func NewKVStore(dataPath string) (*KVStore, error) {
	dataPath = filepath.Clean(dataPath)
	if strings.TrimSpace(dataPath) == "" {
		return nil, fmt.Errorf("dataPath is required")
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("create local store dir: %w", err)
	}

	dbPath := filepath.Join(dataPath, "portal_local.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &KVStore{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *KVStore) initSchema() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("local store not initialized")
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	CREATE INDEX IF NOT EXISTS idx_kv_namespace ON kv(namespace);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init local store schema: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *KVStore) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
}

// Get returns the value for (namespace, key). The second return is false
// when the key is absent.
func (s *KVStore) Get(namespace, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, fmt.Errorf("local store not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	row := s.db.QueryRow(`SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("load key %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

// Set writes one key.
func (s *KVStore) Set(namespace, key, value string) error {
	return s.SetMany(namespace, map[string]string{key: value})
}

// SetMany writes all entries in one transaction so the namespace is never
// observed half-written.
func (s *KVStore) SetMany(namespace string, entries map[string]string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("local store not configured")
	}
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin kv tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Unix()
	for key, value := range entries {
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO kv (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)`,
			namespace, key, value, now,
		); err != nil {
			return fmt.Errorf("put key %s/%s: %w", namespace, key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit kv tx: %w", err)
	}
	return nil
}

// Delete removes one key; missing keys are not an error.
func (s *KVStore) Delete(namespace, key string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("local store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("delete key %s/%s: %w", namespace, key, err)
	}
	return nil
}

// ClearNamespace removes every key under the namespace.
func (s *KVStore) ClearNamespace(namespace string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("local store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM kv WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("clear namespace %s: %w", namespace, err)
	}
	return nil
}

// List returns every entry under the namespace.
func (s *KVStore) List(namespace string) (map[string]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("local store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT key, value FROM kv WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list namespace %s: %w", namespace, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan namespace %s: %w", namespace, err)
		}
		out[key] = value
	}
	return out, rows.Err()
}
