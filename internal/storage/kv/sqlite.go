package kv

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`

	getSQL     = `SELECT value FROM kv WHERE key = ?`
	upsertSQL  = `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	deleteSQL  = `DELETE FROM kv WHERE key = ?`
	keysSQL    = `SELECT key FROM kv`
	usageSQL   = `SELECT COALESCE(SUM(LENGTH(CAST(key AS BLOB)) + LENGTH(CAST(value AS BLOB))), 0) FROM kv`
	othersSQL  = usageSQL + ` WHERE key <> ?`
	driverName = "sqlite"
)

// SQLiteBackend persists entries in a single SQLite table. Capacity is
// enforced inside the write transaction so concurrent writers cannot
// overshoot it.
type SQLiteBackend struct {
	db       *sql.DB
	capacity int64

	mu     sync.Mutex
	closed bool
}

// OpenSQLite opens (or creates) a database file and prepares the schema.
func OpenSQLite(path string, capacity int64) (*SQLiteBackend, error) {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// single writer; avoids SQLITE_BUSY under concurrent Set
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	b, err := NewSQLiteBackend(db, capacity)
	if err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// NewSQLiteBackend wraps an existing handle. A capacity of zero means
// unlimited.
func NewSQLiteBackend(db *sql.DB, capacity int64) (*SQLiteBackend, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("create kv table: %w", err)
	}
	return &SQLiteBackend{db: db, capacity: capacity}, nil
}

func (s *SQLiteBackend) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Get implements Backend.
func (s *SQLiteBackend) Get(key string) (string, bool, error) {
	if err := s.check(); err != nil {
		return "", false, err
	}
	var v string
	err := s.db.QueryRow(getSQL, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return v, true, nil
}

// Set implements Backend.
func (s *SQLiteBackend) Set(key, value string) error {
	if err := s.check(); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if s.capacity > 0 {
		var others int64
		if err := tx.QueryRow(othersSQL, key).Scan(&others); err != nil {
			return fmt.Errorf("measure usage: %w", err)
		}
		size := EntrySize(key, value)
		if others+size > s.capacity {
			return &QuotaError{Key: key, Requested: size, Used: others, Capacity: s.capacity}
		}
	}

	if _, err := tx.Exec(upsertSQL, key, value); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %q: %w", key, err)
	}
	return nil
}

// Remove implements Backend.
func (s *SQLiteBackend) Remove(key string) error {
	if err := s.check(); err != nil {
		return err
	}
	if _, err := s.db.Exec(deleteSQL, key); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

// Keys implements Backend.
func (s *SQLiteBackend) Keys() ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(keysSQL)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
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
	return keys, rows.Err()
}

// Usage implements UsageReporter.
func (s *SQLiteBackend) Usage() (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	var used int64
	if err := s.db.QueryRow(usageSQL).Scan(&used); err != nil {
		return 0, fmt.Errorf("measure usage: %w", err)
	}
	return used, nil
}

// EstimateCapacity implements CapacityEstimator.
func (s *SQLiteBackend) EstimateCapacity() (int64, error) {
	return s.capacity, nil
}

// Close releases the database handle.
func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}
