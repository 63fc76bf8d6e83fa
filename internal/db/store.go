package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/errors"
)

// Partition names one of the independent key spaces of the store.
type Partition string

const (
	PartitionCache       Partition = "cache"
	PartitionOfflineData Partition = "offline_data"
	PartitionPendingSync Partition = "pending_sync"
)

// Partitions lists every partition in schema order.
var Partitions = []Partition{PartitionCache, PartitionOfflineData, PartitionPendingSync}

// Valid reports whether p is a known partition.
func (p Partition) Valid() bool {
	switch p {
	case PartitionCache, PartitionOfflineData, PartitionPendingSync:
		return true
	}
	return false
}

// Record is a stored value together with its key.
type Record struct {
	Key       string
	Value     []byte
	UpdatedAt int64 // ms since epoch
}

// Store is the persistence contract shared by the SQLite store and the
// in-memory fallback. Values are opaque JSON documents.
//
// Implementations are safe for concurrent use; writes to the same key are
// serialized so a completed Put is always visible to a later Get.
type Store interface {
	// Put inserts or overwrites the value stored under key. An overwrite
	// keeps the key's original position in GetAll order.
	Put(ctx context.Context, p Partition, key string, value []byte) error
	// Get returns the value for key; found is false for a missing key.
	Get(ctx context.Context, p Partition, key string) (value []byte, found bool, err error)
	// GetAll returns every record of the partition in insertion order.
	GetAll(ctx context.Context, p Partition) ([]Record, error)
	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, p Partition, key string) error
	// Clear removes every record of the partition.
	Clear(ctx context.Context, p Partition) error
	Close() error
}

func invalidPartition(p Partition) error {
	return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown partition %q", p))
}

func unavailable(op string, p Partition, err error) error {
	return apperrors.Wrap(apperrors.ErrStorageUnavailable, fmt.Sprintf("%s %s", op, p), err)
}

// SQLStore implements Store on the SQLite database.
type SQLStore struct {
	db *DB

	// Prepared statements are created on first use and reused.
	stmtCache sync.Map // map[string]*sql.Stmt

	closeOnce sync.Once
	closeErr  error
}

// OpenStore opens (or creates) the database in dataDir and brings its schema
// up to date. Calling it again on the same directory re-uses the existing
// data. Any failure is STORAGE_UNAVAILABLE; callers are expected to fall back
// to NewMemoryStore.
func OpenStore(dataDir string) (*SQLStore, error) {
	database, err := Open(dataDir)
	if err != nil {
		return nil, err
	}

	migrator := NewMigrator(database.DB, Migrations())
	if err := migrator.Initialize(); err != nil {
		database.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to initialize migrations",
			apperrors.Wrap(apperrors.ErrMigration, "schema_migrations", err))
	}
	if err := migrator.Up(); err != nil {
		database.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to migrate schema",
			apperrors.Wrap(apperrors.ErrMigration, "up", err))
	}

	return NewSQLStore(database), nil
}

// NewSQLStore wraps an already migrated database.
func NewSQLStore(database *DB) *SQLStore {
	return &SQLStore{db: database}
}

// prepare gets or creates a prepared statement from cache.
func (s *SQLStore) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// another goroutine may have won the race; keep theirs
	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Put implements Store.
func (s *SQLStore) Put(ctx context.Context, p Partition, key string, value []byte) error {
	if !p.Valid() {
		return invalidPartition(p)
	}
	query := fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, p)
	stmt, err := s.prepare(ctx, query)
	if err != nil {
		return unavailable("put", p, err)
	}
	if _, err := stmt.ExecContext(ctx, key, value, time.Now().UnixMilli()); err != nil {
		return unavailable("put", p, err)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, p Partition, key string) ([]byte, bool, error) {
	if !p.Valid() {
		return nil, false, invalidPartition(p)
	}
	stmt, err := s.prepare(ctx, fmt.Sprintf("SELECT value FROM %s WHERE key = ?", p))
	if err != nil {
		return nil, false, unavailable("get", p, err)
	}

	var value []byte
	err = stmt.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", p, err)
	}
	return value, true, nil
}

// GetAll implements Store.
func (s *SQLStore) GetAll(ctx context.Context, p Partition) ([]Record, error) {
	if !p.Valid() {
		return nil, invalidPartition(p)
	}
	stmt, err := s.prepare(ctx, fmt.Sprintf("SELECT key, value, updated_at FROM %s ORDER BY seq", p))
	if err != nil {
		return nil, unavailable("get all", p, err)
	}

	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, unavailable("get all", p, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Value, &r.UpdatedAt); err != nil {
			return nil, unavailable("get all", p, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("get all", p, err)
	}
	return records, nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, p Partition, key string) error {
	if !p.Valid() {
		return invalidPartition(p)
	}
	stmt, err := s.prepare(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", p))
	if err != nil {
		return unavailable("delete", p, err)
	}
	if _, err := stmt.ExecContext(ctx, key); err != nil {
		return unavailable("delete", p, err)
	}
	return nil
}

// Clear implements Store.
func (s *SQLStore) Clear(ctx context.Context, p Partition) error {
	if !p.Valid() {
		return invalidPartition(p)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", p)); err != nil {
		return unavailable("clear", p, err)
	}
	return nil
}

// Close closes all cached prepared statements and the database.
func (s *SQLStore) Close() error {
	s.closeOnce.Do(func() {
		s.stmtCache.Range(func(key, value interface{}) bool {
			if err := value.(*sql.Stmt).Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
			return true
		})
		if err := s.db.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}
