// Package db provides the durable store of the offline layer: an embedded
// SQLite database holding the cache, offline_data and pending_sync partitions.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	apperrors "github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/errors"
	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "offline.db"

// DB wraps the sql.DB with offline-store configuration.
type DB struct {
	*sql.DB
}

// Open opens the SQLite database in dataDir.
// The database is opened with:
// - WAL mode for concurrent reads/writes
// - a single connection, which serializes writers
// - a busy timeout so a second process waits instead of failing
//
// Failures are reported as STORAGE_UNAVAILABLE.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to create data directory", err)
	}

	dbPath := filepath.Join(dataDir, FileName)

	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to open database", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, fmt.Sprintf("failed to apply %q", pragma), err)
		}
	}

	return &DB{db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
