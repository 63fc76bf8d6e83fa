// Package db tests for database connection management.
package db

import (
	"path/filepath"
	"testing"

	apperrors "github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/errors"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := filepath.Glob(filepath.Join(tmpDir, FileName)); err != nil {
		t.Errorf("Database file was not created: %v", err)
	}

	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Fatalf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}
}

// TestOpen_invalidDataDir verifies STORAGE_UNAVAILABLE when the directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	_, err := Open("/dev/null/invalid_path/that/cannot/be/created")
	if err == nil {
		t.Fatal("Open() with invalid path should return error")
	}
	if !apperrors.Is(err, apperrors.ErrStorageUnavailable) {
		t.Errorf("error code = %s, want STORAGE_UNAVAILABLE", apperrors.CodeOf(err))
	}
}

// TestOpenStore_idempotent verifies reopening keeps data and does not re-run migrations.
func TestOpenStore_idempotent(t *testing.T) {
	tmpDir := t.TempDir()

	s1, err := OpenStore(tmpDir)
	if err != nil {
		t.Fatalf("first OpenStore() failed: %v", err)
	}
	if err := s1.Put(t.Context(), PartitionOfflineData, "appState", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s2, err := OpenStore(tmpDir)
	if err != nil {
		t.Fatalf("second OpenStore() failed: %v", err)
	}
	defer s2.Close()

	value, found, err := s2.Get(t.Context(), PartitionOfflineData, "appState")
	if err != nil || !found {
		t.Fatalf("Get() = found %v, err %v", found, err)
	}
	if string(value) != `{"v":1}` {
		t.Errorf("value = %s, want {\"v\":1}", value)
	}

	var versions int
	if err := s2.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if versions != 1 {
		t.Errorf("schema_migrations rows = %d, want 1", versions)
	}
}

// TestSQLStore_closeIdempotent verifies Close can be called twice.
func TestSQLStore_closeIdempotent(t *testing.T) {
	s, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}

	if _, _, err := s.Get(t.Context(), PartitionCache, "k"); !apperrors.Is(err, apperrors.ErrStorageUnavailable) {
		t.Errorf("Get() after Close() error = %v, want STORAGE_UNAVAILABLE", err)
	}
}
