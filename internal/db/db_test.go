// Package db tests for database connection management.
package db

import (
	"os"
	"path/filepath"
	"testing"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	// Verify database file was created
	dbPath := filepath.Join(tmpDir, FileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if db.Path != dbPath {
		t.Errorf("Path = %q, want %q", db.Path, dbPath)
	}

	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Errorf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Errorf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fkEnabled)
	}
}

// TestOpen_schemaApplied verifies the offline cache tables exist after Open.
func TestOpen_schemaApplied(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() failed: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"cases", "messages", "sync_markers", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

// TestOpen_reopen verifies migrations are not re-applied on an existing file.
func TestOpen_reopen(t *testing.T) {
	tmpDir := t.TempDir()

	first, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	if _, err := first.Exec(`INSERT INTO sync_markers (participant_id, last_sync_time) VALUES ('p1', 1)`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	first.Close()

	second, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer second.Close()

	var count int
	if err := second.QueryRow("SELECT COUNT(*) FROM sync_markers").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("sync_markers rows = %d, want 1", count)
	}
}

// TestOpen_invalidDataDir verifies error when data directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	invalidPath := "/dev/null/invalid_path/that/cannot/be/created"

	if _, err := Open(invalidPath); err == nil {
		t.Error("Open() with invalid path should return error")
	}
}

// TestSizeBytes verifies the page based size estimate.
func TestSizeBytes(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() failed: %v", err)
	}
	defer db.Close()

	size, err := db.SizeBytes()
	if err != nil {
		t.Fatalf("SizeBytes() failed: %v", err)
	}
	if size <= 0 {
		t.Errorf("SizeBytes() = %d, want > 0", size)
	}
}
