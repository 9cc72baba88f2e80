// Package db provides SQLite connection management for the local record store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "medcord.db"

// DB wraps the sql.DB with medcord-specific configuration.
type DB struct {
	*sql.DB
	Path string
}

// Open opens the on-device SQLite database in dataDir and applies pending
// schema migrations. The database is opened with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
// - A single connection, since SQLite doesn't support multiple writers
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)
	return open(dbPath, dbPath)
}

// OpenMemory opens a private in-memory database with the schema applied.
func OpenMemory() (*DB, error) {
	return open(":memory:", ":memory:")
}

func open(dsn, path string) (*DB, error) {
	// Open database with modernc.org/sqlite (pure Go, no CGO)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	source, err := Migrations()
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	m := NewMigrator(sqlDB, source)
	if err := m.Initialize(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &DB{DB: sqlDB, Path: path}, nil
}

// SizeBytes returns the database size as page_count * page_size.
func (db *DB) SizeBytes() (int64, error) {
	var pages, pageSize int64
	if err := db.QueryRow("PRAGMA page_count").Scan(&pages); err != nil {
		return 0, err
	}
	if err := db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, err
	}
	return pages * pageSize, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
