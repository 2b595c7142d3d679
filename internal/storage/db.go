// Package storage opens the single SQLite database shared by the State
// Store and Broadcast Store (§5: "backed by a single persistent local
// database"), using mattn/go-sqlite3 directly the way the teacher's
// bridgev2-independent packages (pkg/textfs, pkg/connector/memory_manager.go)
// layer their own tables over one *sql.DB/*dbutil.Database connection.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Open creates parent directories as needed and opens a WAL-mode SQLite
// database at path with foreign keys enabled.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single-writer WAL database does not benefit from more than one
	// open connection and sqlite3 serializes writes anyway.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
