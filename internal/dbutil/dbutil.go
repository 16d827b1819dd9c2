// Package dbutil centralizes the SQLite open/pragma conventions shared
// by every persistent store (RelayStore, ProcessQueue, ValidStore,
// PendingSerials, XreqStore), following the teacher's storage package:
// WAL journaling, a bounded busy timeout, and a single-writer connection
// pool since SQLite allows only one writer at a time.
package dbutil

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (creating if necessary) a WAL-mode SQLite database at
// dataDir/name, configured as a single-writer pool.
func Open(dataDir, name string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("dbutil: create data directory: %w", err)
	}

	path := filepath.Join(dataDir, name)
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("dbutil: open %s: %w", name, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbutil: ping %s: %w", name, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	return db, nil
}
