// Package pendingserials implements PendingSerials, the per-block
// double-spend detector (spec §4.6): a TempSerial row binds a serial
// number to the in-flight block reference that first spent it, so a
// competing fork claiming the same serial can be detected while
// walking candidate ancestors. Grounded in the teacher's storage.go
// connection pattern; table shape follows spec §3's TempSerial model.
package pendingserials

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// ErrConflict is returned by Insert when (serial, blockRef) already
// exists for a different block reference than the one given — i.e. the
// same serial was already claimed within this block's ancestry.
var ErrConflict = errors.New("pendingserials: serial already claimed at this block reference")

// Store is the SQLite-backed PendingSerials table.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens the temp_serials schema on db.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS temp_serials (
		serial BLOB NOT NULL,
		block_ref INTEGER NOT NULL,
		level INTEGER NOT NULL,
		PRIMARY KEY (serial, block_ref)
	);
	CREATE INDEX IF NOT EXISTS temp_serials_serial_idx ON temp_serials(serial, block_ref);
	CREATE INDEX IF NOT EXISTS temp_serials_level_idx ON temp_serials(level);
	`); err != nil {
		return nil, fmt.Errorf("pendingserials: init schema: %w", err)
	}
	return s, nil
}

// Insert claims serial at blockRef and level. It is idempotent for the
// identical (serial, blockRef) pair — re-asserting the same claim is a
// no-op, not a conflict — but Insert never fails merely because other
// (serial, otherBlockRef) rows exist; detecting those is Select's job.
func (s *Store) Insert(serial []byte, blockRef int64, level int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR IGNORE INTO temp_serials(serial, block_ref, level) VALUES (?, ?, ?)`,
		serial, blockRef, level)
	if err != nil {
		return fmt.Errorf("pendingserials: insert: %w", err)
	}
	return nil
}

// Select returns all block refs that have claimed serial, ordered
// ascending, starting strictly after lastBlockRef. Passing the minimum
// int64 for lastBlockRef returns the full claim set, used to walk
// candidate forks for a double-spend check.
func (s *Store) Select(serial []byte, lastBlockRef int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT block_ref FROM temp_serials WHERE serial = ? AND block_ref > ? ORDER BY block_ref ASC`,
		serial, lastBlockRef)
	if err != nil {
		return nil, fmt.Errorf("pendingserials: select: %w", err)
	}
	defer rows.Close()

	var refs []int64
	for rows.Next() {
		var ref int64
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("pendingserials: scan: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Update rewrites every Level-0 row at oldRef to newRef/level — used
// when a temporary block reference is promoted to its indelible one.
func (s *Store) Update(oldRef, newRef int64, level int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE temp_serials SET block_ref = ?, level = ? WHERE block_ref = ? AND level = 0`,
		newRef, level, oldRef); err != nil {
		return fmt.Errorf("pendingserials: update: %w", err)
	}
	return nil
}

// PruneLevel deletes rows whose level is strictly below the watermark.
func (s *Store) PruneLevel(below int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM temp_serials WHERE level < ?`, below); err != nil {
		return fmt.Errorf("pendingserials: prune_level: %w", err)
	}
	return nil
}
