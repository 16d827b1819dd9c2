// Package validstore implements ValidStore: the content-addressed cache
// of validated objects, indexed by oid and by monotonic seqnum (spec
// §4.5). Grounded in the teacher's storage.go connection/schema pattern,
// combined with internal/refbuf for the handle it holds one strong
// reference to per row.
package validstore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/credacash/ccnode/internal/object"
	"github.com/credacash/ccnode/internal/refbuf"
	"github.com/credacash/ccnode/internal/seqalloc"
)

// HaveEntry is one CC_MSG_HAVE_* advertisement entry produced by
// FindNew: (oid, tag, [prior_oid], level, size, [witness]).
type HaveEntry struct {
	Oid      object.OID
	Tag      object.Tag
	PriorOid *object.OID
	Level    int64
	Size     int64
	Witness  bool
}

// Store is the SQLite-backed ValidStore.
type Store struct {
	db      *sql.DB
	mu      sync.Mutex
	buffers map[object.OID]refbuf.Handle
}

// New opens the ValidStore schema on db.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, buffers: make(map[object.OID]refbuf.Handle)}
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS valid_objs (
		seqnum INTEGER PRIMARY KEY,
		oid BLOB UNIQUE NOT NULL,
		tag INTEGER NOT NULL,
		prior_oid BLOB,
		level INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL,
		is_witness_block INTEGER NOT NULL DEFAULT 0,
		announce_ticks INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS valid_objs_oid_idx ON valid_objs(oid);
	`); err != nil {
		return nil, fmt.Errorf("validstore: init schema: %w", err)
	}
	return s, nil
}

// Insert assigns a seqnum from the appropriate SeqAlloc range (negative
// for blocks, positive for txs; the genesis block gets 0 if its oid is
// the all-zero id) and stores handle. A duplicate oid is a silent no-op.
func (s *Store) Insert(handle refbuf.Handle, tag object.Tag, oid object.OID, priorOid *object.OID, level, size int64, isWitness bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing int64
	row := s.db.QueryRow(`SELECT seqnum FROM valid_objs WHERE oid = ?`, oid[:])
	if err := row.Scan(&existing); err == nil {
		return nil // duplicate: object already known
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("validstore: select existing: %w", err)
	}

	domain := seqalloc.Tx
	if tag.IsBlock() {
		domain = seqalloc.Block
	}
	seqnum := seqalloc.Next(domain, seqalloc.Valid)
	if oid.IsZero() {
		seqnum = seqalloc.GenesisSeqnum
	}

	var priorBuf []byte
	if priorOid != nil {
		priorBuf = priorOid[:]
	}
	if _, err := s.db.Exec(`INSERT INTO valid_objs(seqnum, oid, tag, prior_oid, level, size, is_witness_block, announce_ticks)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		seqnum, oid[:], int64(tag), priorBuf, level, size, boolToInt(isWitness)); err != nil {
		return fmt.Errorf("validstore: insert: %w", err)
	}

	s.buffers[oid] = handle.Clone()
	return nil
}

// Get returns the handle for oid. If orGreater is true and oid is not
// found exactly, no fallback lookup is performed here (the original's
// "or_greater" variant is seqnum-keyed; see GetBySeqnum).
func (s *Store) Get(oid object.OID) (refbuf.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.buffers[oid]
	return h, ok
}

// GetBySeqnum looks up a row by seqnum. If orGreater is set and no exact
// row exists, the smallest seqnum strictly greater is returned instead.
func (s *Store) GetBySeqnum(seqnum int64, orGreater bool) (refbuf.Handle, object.OID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT oid FROM valid_objs WHERE seqnum = ?`
	args := []any{seqnum}
	if orGreater {
		query = `SELECT oid FROM valid_objs WHERE seqnum >= ? ORDER BY seqnum ASC LIMIT 1`
	}

	var oidBuf []byte
	row := s.db.QueryRow(query, args...)
	if err := row.Scan(&oidBuf); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return refbuf.Handle{}, object.OID{}, false, nil
		}
		return refbuf.Handle{}, object.OID{}, false, fmt.Errorf("validstore: get_by_seqnum: %w", err)
	}
	var oid object.OID
	copy(oid[:], oidBuf)
	return s.buffers[oid], oid, true, nil
}

// FindNew sweeps forward from nextSeqnum (inclusive), producing up to
// maxBytes of CC_MSG_HAVE_* entries. It decrements nextSeqnum by one on
// a truncated entry so the caller picks it up again on the next pass —
// but, per the Open Question recorded in DESIGN.md, never writes a
// partially-emitted entry's bytes anywhere observable: the returned
// slice only ever contains whole entries.
func (s *Store) FindNew(nextSeqnum *int64, maxBytes int) ([]HaveEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT seqnum, oid, tag, prior_oid, level, size, is_witness_block
		FROM valid_objs WHERE seqnum >= ? ORDER BY seqnum ASC`, *nextSeqnum)
	if err != nil {
		return nil, fmt.Errorf("validstore: find_new: %w", err)
	}
	defer rows.Close()

	var entries []HaveEntry
	var used int
	var lastSeqnum int64
	haveAny := false

	for rows.Next() {
		var seqnum, level, size, tagInt int64
		var oidBuf, priorBuf []byte
		var witnessInt int
		if err := rows.Scan(&seqnum, &oidBuf, &tagInt, &priorBuf, &level, &size, &witnessInt); err != nil {
			return nil, fmt.Errorf("validstore: scan: %w", err)
		}

		entrySize := entryWireSize(priorBuf != nil)
		if used+entrySize > maxBytes && haveAny {
			break // truncate: caller replays from lastSeqnum+1 next time
		}

		var e HaveEntry
		copy(e.Oid[:], oidBuf)
		e.Tag = object.Tag(tagInt)
		if priorBuf != nil {
			var p object.OID
			copy(p[:], priorBuf)
			e.PriorOid = &p
		}
		e.Level = level
		e.Size = size
		e.Witness = witnessInt != 0

		entries = append(entries, e)
		used += entrySize
		lastSeqnum = seqnum
		haveAny = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if haveAny {
		*nextSeqnum = lastSeqnum + 1
	}
	return entries, nil
}

func entryWireSize(hasPrior bool) int {
	const base = 16 + 8 + 8 // oid + level + size
	if hasPrior {
		return base + 16
	}
	return base
}

// DeleteObj drops the row for oid and releases the store's reference.
func (s *Store) DeleteObj(oid object.OID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM valid_objs WHERE oid = ?`, oid[:]); err != nil {
		return fmt.Errorf("validstore: delete: %w", err)
	}
	if h, ok := s.buffers[oid]; ok {
		refbuf.Drop(h)
		delete(s.buffers, oid)
	}
	return nil
}

// DeleteBySeqnum drops the row at seqnum, if any.
func (s *Store) DeleteBySeqnum(seqnum int64) error {
	s.mu.Lock()
	var oidBuf []byte
	row := s.db.QueryRow(`SELECT oid FROM valid_objs WHERE seqnum = ?`, seqnum)
	err := row.Scan(&oidBuf)
	s.mu.Unlock()
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("validstore: delete_by_seqnum select: %w", err)
	}
	var oid object.OID
	copy(oid[:], oidBuf)
	return s.DeleteObj(oid)
}

// GetExpires returns the oldest row with seqnum in [minSeq, maxSeq]
// whose announce_ticks precede cutoff, for the RelayFSM advertise sweep.
func (s *Store) GetExpires(minSeq, maxSeq int64, cutoff time.Time) (seqnum int64, handle refbuf.Handle, oid object.OID, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oidBuf []byte
	row := s.db.QueryRow(`
		SELECT seqnum, oid FROM valid_objs
		WHERE seqnum BETWEEN ? AND ? AND announce_ticks <= ?
		ORDER BY seqnum ASC LIMIT 1`, minSeq, maxSeq, cutoff.Unix())
	err = row.Scan(&seqnum, &oidBuf)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, refbuf.Handle{}, object.OID{}, false, nil
	}
	if err != nil {
		return 0, refbuf.Handle{}, object.OID{}, false, fmt.Errorf("validstore: get_expires: %w", err)
	}
	copy(oid[:], oidBuf)
	return seqnum, s.buffers[oid], oid, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
