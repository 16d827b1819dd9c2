// Package relay implements RelayStore: the persistent record of "peer P
// told us about object O" and the retry-across-peers policy built on
// top of it (spec §4.3). Grounded in the teacher's outbox/inbox
// lifecycle (internal/storage/message_queue.go) and per-peer CRUD
// (internal/storage/peers.go).
package relay

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/credacash/ccnode/internal/object"
	"github.com/credacash/ccnode/internal/seqalloc"
	"github.com/credacash/ccnode/pkg/logging"
)

// Status is a RelayObj's lifecycle state.
type Status int

const (
	Announced Status = iota
	Downloaded
)

// PeerStatus distinguishes a peer row that is still eligible for
// find_downloads from one already picked for an in-flight download.
type PeerStatus int

const (
	Ready PeerStatus = iota
	Started
)

// ErrDuplicate is returned (or rather, silently swallowed by the
// caller-visible no-op semantics of Insert) when the same (oid, peer)
// pair is inserted twice, per spec §4.3 and §7 ("Duplicate: silent
// no-op").
var ErrDuplicate = errors.New("relay: duplicate (oid, peer) insert")

// Per-batch budget constants from spec §4.9.
const (
	RelayQueryMaxNames      = 20
	RelayQueryMaxBlockNames = 10
	retryBackoffBase        = 5 * time.Second
	retryBackoffPerKB       = time.Second
	retryBudgetCap          = 15 * time.Second
)

// Params describes the object-specific fields carried alongside an
// (oid, peer) relay row, mirroring spec §3's RelayPeer tuple.
type Params struct {
	Size           int64
	Level          int64
	PriorOid       *object.OID
	IsWitnessBlock bool
}

// DownloadEntry is one row selected by FindDownloads.
type DownloadEntry struct {
	Oid      object.OID
	Tag      object.Tag
	Params   Params
	Seqnum   int64
	PeerID   string
}

// Store is the SQLite-backed RelayStore.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *logging.Logger
}

// New opens (creating if necessary) the RelayStore database under
// dataDir, per spec §6's "relay_objs" logical database.
func New(db *sql.DB, logger *logging.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS relay_objs (
		seqnum INTEGER PRIMARY KEY,
		oid BLOB UNIQUE NOT NULL,
		tag INTEGER NOT NULL,
		status INTEGER NOT NULL,
		announce_ticks INTEGER NOT NULL,
		retry_deadline_unix INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS relay_peers (
		seqnum INTEGER NOT NULL,
		peer_id TEXT NOT NULL,
		size INTEGER NOT NULL,
		level INTEGER NOT NULL,
		peer_status INTEGER NOT NULL,
		prior_oid BLOB,
		is_witness_block INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (seqnum, peer_id)
	);
	CREATE INDEX IF NOT EXISTS relay_peers_peer_idx ON relay_peers(peer_id, peer_status);
	`)
	if err != nil {
		return fmt.Errorf("relay: init schema: %w", err)
	}
	return nil
}

// Insert records that peer told us about oid. If oid is new it is
// assigned a relay seqnum from the block or tx range according to tag.
// If oid is already Downloaded the call is a no-op. Re-inserting the
// same (oid, peer) pair is a silent no-op.
func (s *Store) Insert(peer string, tag object.Tag, oid object.OID, p Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("relay: begin: %w", err)
	}
	defer tx.Rollback()

	if s.logger != nil {
		s.logger.Debugf("relay insert peer=%s oid=%s", peer, oid)
	}

	var seqnum int64
	var status int
	row := tx.QueryRow(`SELECT seqnum, status FROM relay_objs WHERE oid = ?`, oid[:])
	err = row.Scan(&seqnum, &status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		domain := seqalloc.Tx
		if tag.IsBlock() {
			domain = seqalloc.Block
		}
		seqnum = seqalloc.Next(domain, seqalloc.Relay)
		if oid.IsZero() {
			seqnum = seqalloc.GenesisSeqnum
		}
		if _, err := tx.Exec(`INSERT INTO relay_objs(seqnum, oid, tag, status, announce_ticks, retry_deadline_unix)
			VALUES (?, ?, ?, ?, 0, 0)`, seqnum, oid[:], int64(tag), int(Announced)); err != nil {
			return fmt.Errorf("relay: insert relay_objs: %w", err)
		}
	case err != nil:
		return fmt.Errorf("relay: select relay_objs: %w", err)
	default:
		if Status(status) == Downloaded {
			return nil // already downloaded: no-op
		}
	}

	var priorOid []byte
	if p.PriorOid != nil {
		priorOid = p.PriorOid[:]
	}
	res, err := tx.Exec(`INSERT OR IGNORE INTO relay_peers(seqnum, peer_id, size, level, peer_status, prior_oid, is_witness_block)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		seqnum, peer, p.Size, p.Level, int(Ready), priorOid, boolToInt(p.IsWitnessBlock))
	if err != nil {
		return fmt.Errorf("relay: insert relay_peers: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // duplicate (oid, peer): silent no-op
	}

	return tx.Commit()
}

// FindDownloads selects up to maxObjs rows peer advertised that are
// still Announced, with tx rows respecting level <= txLevelMax and whose
// retry deadline has elapsed, marks them Started, and bumps their retry
// deadline. All entries in one batch share the kind (block or tx) of the
// first selected row.
func (s *Store) FindDownloads(peer string, txLevelMax int64, maxObjs int, now time.Time) ([]DownloadEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxObjs <= 0 {
		maxObjs = RelayQueryMaxNames
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("relay: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT o.seqnum, o.oid, o.tag, p.size, p.level, p.prior_oid, p.is_witness_block
		FROM relay_peers p
		JOIN relay_objs o ON o.seqnum = p.seqnum
		WHERE p.peer_id = ? AND p.peer_status = ? AND o.status = ? AND o.retry_deadline_unix <= ?
		ORDER BY o.seqnum ASC`,
		peer, int(Ready), int(Announced), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("relay: select downloads: %w", err)
	}

	type candidate struct {
		seqnum   int64
		oid      object.OID
		tag      object.Tag
		size     int64
		level    int64
		priorOid []byte
		witness  bool
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var oidBuf, priorBuf []byte
		var tagInt int64
		var witnessInt int
		if err := rows.Scan(&c.seqnum, &oidBuf, &tagInt, &c.size, &c.level, &priorBuf, &witnessInt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("relay: scan: %w", err)
		}
		copy(c.oid[:], oidBuf)
		c.tag = object.Tag(tagInt)
		c.priorOid = priorBuf
		c.witness = witnessInt != 0
		if !c.tag.IsBlock() && c.level > txLevelMax {
			continue
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	gateIsBlock := candidates[0].tag.IsBlock()
	var totalSize int64
	var entries []DownloadEntry
	for _, c := range candidates {
		if c.tag.IsBlock() != gateIsBlock {
			continue
		}
		if len(entries) >= maxObjs {
			break
		}
		entries = append(entries, DownloadEntry{
			Oid:    c.oid,
			Tag:    c.tag,
			Seqnum: c.seqnum,
			PeerID: peer,
			Params: Params{Size: c.size, Level: c.level, IsWitnessBlock: c.witness},
		})
		totalSize += c.size
	}

	deadline := now.Add(retryDeadlineFor(totalSize))
	for _, e := range entries {
		if _, err := tx.Exec(`UPDATE relay_peers SET peer_status = ? WHERE seqnum = ? AND peer_id = ?`,
			int(Started), e.Seqnum, peer); err != nil {
			return nil, fmt.Errorf("relay: mark started: %w", err)
		}
		if _, err := tx.Exec(`UPDATE relay_objs SET retry_deadline_unix = ? WHERE seqnum = ?`,
			deadline.Unix(), e.Seqnum); err != nil {
			return nil, fmt.Errorf("relay: bump retry deadline: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("relay: commit: %w", err)
	}
	return entries, nil
}

// retryDeadlineFor computes "now + 5 + total_size/2000 seconds", capped
// at a 15-second per-batch budget, per spec §4.3/§4.9.
func retryDeadlineFor(totalSize int64) time.Duration {
	d := retryBackoffBase + time.Duration(totalSize/2000)*retryBackoffPerKB
	if d > retryBudgetCap {
		d = retryBudgetCap
	}
	return d
}

// SetStatus promotes oid to newStatus. Transitioning a tx to Downloaded
// deletes its per-peer rows (the object is fully known now); blocks
// retain their peer rows so a misbehaving peer cannot swamp the node at
// a level by repeatedly re-advertising.
func (s *Store) SetStatus(oid object.OID, tag object.Tag, newStatus Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("relay: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE relay_objs SET status = ? WHERE oid = ?`, int(newStatus), oid[:])
	if err != nil {
		return fmt.Errorf("relay: update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	if newStatus == Downloaded && !tag.IsBlock() {
		if _, err := tx.Exec(`DELETE FROM relay_peers WHERE seqnum = (SELECT seqnum FROM relay_objs WHERE oid = ?)`, oid[:]); err != nil {
			return fmt.Errorf("relay: delete peer rows: %w", err)
		}
	}

	return tx.Commit()
}

// DeletePeer drops all (seqnum, peer) rows for a disconnected peer.
func (s *Store) DeletePeer(peer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM relay_peers WHERE peer_id = ?`, peer)
	if err != nil {
		return fmt.Errorf("relay: delete peer: %w", err)
	}
	return nil
}

// DeleteSeqnum drops both the object row and all peer rows for seqnum.
func (s *Store) DeleteSeqnum(seqnum int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("relay: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM relay_peers WHERE seqnum = ?`, seqnum); err != nil {
		return fmt.Errorf("relay: delete peers: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM relay_objs WHERE seqnum = ?`, seqnum); err != nil {
		return fmt.Errorf("relay: delete obj: %w", err)
	}
	return tx.Commit()
}

// GetExpires returns the oldest relay_objs entry with seqnum in
// [minSeq, maxSeq], skipping lastReturnedSeq so a caller can drive a
// forward scan across repeated calls.
func (s *Store) GetExpires(minSeq, maxSeq, lastReturnedSeq int64) (seqnum int64, announceTicks int64, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT seqnum, announce_ticks FROM relay_objs
		WHERE seqnum BETWEEN ? AND ? AND seqnum != ?
		ORDER BY seqnum ASC LIMIT 1`, minSeq, maxSeq, lastReturnedSeq)
	err = row.Scan(&seqnum, &announceTicks)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("relay: get_expires: %w", err)
	}
	return seqnum, announceTicks, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
