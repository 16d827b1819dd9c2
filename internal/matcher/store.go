package matcher

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/credacash/ccnode/internal/object"
)

// XmatchStore persists confirmed Xmatch records (spec §3's Xmatch
// type): the durable counterpart to the pending_match_* bookkeeping
// RunPass carries on Xreq itself, and the backing store for the RPC
// match-history query surface. Grounded in the teacher's storage.go
// table/connection pattern.
type XmatchStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewXmatchStore opens the xmatches schema on db.
func NewXmatchStore(db *sql.DB) (*XmatchStore, error) {
	s := &XmatchStore{db: db}
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS xmatches (
		match_number INTEGER PRIMARY KEY AUTOINCREMENT,
		type INTEGER NOT NULL,
		status TEXT NOT NULL,
		base_amount REAL NOT NULL,
		rate REAL NOT NULL,
		buy_req INTEGER NOT NULL,
		sell_req INTEGER NOT NULL,
		buy_req_oid BLOB NOT NULL,
		sell_req_oid BLOB NOT NULL,
		next_deadline INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS xmatches_buy_oid_idx ON xmatches(buy_req_oid);
	CREATE INDEX IF NOT EXISTS xmatches_sell_oid_idx ON xmatches(sell_req_oid);
	`); err != nil {
		return nil, fmt.Errorf("matcher: init xmatches schema: %w", err)
	}
	return s, nil
}

// Insert persists x, assigning its MatchNumber from the table's
// autoincrement key, and returns the stored record.
func (s *XmatchStore) Insert(x Xmatch) (Xmatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`INSERT INTO xmatches(type, status, base_amount, rate, buy_req, sell_req, buy_req_oid, sell_req_oid, next_deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		x.Type, x.Status, x.BaseAmount, x.Rate, x.BuyReq, x.SellReq, x.BuyOid[:], x.SellOid[:], x.NextDeadline)
	if err != nil {
		return Xmatch{}, fmt.Errorf("matcher: insert xmatch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Xmatch{}, fmt.Errorf("matcher: xmatch last insert id: %w", err)
	}
	x.MatchNumber = id
	return x, nil
}

// ByOid returns every Xmatch naming oid as either the buy or sell
// request, newest first, for the RPC match-history query surface.
func (s *XmatchStore) ByOid(oid object.OID) ([]Xmatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT match_number, type, status, base_amount, rate, buy_req, sell_req, buy_req_oid, sell_req_oid, next_deadline
		FROM xmatches WHERE buy_req_oid = ? OR sell_req_oid = ? ORDER BY match_number DESC`, oid[:], oid[:])
	if err != nil {
		return nil, fmt.Errorf("matcher: select xmatch by oid: %w", err)
	}
	defer rows.Close()

	var out []Xmatch
	for rows.Next() {
		var x Xmatch
		var buyBuf, sellBuf []byte
		if err := rows.Scan(&x.MatchNumber, &x.Type, &x.Status, &x.BaseAmount, &x.Rate, &x.BuyReq, &x.SellReq, &buyBuf, &sellBuf, &x.NextDeadline); err != nil {
			return nil, fmt.Errorf("matcher: scan xmatch: %w", err)
		}
		copy(x.BuyOid[:], buyBuf)
		copy(x.SellOid[:], sellBuf)
		out = append(out, x)
	}
	return out, rows.Err()
}
