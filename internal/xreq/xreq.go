// Package xreq implements XreqStore: the persistent exchange-request
// table with rate- and match-ordered indexes that the matcher walks
// (spec §4.10). Grounded in the teacher's storage.go schema/connection
// pattern and internal/storage/orders.go's order-book row shape,
// generalized from a single-asset order book to the cross-chain
// (base, quote, foreign) triple this spec requires. Operation names
// below (select_pair_base/quote, select_major, select_minor) follow the
// spirit, not the literal signatures, of original_source's
// dbconn-xreqs.cpp.
package xreq

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/credacash/ccnode/internal/chain"
	"github.com/credacash/ccnode/internal/object"
	"github.com/credacash/ccnode/internal/seqalloc"
)

// Xreq is the in-memory projection of one exchange-request row, per
// spec §3's field list.
type Xreq struct {
	Seqnum       int64
	LinkedSeqnum int64
	Oid          object.OID
	Xreqnum      int64 // 0 == pending, not yet promoted into an indelible block

	Type      int
	IsBuyer   bool
	BaseAsset string
	QuoteAsset string
	ForeignAsset string

	MinAmount  float64
	MaxAmount  float64
	OpenAmount float64

	NetRateRequired  float64
	WaitDiscount     float64
	OpenRateRequired float64

	BaseCosts  float64
	QuoteCosts float64

	ConsiderationRequired float64
	ConsiderationOffered  float64
	Pledge                float64
	AcceptTimeRequired    int64
	AcceptTimeOffered     int64
	PaymentTime           int64
	Confirmations         int
	HoldTime              int64
	HoldTimeRequired      int64
	MinWaitTime           int64

	Destination      string
	SigningPublicKey string
	ForeignAddress   string

	PendingMatchEpoch  int64
	PendingMatchOrder  int64
	PendingMatchAmount float64
	PendingMatchRate   float64
	PendingMatchHold   int64

	Canonical MatchingState
	Witness   MatchingState
}

// MatchingState is one of the two parallel per-pass tracking substates
// (canonical / as-seen-by-witness) a row carries.
type MatchingState struct {
	XreqnumW              int64
	BlockTimeW            int64
	MatchingAmount        float64
	MatchingRateRequired  float64
	Recalc                bool
	RecalcTime            int64
	LastMatched           int64
	BestAmount            float64
	BestRate              float64
	BestNetRate           float64
	BestOtherSeqnum       int64
	BestOtherXreqnum      int64
	BestOtherMatchingAmt  float64
	BestOtherNetRate      float64
}

// Store is the SQLite-backed XreqStore.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens the xreqs schema on db, including the two named composite
// indexes spec §4.10 requires.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS xreqs (
		seqnum INTEGER PRIMARY KEY,
		linked_seqnum INTEGER NOT NULL DEFAULT 0,
		oid BLOB NOT NULL,
		xreqnum INTEGER NOT NULL DEFAULT 0,

		type INTEGER NOT NULL,
		is_buyer INTEGER NOT NULL,
		base_asset TEXT NOT NULL,
		quote_asset TEXT NOT NULL,
		foreign_asset TEXT NOT NULL,

		min_amount REAL NOT NULL,
		max_amount REAL NOT NULL,
		open_amount REAL NOT NULL,

		net_rate_required REAL NOT NULL,
		wait_discount REAL NOT NULL DEFAULT 0,
		open_rate_required REAL NOT NULL,

		base_costs REAL NOT NULL DEFAULT 0,
		quote_costs REAL NOT NULL DEFAULT 0,

		consideration_required REAL NOT NULL DEFAULT 0,
		consideration_offered REAL NOT NULL DEFAULT 0,
		pledge REAL NOT NULL DEFAULT 0,
		accept_time_required INTEGER NOT NULL DEFAULT 0,
		accept_time_offered INTEGER NOT NULL DEFAULT 0,
		payment_time INTEGER NOT NULL DEFAULT 0,
		confirmations INTEGER NOT NULL DEFAULT 0,
		hold_time INTEGER NOT NULL DEFAULT 0,
		hold_time_required INTEGER NOT NULL DEFAULT 0,
		min_wait_time INTEGER NOT NULL DEFAULT 0,

		destination TEXT,
		signing_public_key TEXT,
		foreign_address TEXT,

		pending_match_epoch INTEGER NOT NULL DEFAULT 0,
		pending_match_order INTEGER NOT NULL DEFAULT 0,
		pending_match_amount REAL NOT NULL DEFAULT 0,
		pending_match_rate REAL NOT NULL DEFAULT 0,
		pending_match_hold INTEGER NOT NULL DEFAULT 0,

		c_xreqnum_w INTEGER NOT NULL DEFAULT 0,
		c_block_time_w INTEGER NOT NULL DEFAULT 0,
		c_matching_amount REAL NOT NULL DEFAULT 0,
		c_matching_rate_required REAL NOT NULL DEFAULT 0,
		c_recalc INTEGER NOT NULL DEFAULT 0,
		c_recalc_time INTEGER NOT NULL DEFAULT 0,
		c_last_matched INTEGER NOT NULL DEFAULT 0,
		c_best_amount REAL NOT NULL DEFAULT 0,
		c_best_rate REAL NOT NULL DEFAULT 0,
		c_best_net_rate REAL NOT NULL DEFAULT 0,
		c_best_other_seqnum INTEGER NOT NULL DEFAULT 0,
		c_best_other_xreqnum INTEGER NOT NULL DEFAULT 0,
		c_best_other_matching_amount REAL NOT NULL DEFAULT 0,
		c_best_other_net_rate REAL NOT NULL DEFAULT 0,

		w_xreqnum_w INTEGER NOT NULL DEFAULT 0,
		w_block_time_w INTEGER NOT NULL DEFAULT 0,
		w_matching_amount REAL NOT NULL DEFAULT 0,
		w_matching_rate_required REAL NOT NULL DEFAULT 0,
		w_recalc INTEGER NOT NULL DEFAULT 0,
		w_recalc_time INTEGER NOT NULL DEFAULT 0,
		w_last_matched INTEGER NOT NULL DEFAULT 0,
		w_best_amount REAL NOT NULL DEFAULT 0,
		w_best_rate REAL NOT NULL DEFAULT 0,
		w_best_net_rate REAL NOT NULL DEFAULT 0,
		w_best_other_seqnum INTEGER NOT NULL DEFAULT 0,
		w_best_other_xreqnum INTEGER NOT NULL DEFAULT 0,
		w_best_other_matching_amount REAL NOT NULL DEFAULT 0,
		w_best_other_net_rate REAL NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS xreqs_oid_idx ON xreqs(oid);
	CREATE INDEX IF NOT EXISTS Xreqs_OpenRateRequired_Index
		ON xreqs(base_asset, quote_asset, foreign_asset, is_buyer, open_rate_required, xreqnum, seqnum);
	CREATE INDEX IF NOT EXISTS Xreqs_PendingMatchRate_Index
		ON xreqs(base_asset, quote_asset, foreign_asset, is_buyer, pending_match_rate, xreqnum, seqnum);
	`); err != nil {
		return nil, fmt.Errorf("xreq: init schema: %w", err)
	}
	return s, nil
}

// Insert adds x. If an existing non-persistent (xreqnum == 0) row shares
// x.Oid, that row is deleted and x is inserted reusing its seqnum;
// otherwise a fresh seqnum is allocated from the Xreq domain.
// ErrUnsupportedForeignAsset is returned by Insert when a naked/simple
// cross-chain request names a foreign_asset symbol with no registered
// chain params (spec: a foreign leg must settle on a chain the node
// actually knows the derivation/address conventions for).
var ErrUnsupportedForeignAsset = errors.New("xreq: unsupported foreign asset")

func (s *Store) Insert(x *Xreq) error {
	if x.ForeignAsset != "" {
		if !chain.IsSupported(x.ForeignAsset) {
			return fmt.Errorf("%w: %s", ErrUnsupportedForeignAsset, x.ForeignAsset)
		}
		if x.ForeignAddress != "" {
			if err := chain.ValidateAddressAnyNetwork(x.ForeignAsset, x.ForeignAddress); err != nil {
				return fmt.Errorf("xreq: %w", err)
			}
		}
	}
	if x.SigningPublicKey != "" {
		if err := validateSigningPublicKey(x.SigningPublicKey); err != nil {
			return fmt.Errorf("xreq: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("xreq: begin: %w", err)
	}
	defer tx.Rollback()

	var existingSeqnum, existingXreqnum int64
	row := tx.QueryRow(`SELECT seqnum, xreqnum FROM xreqs WHERE oid = ?`, x.Oid[:])
	switch err := row.Scan(&existingSeqnum, &existingXreqnum); {
	case errors.Is(err, sql.ErrNoRows):
		x.Seqnum = seqalloc.Next(seqalloc.Xreq, seqalloc.Valid)
	case err != nil:
		return fmt.Errorf("xreq: select existing: %w", err)
	case existingXreqnum == 0:
		if _, err := tx.Exec(`DELETE FROM xreqs WHERE seqnum = ?`, existingSeqnum); err != nil {
			return fmt.Errorf("xreq: delete pending row: %w", err)
		}
		x.Seqnum = existingSeqnum
	default:
		return fmt.Errorf("xreq: oid already persistent at xreqnum %d", existingXreqnum)
	}

	if err := insertRow(tx, x); err != nil {
		return err
	}
	return tx.Commit()
}

func insertRow(tx *sql.Tx, x *Xreq) error {
	_, err := tx.Exec(`INSERT INTO xreqs (
		seqnum, linked_seqnum, oid, xreqnum, type, is_buyer, base_asset, quote_asset, foreign_asset,
		min_amount, max_amount, open_amount, net_rate_required, wait_discount, open_rate_required,
		base_costs, quote_costs, consideration_required, consideration_offered, pledge,
		accept_time_required, accept_time_offered, payment_time, confirmations, hold_time,
		hold_time_required, min_wait_time, destination, signing_public_key, foreign_address,
		pending_match_epoch, pending_match_order, pending_match_amount, pending_match_rate, pending_match_hold,
		c_xreqnum_w, c_block_time_w, c_matching_amount, c_matching_rate_required, c_recalc, c_recalc_time,
		c_last_matched, c_best_amount, c_best_rate, c_best_net_rate, c_best_other_seqnum, c_best_other_xreqnum,
		c_best_other_matching_amount, c_best_other_net_rate,
		w_xreqnum_w, w_block_time_w, w_matching_amount, w_matching_rate_required, w_recalc, w_recalc_time,
		w_last_matched, w_best_amount, w_best_rate, w_best_net_rate, w_best_other_seqnum, w_best_other_xreqnum,
		w_best_other_matching_amount, w_best_other_net_rate
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		x.Seqnum, x.LinkedSeqnum, x.Oid[:], x.Xreqnum, x.Type, boolToInt(x.IsBuyer), x.BaseAsset, x.QuoteAsset, x.ForeignAsset,
		x.MinAmount, x.MaxAmount, x.OpenAmount, x.NetRateRequired, x.WaitDiscount, x.OpenRateRequired,
		x.BaseCosts, x.QuoteCosts, x.ConsiderationRequired, x.ConsiderationOffered, x.Pledge,
		x.AcceptTimeRequired, x.AcceptTimeOffered, x.PaymentTime, x.Confirmations, x.HoldTime,
		x.HoldTimeRequired, x.MinWaitTime, x.Destination, x.SigningPublicKey, x.ForeignAddress,
		x.PendingMatchEpoch, x.PendingMatchOrder, x.PendingMatchAmount, x.PendingMatchRate, x.PendingMatchHold,
		x.Canonical.XreqnumW, x.Canonical.BlockTimeW, x.Canonical.MatchingAmount, x.Canonical.MatchingRateRequired,
		boolToInt(x.Canonical.Recalc), x.Canonical.RecalcTime, x.Canonical.LastMatched, x.Canonical.BestAmount,
		x.Canonical.BestRate, x.Canonical.BestNetRate, x.Canonical.BestOtherSeqnum, x.Canonical.BestOtherXreqnum,
		x.Canonical.BestOtherMatchingAmt, x.Canonical.BestOtherNetRate,
		x.Witness.XreqnumW, x.Witness.BlockTimeW, x.Witness.MatchingAmount, x.Witness.MatchingRateRequired,
		boolToInt(x.Witness.Recalc), x.Witness.RecalcTime, x.Witness.LastMatched, x.Witness.BestAmount,
		x.Witness.BestRate, x.Witness.BestNetRate, x.Witness.BestOtherSeqnum, x.Witness.BestOtherXreqnum,
		x.Witness.BestOtherMatchingAmt, x.Witness.BestOtherNetRate)
	if err != nil {
		return fmt.Errorf("xreq: insert row: %w", err)
	}
	return nil
}

// Pair identifies a (base, quote, foreign) triple the matcher walks.
type Pair struct {
	BaseAsset    string
	QuoteAsset   string
	ForeignAsset string
}

// SelectPairBase advances cursor through distinct (base, quote, foreign)
// triples ordered by base asset, for the matcher's outer walk.
func (s *Store) SelectPairBase(cursor *Pair) (Pair, bool, error) {
	return s.selectPair(cursor, "base_asset, quote_asset, foreign_asset")
}

// SelectPairQuote is SelectPairBase's quote-ordered counterpart.
func (s *Store) SelectPairQuote(cursor *Pair) (Pair, bool, error) {
	return s.selectPair(cursor, "quote_asset, base_asset, foreign_asset")
}

func (s *Store) selectPair(cursor *Pair, order string) (Pair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT DISTINCT base_asset, quote_asset, foreign_asset FROM xreqs
		ORDER BY %s`, order))
	if err != nil {
		return Pair{}, false, fmt.Errorf("xreq: select_pair: %w", err)
	}
	defer rows.Close()

	seen := false
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.BaseAsset, &p.QuoteAsset, &p.ForeignAsset); err != nil {
			return Pair{}, false, fmt.Errorf("xreq: scan pair: %w", err)
		}
		if !seen {
			if cursor == nil || *cursor == (Pair{}) {
				*cursor = p
				return p, true, nil
			}
			if p == *cursor {
				seen = true
			}
			continue
		}
		*cursor = p
		return p, true, nil
	}
	return Pair{}, false, rows.Err()
}

// SelectMajor returns the next buyer (isBuyer side) in strict
// (rate, xreqnum, seqnum) order for pair, after cursorSeqnum.
// forWitness selects the witness-visible rate/xreqnum columns instead
// of the canonical ones; off-witness rows require xreqnum != 0.
func (s *Store) SelectMajor(pair Pair, isBuyer bool, cursorSeqnum int64, forWitness bool) (*Xreq, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	xreqnumClause := ""
	if !forWitness {
		xreqnumClause = "AND xreqnum != 0"
	}
	query := fmt.Sprintf(`
		SELECT seqnum FROM xreqs
		WHERE base_asset = ? AND quote_asset = ? AND foreign_asset = ? AND is_buyer = ?
		AND seqnum > ? %s
		ORDER BY open_rate_required ASC, xreqnum ASC, seqnum ASC LIMIT 1`, xreqnumClause)
	var seqnum int64
	row := s.db.QueryRow(query, pair.BaseAsset, pair.QuoteAsset, pair.ForeignAsset, boolToInt(isBuyer), cursorSeqnum)
	if err := row.Scan(&seqnum); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreq: select_major: %w", err)
	}
	return s.getBySeqnum(seqnum)
}

// SelectMinor returns the next seller compatible with major, walking in
// rate order after cursorSeqnum; compatibility is the conjunction of
// the pairwise policy tests spec §4.10 names.
func (s *Store) SelectMinor(major *Xreq, cursorSeqnum int64, forWitness bool) (*Xreq, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	xreqnumClause := ""
	if !forWitness {
		xreqnumClause = "AND xreqnum != 0"
	}
	query := fmt.Sprintf(`
		SELECT seqnum FROM xreqs
		WHERE base_asset = ? AND quote_asset = ? AND foreign_asset = ? AND is_buyer = 0
		AND seqnum > ? %s
		ORDER BY open_rate_required ASC, xreqnum ASC, seqnum ASC`, xreqnumClause)
	rows, err := s.db.Query(query, major.BaseAsset, major.QuoteAsset, major.ForeignAsset, cursorSeqnum)
	if err != nil {
		return nil, fmt.Errorf("xreq: select_minor: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seqnum int64
		if err := rows.Scan(&seqnum); err != nil {
			return nil, fmt.Errorf("xreq: scan minor: %w", err)
		}
		minor, err := s.getBySeqnumLocked(seqnum)
		if err != nil {
			return nil, err
		}
		if compatible(major, minor) {
			return minor, nil
		}
	}
	return nil, rows.Err()
}

// compatible implements the pairwise policy conjunction spec §4.10
// names: consideration, pledge, accept-time, payment-time,
// confirmations, and min/max amount range checks.
func compatible(major, minor *Xreq) bool {
	if minor.OpenAmount < major.MinAmount || major.OpenAmount < minor.MinAmount {
		return false
	}
	if minor.ConsiderationOffered < major.ConsiderationRequired {
		return false
	}
	if major.ConsiderationOffered < minor.ConsiderationRequired {
		return false
	}
	if minor.Pledge < major.Pledge {
		return false
	}
	if minor.AcceptTimeOffered < major.AcceptTimeRequired {
		return false
	}
	if major.AcceptTimeOffered < minor.AcceptTimeRequired {
		return false
	}
	if minor.PaymentTime > major.PaymentTime {
		return false
	}
	if minor.Confirmations > major.Confirmations {
		return false
	}
	return true
}

func (s *Store) getBySeqnum(seqnum int64) (*Xreq, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getBySeqnumLocked(seqnum)
}

// BySeqnum returns the row at seqnum, for callers (RPC handlers,
// tests) that need a direct lookup outside the major/minor walk.
func (s *Store) BySeqnum(seqnum int64) (*Xreq, error) {
	return s.getBySeqnum(seqnum)
}

func (s *Store) getBySeqnumLocked(seqnum int64) (*Xreq, error) {
	var x Xreq
	var oidBuf []byte
	var isBuyerInt, cRecalcInt, wRecalcInt int
	row := s.db.QueryRow(`SELECT
		seqnum, linked_seqnum, oid, xreqnum, type, is_buyer, base_asset, quote_asset, foreign_asset,
		min_amount, max_amount, open_amount, net_rate_required, wait_discount, open_rate_required,
		base_costs, quote_costs, consideration_required, consideration_offered, pledge,
		accept_time_required, accept_time_offered, payment_time, confirmations, hold_time,
		hold_time_required, min_wait_time, destination, signing_public_key, foreign_address,
		pending_match_epoch, pending_match_order, pending_match_amount, pending_match_rate, pending_match_hold,
		c_xreqnum_w, c_block_time_w, c_matching_amount, c_matching_rate_required, c_recalc, c_recalc_time,
		c_last_matched, c_best_amount, c_best_rate, c_best_net_rate, c_best_other_seqnum, c_best_other_xreqnum,
		c_best_other_matching_amount, c_best_other_net_rate,
		w_xreqnum_w, w_block_time_w, w_matching_amount, w_matching_rate_required, w_recalc, w_recalc_time,
		w_last_matched, w_best_amount, w_best_rate, w_best_net_rate, w_best_other_seqnum, w_best_other_xreqnum,
		w_best_other_matching_amount, w_best_other_net_rate
		FROM xreqs WHERE seqnum = ?`, seqnum)
	if err := row.Scan(
		&x.Seqnum, &x.LinkedSeqnum, &oidBuf, &x.Xreqnum, &x.Type, &isBuyerInt, &x.BaseAsset, &x.QuoteAsset, &x.ForeignAsset,
		&x.MinAmount, &x.MaxAmount, &x.OpenAmount, &x.NetRateRequired, &x.WaitDiscount, &x.OpenRateRequired,
		&x.BaseCosts, &x.QuoteCosts, &x.ConsiderationRequired, &x.ConsiderationOffered, &x.Pledge,
		&x.AcceptTimeRequired, &x.AcceptTimeOffered, &x.PaymentTime, &x.Confirmations, &x.HoldTime,
		&x.HoldTimeRequired, &x.MinWaitTime, &x.Destination, &x.SigningPublicKey, &x.ForeignAddress,
		&x.PendingMatchEpoch, &x.PendingMatchOrder, &x.PendingMatchAmount, &x.PendingMatchRate, &x.PendingMatchHold,
		&x.Canonical.XreqnumW, &x.Canonical.BlockTimeW, &x.Canonical.MatchingAmount, &x.Canonical.MatchingRateRequired,
		&cRecalcInt, &x.Canonical.RecalcTime, &x.Canonical.LastMatched, &x.Canonical.BestAmount,
		&x.Canonical.BestRate, &x.Canonical.BestNetRate, &x.Canonical.BestOtherSeqnum, &x.Canonical.BestOtherXreqnum,
		&x.Canonical.BestOtherMatchingAmt, &x.Canonical.BestOtherNetRate,
		&x.Witness.XreqnumW, &x.Witness.BlockTimeW, &x.Witness.MatchingAmount, &x.Witness.MatchingRateRequired,
		&wRecalcInt, &x.Witness.RecalcTime, &x.Witness.LastMatched, &x.Witness.BestAmount,
		&x.Witness.BestRate, &x.Witness.BestNetRate, &x.Witness.BestOtherSeqnum, &x.Witness.BestOtherXreqnum,
		&x.Witness.BestOtherMatchingAmt, &x.Witness.BestOtherNetRate,
	); err != nil {
		return nil, fmt.Errorf("xreq: get: %w", err)
	}
	copy(x.Oid[:], oidBuf)
	x.IsBuyer = isBuyerInt != 0
	x.Canonical.Recalc = cRecalcInt != 0
	x.Witness.Recalc = wRecalcInt != 0
	return &x, nil
}

// Update replaces all mutable fields of the row at x.Seqnum.
func (s *Store) Update(x *Xreq) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM xreqs WHERE seqnum = ?`, x.Seqnum); err != nil {
		return fmt.Errorf("xreq: update delete: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("xreq: begin: %w", err)
	}
	defer tx.Rollback()
	if err := insertRow(tx, x); err != nil {
		return err
	}
	return tx.Commit()
}

// InitMatchingState reseeds the recalculation working state
// (matching_amount, matching_rate_required, recalc, recalc_time) from
// the row's public open_amount/open_rate_required and clears the
// best_* candidate-tracking fields, for every row, ahead of a matching
// pass. forWitness selects the witness-visible column set. Every pass
// reseeds every row rather than only the subset flagged dirty since the
// last pass; see DESIGN.md for why the incremental recalc-on-dirty
// optimization is out of scope here.
func (s *Store) InitMatchingState(forWitness bool, blockTime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := "c_"
	if forWitness {
		prefix = "w_"
	}
	query := fmt.Sprintf(`UPDATE xreqs SET
		%[1]smatching_amount = open_amount,
		%[1]smatching_rate_required = open_rate_required,
		%[1]srecalc = 1,
		%[1]srecalc_time = ?,
		%[1]sbest_amount = 0,
		%[1]sbest_rate = 0,
		%[1]sbest_net_rate = 0,
		%[1]sbest_other_seqnum = 0,
		%[1]sbest_other_xreqnum = 0,
		%[1]sbest_other_matching_amount = 0,
		%[1]sbest_other_net_rate = 0`, prefix)
	if _, err := s.db.Exec(query, blockTime); err != nil {
		return fmt.Errorf("xreq: init_matching_state: %w", err)
	}
	return nil
}

// ClearOldPendingMatches zeros pending_match_rate for every row whose
// pending_match_epoch differs from the current epoch and whose xreqnum
// is within [0, maxXreqnum] visibility.
func (s *Store) ClearOldPendingMatches(epoch int64, maxXreqnum int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE xreqs SET pending_match_rate = 0, pending_match_epoch = 0
		WHERE pending_match_epoch != ? AND xreqnum <= ?`, epoch, maxXreqnum)
	if err != nil {
		return fmt.Errorf("xreq: clear_old_pending_matches: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// validateSigningPublicKey confirms a hex-encoded signing_public_key is
// a well-formed point on secp256k1, the curve every supported foreign
// chain (Bitcoin-family and EVM alike) signs with. It does not verify
// any signature — the pipeline's validator owns that — only that the
// key naked buy/sell settlement will later be checked against decodes.
func validateSigningPublicKey(hexKey string) error {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return fmt.Errorf("decode signing_public_key: %w", err)
	}
	if _, err := btcec.ParsePubKey(raw); err != nil {
		return fmt.Errorf("parse signing_public_key: %w", err)
	}
	return nil
}
