// Package matcher implements Matcher: the two-pass (canonical/witness)
// walk over XreqStore's (base, quote, foreign) pairs that produces
// matched (buyer, seller) pairs, with two-phase pending-match
// visibility (spec §4.11). Grounded in original_source's
// dbconn-xreqs.cpp MatchingSelectMajor/Minor/Match walk (followed in
// spirit, not transliterated) and internal/unifloat for every rounding
// decision that affects the outcome.
package matcher

import (
	"fmt"

	"github.com/credacash/ccnode/internal/object"
	"github.com/credacash/ccnode/internal/unifloat"
	"github.com/credacash/ccnode/internal/xreq"
)

// Xmatch is one materialized match record, per spec §3.
type Xmatch struct {
	MatchNumber  int64
	Type         int
	Status       string
	BaseAmount   float64
	Rate         float64
	BuyReq       int64 // buyer Xreq seqnum
	SellReq      int64 // seller Xreq seqnum
	BuyOid       object.OID
	SellOid      object.OID
	NextDeadline int64
}

// PendingMatch is a not-yet-materialized candidate recorded on both
// participants' pending_match_* fields.
type PendingMatch struct {
	Epoch   int64
	BuyReq  int64
	SellReq int64
	Amount  float64
	Rate    float64
}

// Matcher runs matching passes over an XreqStore.
type Matcher struct {
	store      *xreq.Store
	xmatches   *XmatchStore // nil: confirmed matches are returned but not persisted
	nextMatchN int64
}

// New constructs a Matcher over store. xmatches may be nil, in which
// case confirmed matches are still computed and returned from RunPass
// but are not durably recorded anywhere a later RPC query could find
// them.
func New(store *xreq.Store, xmatches *XmatchStore) *Matcher {
	return &Matcher{store: store, xmatches: xmatches}
}

// RunPass performs one matching pass (spec §4.11's four steps):
// init recalculation state, walk pairs/majors/minors, compute and
// round candidate match amounts via UniFloat, and promote any pending
// match whose epoch has now been confirmed twice into an Xmatch.
// forWitness selects the witness-visible column set.
func (m *Matcher) RunPass(epoch int64, blockTime int64, maxXreqnum int64, forWitness bool) ([]Xmatch, []PendingMatch, error) {
	if err := m.store.InitMatchingState(forWitness, blockTime); err != nil {
		return nil, nil, fmt.Errorf("matcher: init: %w", err)
	}

	var confirmed []Xmatch
	var pending []PendingMatch

	var pairCursor xreq.Pair
	for {
		pair, ok, err := m.store.SelectPairBase(&pairCursor)
		if err != nil {
			return nil, nil, fmt.Errorf("matcher: select_pair_base: %w", err)
		}
		if !ok {
			break
		}

		pairConfirmed, pairPending, err := m.matchPair(pair, epoch, forWitness)
		if err != nil {
			return nil, nil, err
		}
		confirmed = append(confirmed, pairConfirmed...)
		pending = append(pending, pairPending...)
	}

	// Rows whose pending match did not recur identically this pass are
	// now stale; drop their pending_match_* visibility.
	if err := m.store.ClearOldPendingMatches(epoch, maxXreqnum); err != nil {
		return nil, nil, fmt.Errorf("matcher: clear_old_pending_matches: %w", err)
	}

	return confirmed, pending, nil
}

// stateFor returns the canonical or witness MatchingState substate of
// x, per forWitness.
func stateFor(x *xreq.Xreq, forWitness bool) *xreq.MatchingState {
	if forWitness {
		return &x.Witness
	}
	return &x.Canonical
}

func (m *Matcher) matchPair(pair xreq.Pair, epoch int64, forWitness bool) ([]Xmatch, []PendingMatch, error) {
	var confirmed []Xmatch
	var pending []PendingMatch

	var majorCursor int64
	for {
		major, err := m.store.SelectMajor(pair, true, majorCursor, forWitness)
		if err != nil {
			return nil, nil, fmt.Errorf("matcher: select_major: %w", err)
		}
		if major == nil {
			break
		}
		majorCursor = major.Seqnum
		majorState := stateFor(major, forWitness)

		var minorCursor int64
		for {
			minor, err := m.store.SelectMinor(major, minorCursor, forWitness)
			if err != nil {
				return nil, nil, fmt.Errorf("matcher: select_minor: %w", err)
			}
			if minor == nil {
				break
			}
			minorCursor = minor.Seqnum
			minorState := stateFor(minor, forWitness)

			match, ok := tryMatch(majorState, minorState, major.MinAmount, minor.MinAmount)
			if !ok {
				continue
			}

			// Record the best candidate counterpart found this pass for
			// both sides, regardless of whether it is promoted below.
			majorState.BestAmount = match.Amount
			majorState.BestRate = match.Rate
			majorState.BestNetRate = minor.NetRateRequired
			majorState.BestOtherSeqnum = minor.Seqnum
			majorState.BestOtherXreqnum = minor.Xreqnum
			majorState.BestOtherMatchingAmt = minorState.MatchingAmount
			majorState.BestOtherNetRate = minor.NetRateRequired

			minorState.BestAmount = match.Amount
			minorState.BestRate = match.Rate
			minorState.BestNetRate = major.NetRateRequired
			minorState.BestOtherSeqnum = major.Seqnum
			minorState.BestOtherXreqnum = major.Xreqnum
			minorState.BestOtherMatchingAmt = majorState.MatchingAmount
			minorState.BestOtherNetRate = major.NetRateRequired

			if major.PendingMatchEpoch != 0 && major.PendingMatchEpoch == epoch-1 && major.PendingMatchOrder == minor.Seqnum {
				// This pair was pending last round and has recurred
				// identically: promote to a confirmed Xmatch.
				xm := Xmatch{
					BaseAmount: match.Amount,
					Rate:       match.Rate,
					BuyReq:     major.Seqnum,
					SellReq:    minor.Seqnum,
					BuyOid:     major.Oid,
					SellOid:    minor.Oid,
				}
				if m.xmatches != nil {
					stored, err := m.xmatches.Insert(xm)
					if err != nil {
						return nil, nil, fmt.Errorf("matcher: persist xmatch: %w", err)
					}
					xm = stored
				} else {
					m.nextMatchN++
					xm.MatchNumber = m.nextMatchN
				}
				confirmed = append(confirmed, xm)

				major.OpenAmount -= match.Amount
				minor.OpenAmount -= match.Amount
				majorState.MatchingAmount -= match.Amount
				minorState.MatchingAmount -= match.Amount
				majorState.LastMatched = epoch
				minorState.LastMatched = epoch
				major.PendingMatchEpoch = 0
				minor.PendingMatchEpoch = 0
				if err := m.store.Update(major); err != nil {
					return nil, nil, fmt.Errorf("matcher: update major: %w", err)
				}
				if err := m.store.Update(minor); err != nil {
					return nil, nil, fmt.Errorf("matcher: update minor: %w", err)
				}
			} else {
				pm := PendingMatch{Epoch: epoch, BuyReq: major.Seqnum, SellReq: minor.Seqnum, Amount: match.Amount, Rate: match.Rate}
				pending = append(pending, pm)

				major.PendingMatchEpoch = epoch
				major.PendingMatchOrder = minor.Seqnum
				major.PendingMatchAmount = match.Amount
				major.PendingMatchRate = match.Rate
				if err := m.store.Update(major); err != nil {
					return nil, nil, fmt.Errorf("matcher: update major pending: %w", err)
				}

				minor.PendingMatchEpoch = epoch
				minor.PendingMatchOrder = major.Seqnum
				minor.PendingMatchAmount = match.Amount
				minor.PendingMatchRate = match.Rate
				if err := m.store.Update(minor); err != nil {
					return nil, nil, fmt.Errorf("matcher: update minor pending: %w", err)
				}
			}
			break // one match per major per pass; continue to the next major
		}
	}

	return confirmed, pending, nil
}

type candidateMatch struct {
	Amount float64
	Rate   float64
}

// tryMatch computes the best feasible match amount and net rate for
// (major, minor) via UniFloat, retrying with an incremented rounding
// bias up to unifloat.MaxRoundingRetries times if the initial rounding
// leaves the match outside either side's feasible range. It reads and
// is bounded by the pair's recalc-seeded MatchingAmount/
// MatchingRateRequired rather than the raw OpenAmount/OpenRateRequired
// book fields, per the Init step InitMatchingState seeds at the start
// of every pass.
func tryMatch(major, minor *xreq.MatchingState, majorMin, minorMin float64) (candidateMatch, bool) {
	amount := minOf(major.MatchingAmount, minor.MatchingAmount)
	if amount <= 0 {
		return candidateMatch{}, false
	}

	for attempt := 0; attempt <= unifloat.MaxRoundingRetries; attempt++ {
		rate := unifloat.Average(major.MatchingRateRequired, minor.MatchingRateRequired, unifloat.RoundNearest)
		rounded := unifloat.RoundValue(amount, unifloat.RoundDown)
		if rounded <= 0 {
			amount = biasAmount(amount, attempt)
			continue
		}
		if rounded < majorMin || rounded < minorMin {
			amount = biasAmount(amount, attempt)
			continue
		}
		if !unifloat.CheckLE(minor.MatchingRateRequired, rate) || !unifloat.CheckLE(rate, major.MatchingRateRequired) {
			amount = biasAmount(amount, attempt)
			continue
		}
		return candidateMatch{Amount: rounded, Rate: rate}, true
	}
	return candidateMatch{}, false
}

func biasAmount(amount float64, attempt int) float64 {
	return unifloat.Add(amount, -float64(attempt+1), unifloat.RoundDown, false)
}

func minOf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
