// Package seqalloc implements the disjoint, monotonic sequence-number
// spaces shared by the block/tx relay path and the exchange-request
// store. Ranges and the overflow rule are ported from the original's
// static g_seqnum table (ccnode/src/seqnum.{hpp,cpp}).
package seqalloc

import (
	"math"
	"sync/atomic"

	"github.com/credacash/ccnode/internal/fatal"
)

// Domain names the object class a sequence space belongs to.
type Domain int

const (
	Block Domain = iota
	Tx
	Xreq
	numDomains
)

// Kind distinguishes the two counters kept per domain: the order objects
// were validated in, versus the order they were relayed in.
type Kind int

const (
	Valid Kind = iota
	Relay
	numKinds
)

// exactBlockSeqnumMax matches the original's BLOCK_SEQNUM_MAX literal
// exactly: the upper bound of the block range, and the point immediately
// below where the tx range begins.
const exactBlockSeqnumMax int64 = -7000000000000000000

type counter struct {
	domain Domain
	kind   Kind
	next   atomic.Int64
	min    int64
	max    int64
}

// table mirrors g_seqnum[NSEQOBJ][NSEQTYPE] from seqnum.cpp: disjoint
// ranges per (domain, kind), identical for both kinds within a domain.
var table = [numDomains][numKinds]*counter{
	Block: {
		Valid: {domain: Block, kind: Valid, min: math.MinInt64 + 1, max: exactBlockSeqnumMax},
		Relay: {domain: Block, kind: Relay, min: math.MinInt64 + 1, max: exactBlockSeqnumMax},
	},
	Tx: {
		Valid: {domain: Tx, kind: Valid, min: exactBlockSeqnumMax + 1, max: -1},
		Relay: {domain: Tx, kind: Relay, min: exactBlockSeqnumMax + 1, max: -1},
	},
	Xreq: {
		Valid: {domain: Xreq, kind: Valid, min: 1, max: math.MaxInt64 - 1},
		Relay: {domain: Xreq, kind: Relay, min: 1, max: math.MaxInt64 - 1},
	},
}

func init() {
	for d := Domain(0); d < numDomains; d++ {
		for k := Kind(0); k < numKinds; k++ {
			c := table[d][k]
			c.next.Store(c.min)
		}
	}
}

// Next atomically returns the next sequence number for (domain, kind) and
// advances the counter. Crossing the domain's max records a fatal
// condition and returns 0, matching the original's overflow contract
// (seqnum 0 is otherwise reserved for the genesis block).
func Next(domain Domain, kind Kind) int64 {
	c := table[domain][kind]
	next := c.next.Add(1) - 1
	if next > c.max {
		fatal.Set("seqalloc: sequence counter overflow, server must be restarted")
		return 0
	}
	return next
}

// Peek returns the next value Next would hand out, without consuming it.
// Intended for diagnostics only.
func Peek(domain Domain, kind Kind) int64 {
	return table[domain][kind].next.Load()
}

// Bounds returns the static [min, max] range configured for (domain, kind).
func Bounds(domain Domain, kind Kind) (min, max int64) {
	c := table[domain][kind]
	return c.min, c.max
}

// GenesisSeqnum is the seqnum convention used when a block's oid is the
// all-zero id: instead of taking the next block-relay seqnum, it is
// rewritten to 0.
const GenesisSeqnum int64 = 0
