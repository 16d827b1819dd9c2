package matcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/credacash/ccnode/internal/dbutil"
	"github.com/credacash/ccnode/internal/object"
	"github.com/credacash/ccnode/internal/xreq"
)

func newTestStore(t *testing.T) *xreq.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "matcher-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := dbutil.Open(dir, filepath.Base(dir)+".db")
	if err != nil {
		t.Fatalf("dbutil.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := xreq.New(db)
	if err != nil {
		t.Fatalf("xreq.New: %v", err)
	}
	return s
}

func testOid(b byte) object.OID {
	var o object.OID
	o[0] = b
	return o
}

func newXreq(oid object.OID, isBuyer bool, amount, rate float64) *xreq.Xreq {
	return &xreq.Xreq{
		Oid:              oid,
		Xreqnum:          1,
		IsBuyer:          isBuyer,
		BaseAsset:        "BTC",
		QuoteAsset:       "USD",
		ForeignAsset:     "BTC",
		MinAmount:        1,
		MaxAmount:        amount,
		OpenAmount:       amount,
		OpenRateRequired: rate,
	}
}

// TestPendingCycleConfirmsOnSecondPass follows the scenario in spec
// §8's testable properties: a buy request and two competing sell
// requests, where the better-rate seller should be selected and the
// pending match should be promoted to a confirmed Xmatch on the
// second identical pass.
func TestPendingCycleConfirmsOnSecondPass(t *testing.T) {
	store := newTestStore(t)
	buy := newXreq(testOid(1), true, 10, 1.0)
	sellBetter := newXreq(testOid(2), false, 10, 0.98)
	sellWorse := newXreq(testOid(3), false, 10, 0.99)

	for _, x := range []*xreq.Xreq{buy, sellBetter, sellWorse} {
		if err := store.Insert(x); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	m := New(store, nil)

	confirmed1, pending1, err := m.RunPass(1, 0, 1<<62, false)
	if err != nil {
		t.Fatalf("pass 1: %v", err)
	}
	if len(confirmed1) != 0 {
		t.Fatalf("pass 1: expected no confirmed matches yet, got %+v", confirmed1)
	}
	if len(pending1) != 1 {
		t.Fatalf("pass 1: expected exactly one pending match, got %+v", pending1)
	}
	if pending1[0].SellReq != sellBetter.Seqnum {
		t.Fatalf("pass 1: expected the better-rate seller %d to be selected, got seller %d", sellBetter.Seqnum, pending1[0].SellReq)
	}

	confirmed2, _, err := m.RunPass(2, 0, 1<<62, false)
	if err != nil {
		t.Fatalf("pass 2: %v", err)
	}
	if len(confirmed2) != 1 {
		t.Fatalf("pass 2: expected the pending match to be confirmed, got %+v", confirmed2)
	}
	if confirmed2[0].SellReq != sellBetter.Seqnum || confirmed2[0].SellOid != sellBetter.Oid {
		t.Fatalf("pass 2: expected the confirmed match to name the better-rate seller %d/%x, got %+v", sellBetter.Seqnum, sellBetter.Oid, confirmed2[0])
	}
	if confirmed2[0].BuyReq != buy.Seqnum || confirmed2[0].BuyOid != buy.Oid {
		t.Fatalf("pass 2: expected the confirmed match to name the buyer %d/%x, got %+v", buy.Seqnum, buy.Oid, confirmed2[0])
	}

	updatedBuy, err := store.BySeqnum(buy.Seqnum)
	if err != nil {
		t.Fatalf("reselect buy: %v", err)
	}
	if updatedBuy.OpenAmount != 0 {
		t.Fatalf("expected buy's open_amount to reach 0 after confirmation, got %+v", updatedBuy)
	}

	updatedSeller, err := store.BySeqnum(sellBetter.Seqnum)
	if err != nil {
		t.Fatalf("reselect seller: %v", err)
	}
	if updatedSeller.OpenAmount != 0 {
		t.Fatalf("expected the matched seller's open_amount to reach 0 after confirmation, got %+v", updatedSeller)
	}
}

func TestRunPassWithNoXreqsProducesNothing(t *testing.T) {
	store := newTestStore(t)
	m := New(store, nil)
	confirmed, pending, err := m.RunPass(1, 0, 1<<62, false)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if len(confirmed) != 0 || len(pending) != 0 {
		t.Fatalf("expected no matches on an empty store, got confirmed=%v pending=%v", confirmed, pending)
	}
}
