package relayfsm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/credacash/ccnode/internal/dbutil"
	"github.com/credacash/ccnode/internal/object"
	"github.com/credacash/ccnode/internal/refbuf"
	"github.com/credacash/ccnode/internal/relay"
	"github.com/credacash/ccnode/internal/validstore"
)

func newTestFSM(t *testing.T) (*FSM, *relay.Store, *validstore.Store) {
	t.Helper()
	dir, err := os.MkdirTemp("", "relayfsm-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := dbutil.Open(dir, filepath.Base(dir)+".db")
	if err != nil {
		t.Fatalf("dbutil.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	rs, err := relay.New(db, nil)
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	vs, err := validstore.New(db)
	if err != nil {
		t.Fatalf("validstore.New: %v", err)
	}
	return New(rs, vs, nil), rs, vs
}

func testOid(b byte) object.OID {
	var o object.OID
	o[0] = b
	return o
}

func TestAdvertiseSendsNewEntries(t *testing.T) {
	fsm, _, vs := newTestFSM(t)
	oid := testOid(1)
	h := refbuf.Alloc(8)
	if err := vs.Insert(h, object.TagTx, oid, nil, 1, 10, false); err != nil {
		t.Fatalf("valid insert: %v", err)
	}

	peer := &PeerState{PeerID: "peerA", NextSeq: -1 << 62}
	var sent []byte
	send := func(p string, msg []byte) error {
		sent = msg
		return nil
	}
	if err := fsm.Advertise(peer, 1<<20, send); err != nil {
		t.Fatalf("Advertise: %v", err)
	}
	if len(sent) == 0 {
		t.Fatalf("expected advertise to send a non-empty batch")
	}
}

func TestOnHaveBatchInsertsIntoRelayStore(t *testing.T) {
	fsm, rs, _ := newTestFSM(t)
	oid := testOid(2)

	if err := fsm.OnHaveBatch("peerA", []HaveAdvert{{Oid: oid, Tag: object.TagTx, Size: 10, Level: 1}}); err != nil {
		t.Fatalf("OnHaveBatch: %v", err)
	}
	entries, err := rs.FindDownloads("peerA", 10, 20, time.Now())
	if err != nil {
		t.Fatalf("FindDownloads: %v", err)
	}
	if len(entries) != 1 || entries[0].Oid != oid {
		t.Fatalf("FindDownloads = %+v", entries)
	}
}

func TestOnObjectReceivedMarksDownloaded(t *testing.T) {
	fsm, rs, vs := newTestFSM(t)
	oid := testOid(3)
	h := refbuf.Alloc(8)

	if err := fsm.OnHaveBatch("peerA", []HaveAdvert{{Oid: oid, Tag: object.TagTx, Size: 10, Level: 1}}); err != nil {
		t.Fatalf("OnHaveBatch: %v", err)
	}
	if err := fsm.OnObjectReceived(h, object.TagTx, oid, nil, 1, 10, false); err != nil {
		t.Fatalf("OnObjectReceived: %v", err)
	}

	if _, ok := vs.Get(oid); !ok {
		t.Fatalf("expected object present in ValidStore after OnObjectReceived")
	}
	entries, err := rs.FindDownloads("peerA", 10, 20, time.Now())
	if err != nil {
		t.Fatalf("FindDownloads: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no further download candidates once Downloaded, got %+v", entries)
	}
}
