package validstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/credacash/ccnode/internal/dbutil"
	"github.com/credacash/ccnode/internal/object"
	"github.com/credacash/ccnode/internal/refbuf"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "validstore-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := dbutil.Open(dir, filepath.Base(dir)+".db")
	if err != nil {
		t.Fatalf("dbutil.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func testOid(b byte) object.OID {
	var o object.OID
	o[0] = b
	return o
}

func TestInsertAssignsSeqnumAndGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	oid := testOid(1)
	h := refbuf.Alloc(8)

	if err := s.Insert(h, object.TagTx, oid, nil, 3, 64, false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, ok := s.Get(oid)
	if !ok {
		t.Fatalf("Get: not found")
	}
	if !got.IsValid() {
		t.Fatalf("Get: handle invalid")
	}
}

func TestInsertDuplicateIsNoOp(t *testing.T) {
	s := newTestStore(t)
	oid := testOid(2)
	h := refbuf.Alloc(8)

	if err := s.Insert(h, object.TagTx, oid, nil, 1, 10, false); err != nil {
		t.Fatalf("Insert 1: %v", err)
	}
	if err := s.Insert(h, object.TagTx, oid, nil, 1, 10, false); err != nil {
		t.Fatalf("Insert 2 (duplicate) should be a no-op: %v", err)
	}
}

func TestFindNewOrdersBySeqnumAndAdvancesCursor(t *testing.T) {
	s := newTestStore(t)
	oid1 := testOid(10)
	oid2 := testOid(11)
	h := refbuf.Alloc(8)

	if err := s.Insert(h, object.TagTx, oid1, nil, 1, 10, false); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	if err := s.Insert(h, object.TagTx, oid2, nil, 1, 10, false); err != nil {
		t.Fatalf("insert 2: %v", err)
	}

	var next int64 = -1 << 62 // low enough to include both tx and block ranges
	entries, err := s.FindNew(&next, 1<<20)
	if err != nil {
		t.Fatalf("FindNew: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestDeleteObjReleasesHandle(t *testing.T) {
	s := newTestStore(t)
	oid := testOid(20)
	h := refbuf.Alloc(8)

	if err := s.Insert(h, object.TagTx, oid, nil, 1, 10, false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	refbuf.Drop(h)

	if err := s.DeleteObj(oid); err != nil {
		t.Fatalf("DeleteObj: %v", err)
	}
	if _, ok := s.Get(oid); ok {
		t.Fatalf("expected oid to be gone after DeleteObj")
	}
}

func TestGetExpiresRespectsCutoff(t *testing.T) {
	s := newTestStore(t)
	oid := testOid(30)
	h := refbuf.Alloc(8)

	if err := s.Insert(h, object.TagTx, oid, nil, 1, 10, false); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	_, _, _, found, err := s.GetExpires(0, 1<<62, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GetExpires: %v", err)
	}
	if !found {
		t.Fatalf("expected a row due for advertisement")
	}
}
