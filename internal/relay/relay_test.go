package relay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/credacash/ccnode/internal/dbutil"
	"github.com/credacash/ccnode/internal/object"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "relay-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := dbutil.Open(dir, filepath.Base(dir)+".db")
	if err != nil {
		t.Fatalf("dbutil.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(db, nil)
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

func TestInsertAndFindDownloads(t *testing.T) {
	s := newTestStore(t)
	oid := testOid(1)

	if err := s.Insert("peerA", object.TagTx, oid, Params{Size: 100, Level: 5}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	entries, err := s.FindDownloads("peerA", 10, 20, time.Now())
	if err != nil {
		t.Fatalf("FindDownloads: %v", err)
	}
	if len(entries) != 1 || entries[0].Oid != oid {
		t.Fatalf("FindDownloads = %+v", entries)
	}

	// Not returned again until retry deadline elapses or status advances.
	entries2, err := s.FindDownloads("peerA", 10, 20, time.Now())
	if err != nil {
		t.Fatalf("FindDownloads 2: %v", err)
	}
	if len(entries2) != 0 {
		t.Fatalf("expected no re-selection before retry deadline, got %+v", entries2)
	}
}

func TestInsertDuplicateIsNoOp(t *testing.T) {
	s := newTestStore(t)
	oid := testOid(2)

	if err := s.Insert("peerA", object.TagTx, oid, Params{Size: 10, Level: 1}); err != nil {
		t.Fatalf("Insert 1: %v", err)
	}
	if err := s.Insert("peerA", object.TagTx, oid, Params{Size: 10, Level: 1}); err != nil {
		t.Fatalf("Insert 2 (duplicate) should be a no-op, got err: %v", err)
	}
}

func TestInsertIntoDownloadedIsNoOp(t *testing.T) {
	s := newTestStore(t)
	oid := testOid(3)

	if err := s.Insert("peerA", object.TagTx, oid, Params{Size: 10, Level: 1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.SetStatus(oid, object.TagTx, Downloaded); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := s.Insert("peerB", object.TagTx, oid, Params{Size: 10, Level: 1}); err != nil {
		t.Fatalf("Insert after downloaded: %v", err)
	}

	entries, err := s.FindDownloads("peerB", 10, 20, time.Now())
	if err != nil {
		t.Fatalf("FindDownloads: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected downloaded object to never be offered again, got %+v", entries)
	}
}

func TestSetStatusDownloadedDeletesTxPeerRows(t *testing.T) {
	s := newTestStore(t)
	oid := testOid(4)

	if err := s.Insert("peerA", object.TagTx, oid, Params{Size: 10, Level: 1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.SetStatus(oid, object.TagTx, Downloaded); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM relay_peers`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected tx peer rows deleted on download, got %d", count)
	}
}

func TestDeletePeer(t *testing.T) {
	s := newTestStore(t)
	oid := testOid(5)
	if err := s.Insert("peerA", object.TagTx, oid, Params{Size: 1, Level: 1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.DeletePeer("peerA"); err != nil {
		t.Fatalf("DeletePeer: %v", err)
	}
	entries, err := s.FindDownloads("peerA", 10, 20, time.Now())
	if err != nil {
		t.Fatalf("FindDownloads: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no rows after DeletePeer, got %+v", entries)
	}
}
