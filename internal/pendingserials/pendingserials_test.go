package pendingserials

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/credacash/ccnode/internal/dbutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "pendingserials-test-*")
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

func TestInsertAndSelectOrdersAscending(t *testing.T) {
	s := newTestStore(t)
	serial := []byte("serial-1")

	if err := s.Insert(serial, 5, 0); err != nil {
		t.Fatalf("insert 5: %v", err)
	}
	if err := s.Insert(serial, 3, 0); err != nil {
		t.Fatalf("insert 3: %v", err)
	}
	if err := s.Insert(serial, 9, 0); err != nil {
		t.Fatalf("insert 9: %v", err)
	}

	refs, err := s.Select(serial, math.MinInt64)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	want := []int64{3, 5, 9}
	if len(refs) != len(want) {
		t.Fatalf("refs = %v, want %v", refs, want)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Fatalf("refs = %v, want %v", refs, want)
		}
	}
}

func TestSelectStartsStrictlyAfterLastBlockRef(t *testing.T) {
	s := newTestStore(t)
	serial := []byte("serial-2")
	for _, ref := range []int64{1, 2, 3} {
		if err := s.Insert(serial, ref, 0); err != nil {
			t.Fatalf("insert %d: %v", ref, err)
		}
	}
	refs, err := s.Select(serial, 2)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(refs) != 1 || refs[0] != 3 {
		t.Fatalf("refs = %v, want [3]", refs)
	}
}

func TestInsertDuplicateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	serial := []byte("serial-3")
	if err := s.Insert(serial, 1, 0); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	if err := s.Insert(serial, 1, 0); err != nil {
		t.Fatalf("insert 2 (duplicate): %v", err)
	}
	refs, err := s.Select(serial, math.MinInt64)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("refs = %v, want exactly one row", refs)
	}
}

func TestUpdateRewritesLevelZeroRows(t *testing.T) {
	s := newTestStore(t)
	serial := []byte("serial-4")
	if err := s.Insert(serial, 100, 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Update(100, 200, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	refs, err := s.Select(serial, math.MinInt64)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(refs) != 1 || refs[0] != 200 {
		t.Fatalf("refs = %v, want [200]", refs)
	}
}

func TestPruneLevelDeletesBelowWatermark(t *testing.T) {
	s := newTestStore(t)
	serial := []byte("serial-5")
	if err := s.Insert(serial, 1, 0); err != nil {
		t.Fatalf("insert level 0: %v", err)
	}
	if err := s.Insert(serial, 2, 5); err != nil {
		t.Fatalf("insert level 5: %v", err)
	}
	if err := s.PruneLevel(3); err != nil {
		t.Fatalf("prune_level: %v", err)
	}
	refs, err := s.Select(serial, math.MinInt64)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(refs) != 1 || refs[0] != 2 {
		t.Fatalf("refs = %v, want [2] (level-0 row pruned)", refs)
	}
}
