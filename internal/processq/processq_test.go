package processq

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/credacash/ccnode/internal/dbutil"
	"github.com/credacash/ccnode/internal/object"
	"github.com/credacash/ccnode/internal/refbuf"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir, err := os.MkdirTemp("", "processq-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := dbutil.Open(dir, filepath.Base(dir)+".db")
	if err != nil {
		t.Fatalf("dbutil.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m, err := NewManager(db)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func testOid(b byte) object.OID {
	var o object.OID
	o[0] = b
	return o
}

func TestEnqueueAndNextValidateOrdering(t *testing.T) {
	m := newTestManager(t)
	q := m.Queue(QueueTx)

	low := testOid(1)
	high := testOid(2)
	h1 := refbuf.Alloc(4)
	h2 := refbuf.Alloc(4)

	if err := q.EnqueueValidate(h1, low, nil, 10, Pending, 5, false, "conn1", 1); err != nil {
		t.Fatalf("enqueue low priority: %v", err)
	}
	if err := q.EnqueueValidate(h2, high, nil, 20, Pending, 1, false, "conn2", 2); err != nil {
		t.Fatalf("enqueue high priority: %v", err)
	}

	_, oid, _, _, ok, err := q.NextValidate()
	if err != nil || !ok {
		t.Fatalf("NextValidate: ok=%v err=%v", ok, err)
	}
	if oid != high {
		t.Fatalf("expected row with priority=1 (lower value = higher priority) first, got %v", oid)
	}
}

func TestEnqueueConflictMergesPriorityAndAuxInt(t *testing.T) {
	m := newTestManager(t)
	q := m.Queue(QueueTx)
	oid := testOid(3)
	h := refbuf.Alloc(4)

	if err := q.EnqueueValidate(h, oid, nil, 1, Pending, 10, false, "a", 1); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if err := q.EnqueueValidate(h, oid, nil, 1, Pending, 3, true, "b", 2); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}

	var priority, auxInt int64
	row := q.db.QueryRow(`SELECT priority, aux_int FROM process_q_tx WHERE oid = ?`, oid[:])
	if err := row.Scan(&priority, &auxInt); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if priority != 3 {
		t.Errorf("priority = %d, want min(10,3)=3", priority)
	}
	if auxInt != 1 {
		t.Errorf("aux_int = %d, want 1", auxInt)
	}
}

func TestMarkSubsequentReturnsHoldRowsToPending(t *testing.T) {
	m := newTestManager(t)
	q := m.Queue(QueueBlock)

	parent := testOid(10)
	child := testOid(11)
	h := refbuf.Alloc(4)

	if err := q.EnqueueValidate(h, child, &parent, 1, Hold, 1, false, "c", 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.MarkSubsequent(parent); err != nil {
		t.Fatalf("MarkSubsequent: %v", err)
	}

	_, oid, _, _, ok, err := q.NextValidate()
	if err != nil || !ok {
		t.Fatalf("NextValidate after MarkSubsequent: ok=%v err=%v", ok, err)
	}
	if oid != child {
		t.Fatalf("expected child row to be Pending again, got %v", oid)
	}
}

func TestSelectAndDeleteDropsBuffer(t *testing.T) {
	m := newTestManager(t)
	q := m.Queue(QueueXreq)
	oid := testOid(20)
	h := refbuf.Alloc(8)

	before, beforeCount := refbuf.Stats()
	if err := q.EnqueueValidate(h, oid, nil, 1, Pending, 1, false, "c", 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	refbuf.Drop(h) // caller's own handle; queue holds its own clone

	if _, _, _, err := q.SelectAndDelete(oid); err != nil {
		t.Fatalf("SelectAndDelete: %v", err)
	}
	afterBytes, afterCount := refbuf.Stats()
	if afterCount != beforeCount || afterBytes != before {
		t.Fatalf("expected buffer fully released: before=(%d,%d) after=(%d,%d)", before, beforeCount, afterBytes, afterCount)
	}
}

func TestWaitForQueuedWorkStops(t *testing.T) {
	m := newTestManager(t)
	q := m.Queue(QueueTx)

	done := make(chan bool, 1)
	go func() {
		done <- q.WaitForQueuedWork()
	}()

	time.Sleep(10 * time.Millisecond)
	q.StopQueuedWork()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected WaitForQueuedWork to return false after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("WaitForQueuedWork did not return after StopQueuedWork")
	}
}
