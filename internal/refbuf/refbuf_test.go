package refbuf

import "testing"

func TestAllocZeroOrOversizedReturnsEmptyHandle(t *testing.T) {
	if h := Alloc(0); h.IsValid() {
		t.Errorf("Alloc(0) should be an empty handle")
	}
	if h := Alloc(MaxBodySize + 1); h.IsValid() {
		t.Errorf("Alloc(MaxBodySize+1) should be an empty handle")
	}
}

func TestAllocIsZeroed(t *testing.T) {
	h := Alloc(32)
	defer Drop(h)

	for i, b := range h.Data() {
		if b != 0 {
			t.Fatalf("byte %d not zero: %x", i, b)
		}
	}
}

func TestCloneDropRefcounting(t *testing.T) {
	before, beforeCount := Stats()

	h := Alloc(16)
	h2 := h.Clone()

	Drop(h)
	if _, c := Stats(); c != beforeCount+1 {
		t.Fatalf("expected slab still live after one of two drops, count=%d", c)
	}

	h2.Data()[0] = 0xAB // still valid through the second handle

	Drop(h2)
	afterBytes, afterCount := Stats()
	if afterCount != beforeCount {
		t.Fatalf("live count leaked: got %d want %d", afterCount, beforeCount)
	}
	if afterBytes != before {
		t.Fatalf("live bytes leaked: got %d want %d", afterBytes, before)
	}
}

func TestChildPayloadDroppedWithParent(t *testing.T) {
	child := Alloc(8)
	parent := Alloc(8)
	parent.SetPayload(ChildPayload{Children: []Handle{child}})

	_, beforeCount := Stats()
	Drop(parent)
	_, afterCount := Stats()

	if afterCount != beforeCount-2 {
		t.Fatalf("expected parent and child both released, before=%d after=%d", beforeCount, afterCount)
	}
}

func TestRawPayloadDoesNotParticipateInRefcount(t *testing.T) {
	h := Alloc(8)
	h.SetPayload(RawPayload{Data: "block aux state"})

	if _, ok := h.Payload().(RawPayload); !ok {
		t.Fatalf("expected RawPayload back")
	}
	Drop(h)
}
