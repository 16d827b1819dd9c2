package object

import "testing"

func TestComputeOIDDeterministic(t *testing.T) {
	body := []byte("a transaction body")
	a, err := ComputeOID(TagTx, body)
	if err != nil {
		t.Fatalf("ComputeOID: %v", err)
	}
	b, err := ComputeOID(TagTx, body)
	if err != nil {
		t.Fatalf("ComputeOID: %v", err)
	}
	if a != b {
		t.Fatalf("ComputeOID not deterministic: %v != %v", a, b)
	}
}

func TestComputeOIDVariesByTag(t *testing.T) {
	body := []byte("same body")
	a, _ := ComputeOID(TagTx, body)
	b, _ := ComputeOID(TagMint, body)
	if a == b {
		t.Fatalf("expected different oids for different tags, same body")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Size: 1234, Tag: TagTx}
	buf := EncodeHeader(h)
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Fatalf("DecodeHeader(EncodeHeader(h)) = %+v, want %+v", got, h)
	}
}

func TestNonceBlockRoundTrip(t *testing.T) {
	nb := NonceBlock{Timestamp: 42, Nonces: [5]uint64{1, 2, 3, 4, 5}}
	buf := nb.Encode()
	if len(buf) != NonceBlockSize {
		t.Fatalf("Encode() length = %d, want %d", len(buf), NonceBlockSize)
	}
	got, err := ParseNonceBlock(buf)
	if err != nil {
		t.Fatalf("ParseNonceBlock: %v", err)
	}
	if got != nb {
		t.Fatalf("ParseNonceBlock(Encode(nb)) = %+v, want %+v", got, nb)
	}
}

func TestBlockFlag(t *testing.T) {
	tag := TagBlockBase | BlockFlag
	if !tag.IsBlock() {
		t.Fatalf("expected IsBlock() true")
	}
	if TagTx.IsBlock() {
		t.Fatalf("expected plain tx tag IsBlock() false")
	}
}

func TestOIDZero(t *testing.T) {
	var o OID
	if !o.IsZero() {
		t.Fatalf("expected zero OID to report IsZero")
	}
}
