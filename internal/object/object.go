// Package object implements the wire layout and identity computation
// shared by every object that flows through the pipeline: the
// [size|tag|body] framing, the optional proof-of-work nonce block, and
// the 128-bit BLAKE2b-keyed object id.
package object

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Tag is the wire-format discriminant named in spec §6. Block carries an
// extra flag bit ORed into the tag rather than being a distinct value,
// matching the original's "CC_TAG_BLOCK ORed with a block flag bit".
type Tag uint32

const (
	TagMint Tag = iota + 1
	TagTx
	TagTxXDomain
	TagXcxSimpleBuy
	TagXcxSimpleSell
	TagXcxSimpleTrade
	TagXcxNakedBuy
	TagXcxNakedSell
	TagXcxPayment
	TagBlockBase

	CmdSendBlock Tag = 0x100
	CmdSendTx    Tag = 0x101
	MsgHaveBlock Tag = 0x200
	MsgHaveTx    Tag = 0x201
)

// BlockFlag is ORed into TagBlockBase to form the on-wire block tag.
const BlockFlag Tag = 0x8000_0000

// IsBlock reports whether tag carries the block flag.
func (t Tag) IsBlock() bool {
	return t&BlockFlag != 0
}

// OID is the 128-bit object identifier: a keyed BLAKE2b-128 digest of
// the object body, keyed by the object's wire tag.
type OID [16]byte

// IsZero reports whether oid is the all-zero id reserved for the genesis
// block.
func (o OID) IsZero() bool {
	return o == OID{}
}

func (o OID) String() string {
	return fmt.Sprintf("%x", o[:])
}

// ComputeOID hashes body with a BLAKE2b-128 MAC keyed by the tag's wire
// bytes, per spec §3/§6: "128-bit oids are BLAKE2b(body, key=tag_wire)".
func ComputeOID(tag Tag, body []byte) (OID, error) {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(tag))

	h, err := blake2b.New(16, key[:])
	if err != nil {
		return OID{}, fmt.Errorf("object: init blake2b: %w", err)
	}
	if _, err := h.Write(body); err != nil {
		return OID{}, fmt.Errorf("object: hash body: %w", err)
	}

	var oid OID
	copy(oid[:], h.Sum(nil))
	return oid, nil
}

// NonceBlockSize is the fixed 48-byte [timestamp:u64 | nonce0..4:u64]
// block that sits between the tag and the body on proof-of-work objects.
const NonceBlockSize = 8 * 6

// NonceBlock is the decoded form of the proof-of-work preamble.
type NonceBlock struct {
	Timestamp uint64
	Nonces    [5]uint64
}

// ParseNonceBlock reads a 48-byte nonce block from the front of buf.
func ParseNonceBlock(buf []byte) (NonceBlock, error) {
	if len(buf) < NonceBlockSize {
		return NonceBlock{}, fmt.Errorf("object: nonce block short read: %d bytes", len(buf))
	}
	var nb NonceBlock
	nb.Timestamp = binary.BigEndian.Uint64(buf[0:8])
	for i := 0; i < 5; i++ {
		nb.Nonces[i] = binary.BigEndian.Uint64(buf[8+8*i : 16+8*i])
	}
	return nb, nil
}

// Encode writes the nonce block's wire bytes.
func (nb NonceBlock) Encode() []byte {
	buf := make([]byte, NonceBlockSize)
	binary.BigEndian.PutUint64(buf[0:8], nb.Timestamp)
	for i := 0; i < 5; i++ {
		binary.BigEndian.PutUint64(buf[8+8*i:16+8*i], nb.Nonces[i])
	}
	return buf
}

// Header is the decoded [size:u32 | tag:u32] wire preamble. size counts
// bytes from the tag onward (tag + body, including any nonce block).
type Header struct {
	Size uint32
	Tag  Tag
}

const HeaderSize = 8

// EncodeHeader serializes a Header.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Size)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Tag))
	return buf
}

// DecodeHeader parses a Header from the first HeaderSize bytes of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("object: header short read: %d bytes", len(buf))
	}
	return Header{
		Size: binary.BigEndian.Uint32(buf[0:4]),
		Tag:  Tag(binary.BigEndian.Uint32(buf[4:8])),
	}, nil
}

// HasProofOfWork reports whether tag class carries a nonce block. Mint,
// Tx, TxXDomain, and Block objects carry proof of work; exchange request
// and payment objects do not.
func HasProofOfWork(tag Tag) bool {
	base := tag &^ BlockFlag
	switch base {
	case TagMint, TagTx, TagTxXDomain, TagBlockBase:
		return true
	default:
		return false
	}
}
