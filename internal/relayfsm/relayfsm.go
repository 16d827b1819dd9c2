// Package relayfsm implements RelayFSM: the per-peer advertise/download
// scheduler composing RelayStore and ValidStore per spec §4.9's
// five-step protocol. Grounded in the teacher's retry_worker.go
// scheduling loop (periodic sweep, per-peer cursor state) generalized
// from swap-offer rebroadcast to object relay.
package relayfsm

import (
	"fmt"
	"time"

	"github.com/credacash/ccnode/internal/object"
	"github.com/credacash/ccnode/internal/refbuf"
	"github.com/credacash/ccnode/internal/relay"
	"github.com/credacash/ccnode/internal/validstore"
	"github.com/credacash/ccnode/pkg/logging"
)

// Sender transmits a framed message to a peer; the caller's transport
// (netconn.Connection.WriteAsync in production) provides the
// implementation.
type Sender func(peer string, msg []byte) error

// PeerState tracks one peer's advertise cursor and output-buffer budget.
type PeerState struct {
	PeerID  string
	NextSeq int64 // next ValidStore seqnum to advertise from
}

// FSM wires RelayStore and ValidStore into the five-step per-peer
// protocol described in spec §4.9.
type FSM struct {
	relay *relay.Store
	valid *validstore.Store
	log   *logging.Logger
}

// New constructs a RelayFSM over the given stores.
func New(relayStore *relay.Store, validStore *validstore.Store, log *logging.Logger) *FSM {
	return &FSM{relay: relayStore, valid: validStore, log: log}
}

// Advertise implements step 1: on peer connect (or any time the peer's
// output buffer has room), scan ValidStore.FindNew from peer.NextSeq
// and send the resulting CC_MSG_HAVE_* batch via send.
func (f *FSM) Advertise(peer *PeerState, maxBytes int, send Sender) error {
	entries, err := f.valid.FindNew(&peer.NextSeq, maxBytes)
	if err != nil {
		return fmt.Errorf("relayfsm: advertise find_new: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	msg, err := encodeHaveBatch(entries)
	if err != nil {
		return fmt.Errorf("relayfsm: encode have batch: %w", err)
	}
	if err := send(peer.PeerID, msg); err != nil {
		return fmt.Errorf("relayfsm: send have batch: %w", err)
	}
	return nil
}

// OnHaveBatch implements step 2: record each inbound CC_MSG_HAVE_*
// entry from peer in RelayStore.
func (f *FSM) OnHaveBatch(peer string, entries []HaveAdvert) error {
	for _, e := range entries {
		p := relay.Params{Size: e.Size, Level: e.Level, PriorOid: e.PriorOid, IsWitnessBlock: e.Witness}
		if err := f.relay.Insert(peer, e.Tag, e.Oid, p); err != nil {
			return fmt.Errorf("relayfsm: relay insert: %w", err)
		}
	}
	return nil
}

// DriveDownloads implements step 3: when idle, poll
// RelayStore.FindDownloads and emit the resulting CC_CMD_SEND_* batch.
func (f *FSM) DriveDownloads(peer string, txLevelMax int64, maxObjs int, send Sender) ([]relay.DownloadEntry, error) {
	entries, err := f.relay.FindDownloads(peer, txLevelMax, maxObjs, time.Now())
	if err != nil {
		return nil, fmt.Errorf("relayfsm: find_downloads: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	msg := encodeSendBatch(entries)
	if err := send(peer, msg); err != nil {
		return nil, fmt.Errorf("relayfsm: send send batch: %w", err)
	}
	return entries, nil
}

// OnSendBatch implements step 4: an inbound CC_CMD_SEND_* names objects
// the peer wants; look each up in ValidStore and push the bodies back.
func (f *FSM) OnSendBatch(peer string, oids []object.OID, send Sender) error {
	for _, oid := range oids {
		h, ok := f.valid.Get(oid)
		if !ok {
			continue // no longer held: silently skip, per spec §7 "not found" read semantics
		}
		if err := send(peer, h.Data()); err != nil {
			return fmt.Errorf("relayfsm: send object body: %w", err)
		}
	}
	return nil
}

// OnObjectReceived implements step 5: after a full object arrives,
// record it in ValidStore and mark it Downloaded in RelayStore.
func (f *FSM) OnObjectReceived(handle refbuf.Handle, tag object.Tag, oid object.OID, priorOid *object.OID, level, size int64, isWitness bool) error {
	if err := f.valid.Insert(handle, tag, oid, priorOid, level, size, isWitness); err != nil {
		return fmt.Errorf("relayfsm: valid insert: %w", err)
	}
	if err := f.relay.SetStatus(oid, tag, relay.Downloaded); err != nil {
		return fmt.Errorf("relayfsm: set_status downloaded: %w", err)
	}
	return nil
}

// HaveAdvert is one parsed CC_MSG_HAVE_* entry.
type HaveAdvert struct {
	Oid      object.OID
	Tag      object.Tag
	PriorOid *object.OID
	Level    int64
	Size     int64
	Witness  bool
}

// haveGroup is a run of consecutive entries sharing a tag class
// (block vs tx), each run framed under its own CC_MSG_HAVE_* header
// since the tag is per-class, not per-entry.
type haveGroup struct {
	isBlock bool
	entries []validstore.HaveEntry
}

func groupHavesByClass(entries []validstore.HaveEntry) []haveGroup {
	var groups []haveGroup
	for _, e := range entries {
		isBlock := e.Tag.IsBlock()
		if n := len(groups); n > 0 && groups[n-1].isBlock == isBlock {
			groups[n-1].entries = append(groups[n-1].entries, e)
			continue
		}
		groups = append(groups, haveGroup{isBlock: isBlock, entries: []validstore.HaveEntry{e}})
	}
	return groups
}

func encodeHaveBatch(entries []validstore.HaveEntry) ([]byte, error) {
	var buf []byte
	for _, group := range groupHavesByClass(entries) {
		var body []byte
		for _, e := range group.entries {
			body = append(body, e.Oid[:]...)
			if e.PriorOid != nil {
				body = append(body, e.PriorOid[:]...)
			}
		}
		tag := object.MsgHaveTx
		if group.isBlock {
			tag = object.MsgHaveBlock
		}
		buf = append(buf, object.EncodeHeader(object.Header{Tag: tag, Size: uint32(len(body) + 4)})...)
		buf = append(buf, body...)
	}
	return buf, nil
}

// DecodeOIDs splits body into a flat sequence of object.OID values, the
// shape both a CC_CMD_SEND_* request body and (absent any prior-oid
// entries) a CC_MSG_HAVE_* body take on the wire.
func DecodeOIDs(body []byte) ([]object.OID, error) {
	const oidSize = 16
	if len(body)%oidSize != 0 {
		return nil, fmt.Errorf("relayfsm: oid list length %d not a multiple of %d", len(body), oidSize)
	}
	out := make([]object.OID, 0, len(body)/oidSize)
	for i := 0; i < len(body); i += oidSize {
		var oid object.OID
		copy(oid[:], body[i:i+oidSize])
		out = append(out, oid)
	}
	return out, nil
}

// DecodeHaveBatch parses a received CC_MSG_HAVE_* body (post-header)
// into HaveAdvert entries classed by isBlock (taken from the header's
// MsgHaveBlock/MsgHaveTx tag). Inbound entries are treated as bare
// oids, not the optionally-prior-oid-suffixed shape encodeHaveBatch
// may emit on the send side: a receiving peer has no way to tell a
// bare oid run from an interleaved prior-oid run without a per-entry
// presence bit the wire format doesn't carry, so Level/PriorOid/
// Witness are left at their zero values here pending the full framing
// described in DESIGN.md. Tag is set to a representative object tag
// for the advertised class (IsBlock() correctly reflects isBlock) so
// RelayStore's downstream block/tx batching stays consistent, even
// though the precise object subtype isn't recoverable from the HAVE
// header alone.
func DecodeHaveBatch(body []byte, isBlock bool) ([]HaveAdvert, error) {
	oids, err := DecodeOIDs(body)
	if err != nil {
		return nil, fmt.Errorf("relayfsm: decode have batch: %w", err)
	}
	tag := object.TagTx
	if isBlock {
		tag = object.TagBlockBase | object.BlockFlag
	}
	adverts := make([]HaveAdvert, 0, len(oids))
	for _, oid := range oids {
		adverts = append(adverts, HaveAdvert{Oid: oid, Tag: tag})
	}
	return adverts, nil
}

// encodeSendBatch frames entries under a single CC_CMD_SEND_* header;
// FindDownloads guarantees every entry in one batch shares the same
// block/tx kind.
func encodeSendBatch(entries []relay.DownloadEntry) []byte {
	if len(entries) == 0 {
		return nil
	}
	var body []byte
	for _, e := range entries {
		body = append(body, e.Oid[:]...)
	}
	tag := object.CmdSendTx
	if entries[0].Tag.IsBlock() {
		tag = object.CmdSendBlock
	}
	return append(object.EncodeHeader(object.Header{Tag: tag, Size: uint32(len(body) + 4)}), body...)
}
