package ydoc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// op is the decoded form of one entry in an update: either an insert
// (tombstone=false, rch set) or a delete of a previously-seen item
// (tombstone=true).
type op struct {
	id        ID
	origin    *ID
	rch       rune
	tombstone bool
}

// Update wire format: a sequence of records, each
//
//	kind    varuint (0 = insert, 1 = tombstone)
//	client  varuint
//	clock   varuint
//	hasOrigin byte (insert only)
//	originClient/originClock varuint (insert only, if hasOrigin)
//	rune    varuint (insert only)
//
// terminated by end of buffer. This mirrors the shape of Yjs's own binary
// update encoding (a flat list of struct records) without matching its
// exact byte layout — no Go implementation of the real Yjs codec exists to
// ground a byte-compatible port against, so peers are assumed to be this
// relay's own sync client, never a third-party Yjs library reading the
// wire bytes directly.
const (
	kindInsert    = 0
	kindTombstone = 1
)

func encodeUpdate(items []*item) []byte {
	var buf bytes.Buffer
	for _, it := range items {
		writeVarint(&buf, kindInsert)
		writeVarint(&buf, it.id.Client)
		writeVarint(&buf, it.id.Clock)
		if it.origin != nil {
			buf.WriteByte(1)
			writeVarint(&buf, it.origin.Client)
			writeVarint(&buf, it.origin.Clock)
		} else {
			buf.WriteByte(0)
		}
		writeVarint(&buf, uint64(it.rch))
	}
	return buf.Bytes()
}

func encodeFullUpdate(items []*item) []byte {
	var deleted []*item
	for _, it := range items {
		if it.deleted {
			deleted = append(deleted, it)
		}
	}
	return append(encodeUpdate(items), encodeTombstones(deleted)...)
}

func encodeTombstones(items []*item) []byte {
	var buf bytes.Buffer
	for _, it := range items {
		writeVarint(&buf, kindTombstone)
		writeVarint(&buf, it.id.Client)
		writeVarint(&buf, it.id.Clock)
	}
	return buf.Bytes()
}

func decodeUpdate(data []byte) ([]op, error) {
	r := bytes.NewReader(data)
	var ops []op
	for r.Len() > 0 {
		kind, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("read kind: %w", err)
		}
		client, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("read client: %w", err)
		}
		clock, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("read clock: %w", err)
		}
		o := op{id: ID{Client: client, Clock: clock}}

		switch kind {
		case kindTombstone:
			o.tombstone = true
		case kindInsert:
			hasOrigin, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("read has-origin: %w", err)
			}
			if hasOrigin == 1 {
				oc, err := binary.ReadUvarint(r)
				if err != nil {
					return nil, fmt.Errorf("read origin client: %w", err)
				}
				ok, err := binary.ReadUvarint(r)
				if err != nil {
					return nil, fmt.Errorf("read origin clock: %w", err)
				}
				origin := ID{Client: oc, Clock: ok}
				o.origin = &origin
			}
			ch, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("read rune: %w", err)
			}
			o.rch = rune(ch)
		default:
			return nil, fmt.Errorf("unknown record kind %d", kind)
		}
		ops = append(ops, o)
	}
	return ops, nil
}

func encodeStateVector(sv map[uint64]uint64) []byte {
	var buf bytes.Buffer
	writeVarint(&buf, uint64(len(sv)))
	for client, clock := range sv {
		writeVarint(&buf, client)
		writeVarint(&buf, clock)
	}
	return buf.Bytes()
}

// DecodeStateVector parses the wire form produced by Doc.EncodeStateVector,
// the payload of an incoming sync step-1 message.
func DecodeStateVector(data []byte) (map[uint64]uint64, error) {
	r := bytes.NewReader(data)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("read count: %w", err)
	}
	sv := make(map[uint64]uint64, n)
	for i := uint64(0); i < n; i++ {
		client, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("read client: %w", err)
		}
		clock, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("read clock: %w", err)
		}
		sv[client] = clock
	}
	return sv, nil
}

func writeVarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}
