package syncrelay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mrmd/orchestrator/internal/adapter/otel"
	"github.com/mrmd/orchestrator/internal/crdt/ydoc"
	"github.com/mrmd/orchestrator/internal/domain"
	"github.com/mrmd/orchestrator/internal/metrics"
	"github.com/mrmd/orchestrator/internal/port/database"
)

// docEntry is the in-memory runtime companion to a persisted
// document.Document: the live CRDT state, the connected clients, and the
// debounce/cleanup timers that govern when it gets saved and evicted.
type docEntry struct {
	key DocKey

	doc       *ydoc.Doc
	awareness *ydoc.Awareness

	mu           sync.Mutex
	conns        map[uint64]*syncConn
	dirty        bool
	saveTimer    *time.Timer
	cleanupTimer *time.Timer
}

func newDocEntry(key DocKey) *docEntry {
	return &docEntry{
		key:       key,
		doc:       ydoc.New(docClientID(key)),
		awareness: ydoc.NewAwareness(),
		conns:     make(map[uint64]*syncConn),
	}
}

// docClientID derives a stable per-document server-side client ID for the
// ydoc.Doc's own ID space. It need only be unique within this process.
func docClientID(key DocKey) uint64 {
	var h uint64 = 1469598103934665603 // FNV offset basis
	for _, r := range key.String() {
		h ^= uint64(r)
		h *= 1099511628211 // FNV prime
	}
	return h
}

func (e *docEntry) loadPersisted(ctx context.Context, store database.Store) {
	if store == nil {
		return
	}
	d, err := store.LoadDocument(ctx, e.key.UserID, e.key.Project, e.key.Path)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("syncrelay: load document failed", "doc", e.key.String(), "error", err)
		}
		return
	}
	if err := e.doc.LoadState(d.YjsState); err != nil {
		slog.Error("syncrelay: corrupt persisted state, starting empty", "doc", e.key.String(), "error", err)
	}
}

// armSaveOnUpdate registers the callback that schedules a debounced save
// every time the document's CRDT state changes, whether from a local
// client edit or an applied remote update.
func (e *docEntry) armSaveOnUpdate(h *Hub) {
	e.doc.OnUpdate(func([]byte) {
		e.scheduleSave(h)
	})
}

func (e *docEntry) scheduleSave(h *Hub) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dirty = true
	if e.saveTimer != nil {
		e.saveTimer.Stop()
	}
	e.saveTimer = time.AfterFunc(h.saveDebounce, func() {
		e.flush(context.Background(), h.store)
	})
}

// flush persists the current CRDT state if dirty. Safe to call
// concurrently and redundantly (e.g. from both the debounce timer and a
// shutdown-triggered FlushAll).
func (e *docEntry) flush(ctx context.Context, store database.Store) {
	e.mu.Lock()
	if !e.dirty || store == nil {
		e.mu.Unlock()
		return
	}
	e.dirty = false
	e.mu.Unlock()

	ctx, span := otel.StartDocumentFlushSpan(ctx, e.key.String())
	defer span.End()

	text := e.doc.Text()
	state := e.doc.EncodeStateAsUpdate(nil)
	if err := store.SaveDocument(ctx, e.key.UserID, e.key.Project, e.key.Path, state, text); err != nil {
		slog.Error("syncrelay: save document failed", "doc", e.key.String(), "error", err)
		metrics.SaveErrors.Inc()
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
		return
	}
	metrics.DocsSaved.Inc()
}

func (e *docEntry) addConn(c *syncConn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[c.clientID] = c
}

func (e *docEntry) removeConn(h *Hub, key DocKey, c *syncConn) {
	e.mu.Lock()
	delete(e.conns, c.clientID)
	empty := len(e.conns) == 0
	e.mu.Unlock()

	e.awareness.Remove(c.clientID)
	e.broadcastAwareness(context.Background(), c.clientID)

	if empty {
		h.scheduleCleanup(key)
	}
}

// closeConns closes every connected client with StatusGoingAway, for
// process shutdown. It does not remove them from conns — the caller is
// discarding the whole docEntry right after.
func (e *docEntry) closeConns() {
	e.mu.Lock()
	targets := make([]*syncConn, 0, len(e.conns))
	for _, c := range e.conns {
		targets = append(targets, c)
	}
	e.mu.Unlock()

	for _, c := range targets {
		_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (e *docEntry) connCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

func (e *docEntry) cancelCleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cleanupTimer != nil {
		e.cleanupTimer.Stop()
		e.cleanupTimer = nil
	}
}

func (e *docEntry) encodeAwarenessSnapshot() []byte {
	states := e.awareness.States()
	if len(states) == 0 {
		return nil
	}
	return ydoc.EncodeAwarenessStates(states)
}

// handleFrame decodes one incoming WebSocket message and applies it to
// the document or awareness state, broadcasting the resulting update to
// every other connected client.
func (e *docEntry) handleFrame(ctx context.Context, from *syncConn, data []byte) {
	msg, err := ydoc.Decode(data)
	if err != nil {
		slog.Warn("syncrelay: malformed frame", "doc", e.key.String(), "error", err)
		return
	}

	metrics.MessagesIn.WithLabelValues("sync").Inc()

	switch msg.Type {
	case ydoc.MessageSync:
		e.handleSync(ctx, from, msg)
	case ydoc.MessageAwareness:
		e.awareness.Set(from.clientID, msg.Payload)
		e.broadcastAwareness(ctx, from.clientID)
	}
}

func (e *docEntry) handleSync(ctx context.Context, from *syncConn, msg *ydoc.DecodedMessage) {
	switch msg.Sub {
	case ydoc.SyncStep1:
		sv, err := ydoc.DecodeStateVector(msg.Payload)
		if err != nil {
			return
		}
		update := e.doc.EncodeStateAsUpdate(sv)
		_ = from.write(ctx, ydoc.EncodeSyncStep2(update))
	case ydoc.SyncStep2, ydoc.SyncUpdate:
		if err := e.doc.ApplyUpdate(msg.Payload); err != nil {
			slog.Warn("syncrelay: apply update failed", "doc", e.key.String(), "error", err)
			return
		}
		e.broadcastUpdate(ctx, from.clientID, msg.Payload)
	}
}

func (e *docEntry) broadcastUpdate(ctx context.Context, fromClientID uint64, update []byte) {
	frame := ydoc.EncodeSyncUpdate(update)
	e.broadcast(ctx, fromClientID, frame)
}

func (e *docEntry) broadcastAwareness(ctx context.Context, fromClientID uint64) {
	snap := e.encodeAwarenessSnapshot()
	if snap == nil {
		return
	}
	e.broadcast(ctx, fromClientID, ydoc.EncodeAwareness(snap))
}

func (e *docEntry) broadcast(ctx context.Context, excludeClientID uint64, frame []byte) {
	e.mu.Lock()
	targets := make([]*syncConn, 0, len(e.conns))
	for id, c := range e.conns {
		if id == excludeClientID {
			continue
		}
		targets = append(targets, c)
	}
	e.mu.Unlock()

	for _, c := range targets {
		_ = c.write(ctx, frame)
		metrics.MessagesOut.WithLabelValues("sync").Inc()
	}
}
