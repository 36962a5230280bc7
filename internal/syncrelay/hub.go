// Package syncrelay is the CRDT document hub: it accepts WebSocket
// connections speaking the sync protocol from internal/crdt/ydoc, keeps
// one ydoc.Doc + ydoc.Awareness per (user, project, docPath), persists
// debounced saves to Postgres, and hosts the machine-agent tunnel hub
// alongside it (see tunnel.go).
package syncrelay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/mrmd/orchestrator/internal/crdt/ydoc"
	"github.com/mrmd/orchestrator/internal/metrics"
	"github.com/mrmd/orchestrator/internal/port/database"
)

// DocKey identifies one collaboratively-edited document.
type DocKey struct {
	UserID  string
	Project string
	Path    string
}

func (k DocKey) String() string {
	return k.UserID + "/" + k.Project + "/" + k.Path
}

const (
	heartbeatInterval = 30 * time.Second
	pingTimeout       = 10 * time.Second
)

// Hub owns every live document and tunnel room. One Hub runs per
// sync-relay process.
type Hub struct {
	store        database.Store
	saveDebounce time.Duration
	cleanupDelay time.Duration
	maxConns     int32
	allowOrigin  string
	nextClientID uint64
	activeConns  int32

	mu     sync.Mutex
	docs   map[DocKey]*docEntry
	loadSF singleflight.Group

	tunnelMu sync.Mutex
	rooms    map[string]*tunnelRoom
}

// NewHub creates a Hub backed by store, debouncing saves by saveDebounce
// and evicting idle documents cleanupDelay after their last client leaves.
// maxConns <= 0 means unlimited.
func NewHub(store database.Store, saveDebounce, cleanupDelay time.Duration, maxConns int32, allowOrigin string) *Hub {
	return &Hub{
		store:        store,
		saveDebounce: saveDebounce,
		cleanupDelay: cleanupDelay,
		maxConns:     maxConns,
		allowOrigin:  allowOrigin,
		docs:         make(map[DocKey]*docEntry),
		rooms:        make(map[string]*tunnelRoom),
	}
}

// ServeSync upgrades the request to a WebSocket and runs the sync protocol
// for key until the client disconnects. The caller (the HTTP router) must
// already have authenticated the request and confirmed the URL's userId
// matches the validated principal.
func (h *Hub) ServeSync(w http.ResponseWriter, r *http.Request, key DocKey) {
	if h.maxConns > 0 && atomic.LoadInt32(&h.activeConns) >= h.maxConns {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	opts := &websocket.AcceptOptions{}
	if h.allowOrigin != "" {
		opts.OriginPatterns = []string{h.allowOrigin}
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Error("sync upgrade failed", "error", err, "doc", key.String())
		return
	}

	atomic.AddInt32(&h.activeConns, 1)
	metrics.ConnectionsOpened.WithLabelValues("sync").Inc()
	metrics.ConnectionsActive.WithLabelValues("sync").Inc()
	defer func() {
		atomic.AddInt32(&h.activeConns, -1)
		metrics.ConnectionsClosed.WithLabelValues("sync").Inc()
		metrics.ConnectionsActive.WithLabelValues("sync").Dec()
	}()

	clientID := atomic.AddUint64(&h.nextClientID, 1)
	entry := h.getOrCreateDoc(r.Context(), key)
	h.MaybeSendBridgeRequest(r.Context(), key.UserID, key.Project, key.Path)

	c := &syncConn{ws: ws, clientID: clientID}
	entry.addConn(c)
	defer entry.removeConn(h, key, c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go heartbeat(ctx, ws, cancel)

	// Sync step-1: ask the new client for its state vector.
	_ = c.write(ctx, ydoc.EncodeSyncStep1(entry.doc.EncodeStateVector()))
	// Send current awareness snapshot.
	if snap := entry.encodeAwarenessSnapshot(); snap != nil {
		_ = c.write(ctx, ydoc.EncodeAwareness(snap))
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		entry.handleFrame(ctx, c, data)
	}
}

// getOrCreateDoc returns the live docEntry for key, creating and loading it
// from Postgres on first connect. Concurrent first-connects for the same
// key share a single load via loadSF rather than each racing to the store.
func (h *Hub) getOrCreateDoc(ctx context.Context, key DocKey) *docEntry {
	h.mu.Lock()
	if e, ok := h.docs[key]; ok {
		e.cancelCleanup()
		h.mu.Unlock()
		return e
	}
	h.mu.Unlock()

	v, _, _ := h.loadSF.Do(key.String(), func() (any, error) {
		h.mu.Lock()
		if e, ok := h.docs[key]; ok {
			h.mu.Unlock()
			return e, nil
		}
		h.mu.Unlock()

		e := newDocEntry(key)
		e.loadPersisted(ctx, h.store)
		e.armSaveOnUpdate(h)

		h.mu.Lock()
		h.docs[key] = e
		h.mu.Unlock()

		metrics.DocsActive.Inc()
		metrics.DocsLoaded.Inc()
		return e, nil
	})

	e := v.(*docEntry)
	e.cancelCleanup()
	return e
}

// scheduleCleanup arms a timer that evicts key from h.docs after
// h.cleanupDelay if it is still empty when the timer fires.
func (h *Hub) scheduleCleanup(key DocKey) {
	h.mu.Lock()
	e, ok := h.docs[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	delay := h.cleanupDelay
	h.mu.Unlock()

	timer := time.AfterFunc(delay, func() {
		h.mu.Lock()
		cur, ok := h.docs[key]
		if !ok || cur != e {
			h.mu.Unlock()
			return
		}
		if cur.connCount() > 0 {
			h.mu.Unlock()
			return
		}
		delete(h.docs, key)
		h.mu.Unlock()

		cur.flush(context.Background(), h.store)
		metrics.DocsActive.Dec()
	})

	e.mu.Lock()
	e.cleanupTimer = timer
	e.mu.Unlock()
}

// FlushAll force-saves every dirty document, used during graceful shutdown.
func (h *Hub) FlushAll(ctx context.Context) {
	h.mu.Lock()
	entries := make([]*docEntry, 0, len(h.docs))
	for _, e := range h.docs {
		entries = append(entries, e)
	}
	h.mu.Unlock()

	for _, e := range entries {
		e.flush(ctx, h.store)
	}
}

// Shutdown closes every live sync connection with StatusGoingAway, flushes
// whatever that leaves dirty, and drops every in-memory Y.Doc. Call after
// FlushAll has already run once; flush is idempotent so the second pass
// here only catches updates applied between the two calls.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	entries := make([]*docEntry, 0, len(h.docs))
	for _, e := range h.docs {
		entries = append(entries, e)
	}
	h.mu.Unlock()

	for _, e := range entries {
		e.closeConns()
		e.flush(ctx, h.store)
	}

	h.mu.Lock()
	h.docs = make(map[DocKey]*docEntry)
	h.mu.Unlock()
}

func heartbeat(ctx context.Context, ws *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pingTimeout)
			err := ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}

