package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/mrmd/orchestrator/internal/domain/user"
	"github.com/mrmd/orchestrator/internal/metrics"
)

// legacySyncPathRegex matches the editor's built-in document sync path,
// e.g. "/sync/4200/notes.md". The legacy URL carries no project name, so
// every match is mirrored/relayed under the "default" project.
var legacySyncPathRegex = regexp.MustCompile(`^/sync/\d+/(.+)$`)

const legacyProject = "default"

// handleUserWS routes a WebSocket upgrade under /u/{userId}/* to the
// editor container, or — for the legacy sync path under mirror/relay_primary
// modes — to the sync relay instead of (or alongside) the editor.
func (p *Router) handleUserWS(w http.ResponseWriter, r *http.Request, u *user.User, rest string) {
	if m := legacySyncPathRegex.FindStringSubmatch(rest); m != nil {
		switch p.cfg.Sync.Mode {
		case "relay_primary":
			p.proxyRelayPrimary(w, r, u, m[1])
			return
		case "mirror":
			p.proxyMirror(w, r, u, rest, m[1])
			return
		}
	}
	p.proxyEditorWS(w, r, u, rest)
}

func (p *Router) proxyEditorWS(w http.ResponseWriter, r *http.Request, u *user.User, rest string) {
	info, err := p.resolveEditor(r.Context(), u)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("ws", "start_failed").Inc()
		http.Error(w, "editor unavailable", http.StatusBadGateway)
		return
	}

	target := fmt.Sprintf("ws://localhost:%d%s", info.EditorPort, withQuery(rest, r.URL.RawQuery))
	p.bridge(w, r, "sync", target, nil)
}

func (p *Router) proxyRelayPrimary(w http.ResponseWriter, r *http.Request, u *user.User, docPath string) {
	target := toWS(p.cfg.SyncRelay.URL) + "/sync/" + u.ID + "/" + legacyProject + "/" + docPath
	p.bridge(w, r, "sync", target, p.relayHeader(r, u))
}

// proxyMirror proxies the legacy sync path to the editor container — the
// connection of record — and best-effort replicates every binary frame in
// either direction to a second connection against the sync relay, so the
// relay's persisted copy of the document stays current even though the
// editor remains primary. A mirror dial failure is logged and otherwise
// ignored; it never affects the primary connection.
func (p *Router) proxyMirror(w http.ResponseWriter, r *http.Request, u *user.User, rest, docPath string) {
	info, err := p.resolveEditor(r.Context(), u)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("ws", "start_failed").Inc()
		http.Error(w, "editor unavailable", http.StatusBadGateway)
		return
	}
	primaryURL := fmt.Sprintf("ws://localhost:%d%s", info.EditorPort, withQuery(rest, r.URL.RawQuery))

	ctx := r.Context()
	primary, _, err := websocket.Dial(ctx, primaryURL, &websocket.DialOptions{})
	if err != nil {
		p.errlog.upstreamError(primaryURL, http.StatusBadGateway, err)
		metrics.ProxyRequests.WithLabelValues("ws", "upstream_error").Inc()
		http.Error(w, "editor unavailable", http.StatusBadGateway)
		return
	}
	defer func() { _ = primary.Close(websocket.StatusNormalClosure, "") }()

	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}
	defer func() { _ = client.Close(websocket.StatusNormalClosure, "") }()

	relayURL := toWS(p.cfg.SyncRelay.URL) + "/sync/" + u.ID + "/" + legacyProject + "/" + docPath
	var mirror *guardedConn
	mc, _, merr := websocket.Dial(ctx, relayURL, &websocket.DialOptions{HTTPHeader: p.relayHeader(r, u)})
	if merr != nil {
		slog.Warn("proxy: mirror connection to sync relay failed, continuing without it",
			"user_id", u.ID, "error", merr)
	} else {
		mirror = &guardedConn{ws: mc}
		defer func() { _ = mc.Close(websocket.StatusNormalClosure, "") }()
	}

	metrics.ConnectionsOpened.WithLabelValues("sync").Inc()
	metrics.ConnectionsActive.WithLabelValues("sync").Inc()
	defer func() {
		metrics.ConnectionsClosed.WithLabelValues("sync").Inc()
		metrics.ConnectionsActive.WithLabelValues("sync").Dec()
	}()

	pumpMirrored(ctx, client, primary, mirror)
}

func (p *Router) handleSyncUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	project := chi.URLParam(r, "project")
	docPath := chi.URLParam(r, "*")

	u, err := p.authenticate(r)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if u.ID != userID {
		http.Error(w, "user id mismatch", http.StatusForbidden)
		return
	}

	target := toWS(p.cfg.SyncRelay.URL) + "/sync/" + userID + "/" + project + "/" + docPath
	p.bridge(w, r, "sync", target, p.relayHeader(r, u))
}

func (p *Router) handleTunnelUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	u, err := p.authenticate(r)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if u.ID != userID {
		http.Error(w, "user id mismatch", http.StatusForbidden)
		return
	}

	target := toWS(p.cfg.SyncRelay.URL) + "/tunnel/" + userID
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	p.bridge(w, r, "tunnel", target, p.relayHeader(r, u))
}

// relayHeader carries identity through to the sync relay, which trusts
// X-User-Id from the orchestrator the same way the orchestrator trusts it
// from Caddy.
func (p *Router) relayHeader(r *http.Request, u *user.User) http.Header {
	h := http.Header{}
	h.Set("X-User-Id", u.ID)
	if auth := r.Header.Get("Authorization"); auth != "" {
		h.Set("Authorization", auth)
	}
	return h
}

// bridge dials target, accepts the inbound upgrade, and pumps frames
// symmetrically between the two until either side closes or errors.
// Dialing the upstream before accepting the client connection means no
// client frame can arrive before the upstream is open.
func (p *Router) bridge(w http.ResponseWriter, r *http.Request, kind, target string, header http.Header) {
	ctx := r.Context()
	upstream, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		p.errlog.upstreamError(target, http.StatusBadGateway, err)
		metrics.ProxyRequests.WithLabelValues(kind, "upstream_error").Inc()
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer func() { _ = upstream.Close(websocket.StatusNormalClosure, "") }()

	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}
	defer func() { _ = client.Close(websocket.StatusNormalClosure, "") }()

	metrics.ConnectionsOpened.WithLabelValues(kind).Inc()
	metrics.ConnectionsActive.WithLabelValues(kind).Inc()
	defer func() {
		metrics.ConnectionsClosed.WithLabelValues(kind).Inc()
		metrics.ConnectionsActive.WithLabelValues(kind).Dec()
	}()

	pump(ctx, client, upstream)
}

// pump copies WebSocket frames symmetrically between a and b until either
// side errors or closes; both ends are then torn down by the caller.
func pump(ctx context.Context, a, b *websocket.Conn) {
	errCh := make(chan error, 2)
	go copyFrames(ctx, a, b, errCh)
	go copyFrames(ctx, b, a, errCh)
	<-errCh
}

func copyFrames(ctx context.Context, src, dst *websocket.Conn, errCh chan error) {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			errCh <- err
			return
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			errCh <- err
			return
		}
	}
}

// guardedConn serializes writes to a WebSocket connection that more than
// one goroutine may write to, since coder/websocket allows only one
// concurrent writer per connection.
type guardedConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (g *guardedConn) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ws.Write(ctx, typ, data)
}

// pumpMirrored runs the primary client<->editor pump, best-effort
// replicating every binary frame that crosses it to mirror as well (if
// non-nil). A mirror write failure is logged but never tears down the
// primary connection.
func pumpMirrored(ctx context.Context, client, primary *websocket.Conn, mirror *guardedConn) {
	errCh := make(chan error, 2)
	go relayLeg(ctx, client, primary, mirror, errCh)
	go relayLeg(ctx, primary, client, mirror, errCh)
	<-errCh
}

func relayLeg(ctx context.Context, src, dst *websocket.Conn, mirror *guardedConn, errCh chan error) {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			errCh <- err
			return
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			errCh <- err
			return
		}
		if mirror != nil && typ == websocket.MessageBinary {
			if err := mirror.write(ctx, typ, data); err != nil {
				slog.Warn("proxy: mirror write failed", "error", err)
			}
		}
	}
}

func withQuery(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}
	return path + "?" + rawQuery
}

func toWS(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}
