package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mrmd/orchestrator/internal/adapter/otel"
	"github.com/mrmd/orchestrator/internal/domain/editor"
	"github.com/mrmd/orchestrator/internal/domain/user"
	"github.com/mrmd/orchestrator/internal/metrics"
)

// handleUser is the single entry point for /u/{userId}/*: it authenticates
// the request, then dispatches to the WebSocket router or the plain HTTP
// reverse proxy depending on whether this is an upgrade request.
func (p *Router) handleUser(w http.ResponseWriter, r *http.Request) {
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

	rest := "/" + chi.URLParam(r, "*")

	if isWebSocketUpgrade(r) {
		p.handleUserWS(w, r, u, rest)
		return
	}
	p.handleUserHTTP(w, r, u, rest)
}

// resolveEditor returns the user's active editor, on-demand starting one
// through UserLifecycle if none is running.
func (p *Router) resolveEditor(ctx context.Context, u *user.User) (*editor.Info, error) {
	if info, ok := p.lifecycle.Get(u.ID); ok && info.State == editor.StateActive {
		return info, nil
	}

	ctx, span := otel.StartEditorSessionSpan(ctx, u.ID)
	defer span.End()
	return p.lifecycle.Login(ctx, *u)
}

func (p *Router) handleUserHTTP(w http.ResponseWriter, r *http.Request, u *user.User, rest string) {
	info, err := p.resolveEditor(r.Context(), u)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("http", "start_failed").Inc()
		if acceptsHTML(r) {
			http.Redirect(w, r, "/dashboard", http.StatusFound)
			return
		}
		http.Error(w, "editor unavailable", http.StatusBadGateway)
		return
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("localhost:%d", info.EditorPort)}
	proxy := httputil.NewSingleHostReverseProxy(target)

	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.URL.Path = rest
		req.URL.RawPath = ""
		req.Host = target.Host
		req.Header.Set("X-Forwarded-Proto", forwardedProto(r))
	}
	proxy.ErrorHandler = func(rw http.ResponseWriter, req *http.Request, proxyErr error) {
		p.errlog.upstreamError(target.Host, http.StatusBadGateway, proxyErr)
		metrics.ProxyUpstreamErrors.WithLabelValues(target.Host).Inc()
		metrics.ProxyRequests.WithLabelValues("http", "upstream_error").Inc()
		rw.WriteHeader(http.StatusBadGateway)
	}

	metrics.ProxyRequests.WithLabelValues("http", "ok").Inc()
	proxy.ServeHTTP(w, r)
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
