// Package proxy implements the authenticated reverse proxy for per-user
// editor traffic and the HTTP-to-WebSocket router that dispatches document
// sync and tunnel connections to the sync relay.
package proxy

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mrmd/orchestrator/internal/config"
	"github.com/mrmd/orchestrator/internal/service"
	"github.com/mrmd/orchestrator/internal/tokencache"
)

// Router holds everything the reverse proxy needs to resolve a request to
// an upstream (editor container or sync relay) and forward it.
type Router struct {
	lifecycle *service.UserLifecycleService
	tokens    *tokencache.Cache
	cfg       config.Config

	httpClient *http.Client
	errlog     *dedupLogger
}

// New builds a Router. lifecycle is used to resolve or on-demand start a
// user's editor before proxying to it; tokens validates the bearer token
// (Authorization header, ?token= query or session cookie) on every request.
func New(lifecycle *service.UserLifecycleService, tokens *tokencache.Cache, cfg config.Config) *Router {
	return &Router{
		lifecycle:  lifecycle,
		tokens:     tokens,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		errlog:     newDedupLogger(15 * time.Second),
	}
}

// Routes mounts the proxy's HTTP and WebSocket entry points on r.
func (p *Router) Routes(r chi.Router) {
	r.Get("/sync/{userId}/{project}/*", p.handleSyncUpgrade)
	r.Get("/tunnel/{userId}", p.handleTunnelUpgrade)
	r.HandleFunc("/u/{userId}/*", p.handleUser)
}
