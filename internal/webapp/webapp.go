// Package webapp implements the thin, server-rendered session surface
// around AuthService's OAuth flow: the login chooser, the GitHub/Google
// redirect-and-callback pair, logout, and the two authenticated landing
// pages (dashboard, sandbox). It owns the session_token cookie contract
// that the rest of the orchestrator (the reverse proxy, in particular)
// reads but never writes.
package webapp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mrmd/orchestrator/internal/adapter/serviceclients"
	"github.com/mrmd/orchestrator/internal/config"
	"github.com/mrmd/orchestrator/internal/tokencache"
)

// Handler serves the login/logout/dashboard/sandbox routes.
type Handler struct {
	auth   *serviceclients.AuthClient
	tokens *tokencache.Cache
	oauth  config.OAuth
	domain string
}

func New(auth *serviceclients.AuthClient, tokens *tokencache.Cache, oauth config.OAuth, domain string) *Handler {
	return &Handler{auth: auth, tokens: tokens, oauth: oauth, domain: domain}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/login", h.login)
	r.Get("/login/{provider}", h.loginProvider)
	r.Get("/auth/callback/{provider}", h.authCallback)
	r.Post("/logout", h.logout)
	r.Get("/dashboard", h.dashboard)
	r.Get("/sandbox", h.sandbox)
}

func (h *Handler) currentUser(r *http.Request) (*serviceclients.Principal, bool) {
	tok := requestCookie(r)
	if tok == "" {
		return nil, false
	}
	p, err := h.tokens.Validate(r.Context(), tok)
	if err != nil {
		return nil, false
	}
	return p, true
}

func requestCookie(r *http.Request) string {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
