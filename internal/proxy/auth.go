package proxy

import (
	"errors"
	"net/http"
	"strings"

	"github.com/mrmd/orchestrator/internal/domain/user"
	"github.com/mrmd/orchestrator/internal/tokencache"
)

const sessionCookieName = "session_token"

// authenticate resolves the requesting user from a cookie or query-string
// token, the two forms a browser can attach to both a plain HTTP request
// and a WebSocket upgrade (which cannot set arbitrary headers).
func (p *Router) authenticate(r *http.Request) (*user.User, error) {
	token := requestToken(r)
	if token == "" {
		return nil, tokencache.ErrInvalidToken
	}

	principal, err := p.tokens.Validate(r.Context(), token)
	if err != nil {
		return nil, err
	}

	return &user.User{
		ID:       principal.UserID,
		Email:    principal.Email,
		Username: principal.Username,
		Name:     principal.Name,
		Plan:     user.Plan(principal.Plan),
	}, nil
}

func requestToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
			return token
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if c, err := r.Cookie(sessionCookieName); err == nil {
		return c.Value
	}
	return ""
}

// writeAuthError responds to a failed authentication, redirecting browsers
// to the login page and returning a plain error to everything else.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusUnauthorized
	if !errors.Is(err, tokencache.ErrInvalidToken) {
		status = http.StatusServiceUnavailable
	}
	if acceptsHTML(r) && status == http.StatusUnauthorized {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	http.Error(w, "authentication required", status)
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
