package webapp

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

const loginPage = `<!doctype html>
<html><head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
<ul>
<li><a href="/login/github">Continue with GitHub</a></li>
<li><a href="/login/google">Continue with Google</a></li>
</ul>
</body></html>`

func (h *Handler) login(w http.ResponseWriter, _ *http.Request) {
	writeHTML(w, http.StatusOK, loginPage)
}

// loginProvider redirects the browser to the named provider's own OAuth
// authorize endpoint. The code it eventually returns is exchanged for a
// session by authCallback, not here — this handler never sees a client
// secret.
func (h *Handler) loginProvider(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	redirectURI := h.callbackURL(provider)

	var authorizeURL string
	switch provider {
	case "github":
		if h.oauth.GitHubClientID == "" {
			http.Error(w, "github login is not configured", http.StatusServiceUnavailable)
			return
		}
		v := url.Values{
			"client_id":    {h.oauth.GitHubClientID},
			"redirect_uri": {redirectURI},
			"scope":        {"user:email"},
		}
		authorizeURL = "https://github.com/login/oauth/authorize?" + v.Encode()
	case "google":
		if h.oauth.GoogleClientID == "" {
			http.Error(w, "google login is not configured", http.StatusServiceUnavailable)
			return
		}
		v := url.Values{
			"client_id":     {h.oauth.GoogleClientID},
			"redirect_uri":  {redirectURI},
			"response_type": {"code"},
			"scope":         {"openid email profile"},
		}
		authorizeURL = "https://accounts.google.com/o/oauth2/v2/auth?" + v.Encode()
	default:
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}

	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// authCallback exchanges the provider's authorization code for a session
// via AuthService and sets the session cookie.
func (h *Handler) authCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	var token string
	switch provider {
	case "github":
		s, err := h.auth.GitHubAuth(r.Context(), code)
		if err != nil {
			http.Error(w, "github sign-in failed", http.StatusBadGateway)
			return
		}
		token = s.Token
	case "google":
		s, err := h.auth.GoogleAuth(r.Context(), code)
		if err != nil {
			http.Error(w, "google sign-in failed", http.StatusBadGateway)
			return
		}
		token = s.Token
	default:
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}

	setSessionCookie(w, h.domain, token)
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if tok := requestCookie(r); tok != "" {
		_ = h.auth.Logout(r.Context(), tok)
	}
	clearSessionCookie(w, h.domain)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (h *Handler) callbackURL(provider string) string {
	scheme := "https"
	if !isPublicDomain(h.domain) {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/auth/callback/%s", scheme, h.domain, provider)
}
