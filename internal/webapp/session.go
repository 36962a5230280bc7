package webapp

import (
	"net/http"
	"strings"
)

const sessionCookieName = "session_token"

// setSessionCookie issues the session cookie for domain. Secure is set
// whenever domain isn't a local development host.
func setSessionCookie(w http.ResponseWriter, domain, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Domain:   domain,
		HttpOnly: true,
		Secure:   isPublicDomain(domain),
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookie expires the cookie under both the bare domain and the
// legacy leading-dot variant some older clients may still hold, so a stale
// leading-dot cookie set before a domain migration can't outlive logout.
func clearSessionCookie(w http.ResponseWriter, domain string) {
	for _, d := range []string{domain, "." + domain} {
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    "",
			Path:     "/",
			Domain:   d,
			HttpOnly: true,
			Secure:   isPublicDomain(domain),
			SameSite: http.SameSiteLaxMode,
			MaxAge:   -1,
		})
	}
}

func isPublicDomain(domain string) bool {
	return domain != "" && !strings.HasPrefix(domain, "localhost") && !strings.HasPrefix(domain, "127.0.0.1")
}
