package webapp

import (
	"fmt"
	"net/http"
)

// dashboard is the authenticated landing page: a link into the user's own
// editor, which the reverse proxy starts on demand on first visit.
func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(r)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	body := fmt.Sprintf(`<!doctype html>
<html><head><title>Dashboard</title></head>
<body>
<h1>Welcome, %s</h1>
<p><a href="/u/%s/">Open your editor</a></p>
<form method="post" action="/logout"><button type="submit">Sign out</button></form>
</body></html>`, u.Name, u.UserID)
	writeHTML(w, http.StatusOK, body)
}

// sandbox serves the shell page for the client-side, IndexedDB-backed guest
// editor. Everything past this shell runs in the browser and is out of
// scope here.
func (h *Handler) sandbox(w http.ResponseWriter, _ *http.Request) {
	writeHTML(w, http.StatusOK, `<!doctype html>
<html><head><title>Sandbox</title></head>
<body><div id="root"></div></body></html>`)
}
