package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mrmd/orchestrator/internal/adapter/serviceclients"
	"github.com/mrmd/orchestrator/internal/config"
	"github.com/mrmd/orchestrator/internal/tokencache"
)

// memCache is a minimal in-memory cache.Cache, mirroring the fake used by
// the tokencache package's own tests.
type memCache struct {
	mu   sync.Mutex
	vals map[string][]byte
}

func newMemCache() *memCache { return &memCache{vals: map[string][]byte{}} }

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	return v, ok, nil
}
func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = value
	return nil
}
func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vals, key)
	return nil
}

type fakeValidator struct {
	principal *serviceclients.Principal
	err       error
}

func (f *fakeValidator) Validate(context.Context, string) (*serviceclients.Principal, error) {
	return f.principal, f.err
}

func newTestRouter(validator *fakeValidator) *Router {
	tc := tokencache.New(validator, newMemCache(), time.Minute, time.Second)
	return New(nil, tc, config.Config{})
}

func TestRequestToken_PrefersAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/u/u1/x?token=query-tok", nil)
	r.Header.Set("Authorization", "Bearer header-tok")
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "cookie-tok"})

	if got := requestToken(r); got != "header-tok" {
		t.Fatalf("requestToken = %q, want header-tok", got)
	}
}

func TestRequestToken_FallsBackToQueryThenCookie(t *testing.T) {
	query := httptest.NewRequest(http.MethodGet, "/u/u1/x?token=query-tok", nil)
	if got := requestToken(query); got != "query-tok" {
		t.Fatalf("requestToken = %q, want query-tok", got)
	}

	cookieOnly := httptest.NewRequest(http.MethodGet, "/u/u1/x", nil)
	cookieOnly.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "cookie-tok"})
	if got := requestToken(cookieOnly); got != "cookie-tok" {
		t.Fatalf("requestToken = %q, want cookie-tok", got)
	}
}

func TestAcceptsHTML(t *testing.T) {
	html := httptest.NewRequest(http.MethodGet, "/", nil)
	html.Header.Set("Accept", "text/html,application/xhtml+xml")
	if !acceptsHTML(html) {
		t.Fatal("expected acceptsHTML true")
	}

	api := httptest.NewRequest(http.MethodGet, "/", nil)
	api.Header.Set("Accept", "application/json")
	if acceptsHTML(api) {
		t.Fatal("expected acceptsHTML false")
	}
}

func TestRouter_Authenticate_Success(t *testing.T) {
	p := newTestRouter(&fakeValidator{principal: &serviceclients.Principal{UserID: "u1", Email: "u1@example.com"}})

	r := httptest.NewRequest(http.MethodGet, "/u/u1/x", nil)
	r.Header.Set("Authorization", "Bearer good-tok")

	u, err := p.authenticate(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.ID != "u1" || u.Email != "u1@example.com" {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestRouter_Authenticate_NoTokenIsInvalid(t *testing.T) {
	p := newTestRouter(&fakeValidator{})

	r := httptest.NewRequest(http.MethodGet, "/u/u1/x", nil)
	if _, err := p.authenticate(r); err != tokencache.ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRouter_Authenticate_RejectedToken(t *testing.T) {
	p := newTestRouter(&fakeValidator{err: &serviceclients.APIError{Status: 401, Body: "invalid"}})

	r := httptest.NewRequest(http.MethodGet, "/u/u1/x", nil)
	r.Header.Set("Authorization", "Bearer bad-tok")

	if _, err := p.authenticate(r); err != tokencache.ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
