package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mrmd/orchestrator/internal/adapter/serviceclients"
	"github.com/mrmd/orchestrator/internal/middleware"
	"github.com/mrmd/orchestrator/internal/tokencache"
)

type fakeCache struct{}

func (fakeCache) Get(context.Context, string) ([]byte, bool, error)    { return nil, false, nil }
func (fakeCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (fakeCache) Delete(context.Context, string) error                 { return nil }

type fakeValidator struct {
	principal *serviceclients.Principal
	err       error
}

func (f fakeValidator) Validate(context.Context, string) (*serviceclients.Principal, error) {
	return f.principal, f.err
}

func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func serve(t *testing.T, h func(http.Handler) http.Handler, r *http.Request) (*httptest.ResponseRecorder, *http.Request) {
	t.Helper()
	var gotReq *http.Request
	handler := h(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotReq = req
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	return rec, gotReq
}

func TestAuth_NoAuth_AcceptsAnyRequest(t *testing.T) {
	cache := tokencache.New(fakeValidator{}, fakeCache{}, time.Minute, time.Second)
	req := withChiParam(httptest.NewRequest(http.MethodGet, "/sync/u1/proj/doc", http.NoBody), "userId", "u1")

	rec, gotReq := serve(t, middleware.Auth(cache, "userId", true), req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if u := middleware.UserFromContext(gotReq.Context()); u == nil || u.ID != "u1" {
		t.Fatalf("expected user u1 in context, got %+v", u)
	}
}

func TestAuth_TrustProxyHeader_Matches(t *testing.T) {
	cache := tokencache.New(fakeValidator{}, fakeCache{}, time.Minute, time.Second)
	req := withChiParam(httptest.NewRequest(http.MethodGet, "/sync/u1/proj/doc", http.NoBody), "userId", "u1")
	req.Header.Set("X-User-Id", "u1")

	rec, _ := serve(t, middleware.Auth(cache, "userId", false), req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuth_TrustProxyHeader_Mismatch(t *testing.T) {
	cache := tokencache.New(fakeValidator{}, fakeCache{}, time.Minute, time.Second)
	req := withChiParam(httptest.NewRequest(http.MethodGet, "/sync/u1/proj/doc", http.NoBody), "userId", "u1")
	req.Header.Set("X-User-Id", "u2")

	rec, _ := serve(t, middleware.Auth(cache, "userId", false), req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAuth_NoCredentials_Returns401(t *testing.T) {
	cache := tokencache.New(fakeValidator{}, fakeCache{}, time.Minute, time.Second)
	req := withChiParam(httptest.NewRequest(http.MethodGet, "/sync/u1/proj/doc", http.NoBody), "userId", "u1")

	rec, _ := serve(t, middleware.Auth(cache, "userId", false), req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuth_BearerToken_ValidatesAndMatches(t *testing.T) {
	v := fakeValidator{principal: &serviceclients.Principal{UserID: "u1", Email: "a@b.com"}}
	cache := tokencache.New(v, fakeCache{}, time.Minute, time.Second)
	req := withChiParam(httptest.NewRequest(http.MethodGet, "/sync/u1/proj/doc", http.NoBody), "userId", "u1")
	req.Header.Set("Authorization", "Bearer tok-1")

	rec, gotReq := serve(t, middleware.Auth(cache, "userId", false), req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if u := middleware.UserFromContext(gotReq.Context()); u == nil || u.Email != "a@b.com" {
		t.Fatalf("expected resolved principal in context, got %+v", u)
	}
}

func TestAuth_BearerToken_WrongUser_Returns403(t *testing.T) {
	v := fakeValidator{principal: &serviceclients.Principal{UserID: "u2"}}
	cache := tokencache.New(v, fakeCache{}, time.Minute, time.Second)
	req := withChiParam(httptest.NewRequest(http.MethodGet, "/sync/u1/proj/doc", http.NoBody), "userId", "u1")
	req.Header.Set("Authorization", "Bearer tok-1")

	rec, _ := serve(t, middleware.Auth(cache, "userId", false), req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAuth_BearerToken_Invalid_Returns401(t *testing.T) {
	v := fakeValidator{err: &serviceclients.APIError{Status: 401, Body: "nope"}}
	cache := tokencache.New(v, fakeCache{}, time.Minute, time.Second)
	req := withChiParam(httptest.NewRequest(http.MethodGet, "/sync/u1/proj/doc", http.NoBody), "userId", "u1")
	req.Header.Set("Authorization", "Bearer bad-tok")

	rec, _ := serve(t, middleware.Auth(cache, "userId", false), req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuth_BearerToken_UpstreamDown_Returns503(t *testing.T) {
	v := fakeValidator{err: errors.New("dial tcp: connection refused")}
	cache := tokencache.New(v, fakeCache{}, time.Minute, time.Second)
	req := withChiParam(httptest.NewRequest(http.MethodGet, "/sync/u1/proj/doc", http.NoBody), "userId", "u1")
	req.Header.Set("Authorization", "Bearer tok-1")

	rec, _ := serve(t, middleware.Auth(cache, "userId", false), req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestAuth_TokenQueryParam_UsedForWebSocketUpgrades(t *testing.T) {
	v := fakeValidator{principal: &serviceclients.Principal{UserID: "u1"}}
	cache := tokencache.New(v, fakeCache{}, time.Minute, time.Second)
	req := withChiParam(httptest.NewRequest(http.MethodGet, "/sync/u1/proj/doc?token=tok-1", http.NoBody), "userId", "u1")

	rec, _ := serve(t, middleware.Auth(cache, "userId", false), req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
