package tokencache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mrmd/orchestrator/internal/adapter/serviceclients"
	"github.com/mrmd/orchestrator/internal/tokencache"
)

// memCache is a minimal in-memory cache.Cache for exercising tokencache
// without pulling in ristretto's own eventual-consistency semantics.
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
	calls     int
	principal *serviceclients.Principal
	err       error
}

func (f *fakeValidator) Validate(_ context.Context, _ string) (*serviceclients.Principal, error) {
	f.calls++
	return f.principal, f.err
}

func TestCache_ValidateCachesSuccess(t *testing.T) {
	v := &fakeValidator{principal: &serviceclients.Principal{UserID: "u1"}}
	c := tokencache.New(v, newMemCache(), time.Minute, time.Second)

	for i := 0; i < 3; i++ {
		p, err := c.Validate(context.Background(), "tok-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.UserID != "u1" {
			t.Fatalf("expected u1, got %q", p.UserID)
		}
	}
	if v.calls != 1 {
		t.Fatalf("expected upstream Validate called once, got %d", v.calls)
	}
}

func TestCache_ValidateCachesRejection(t *testing.T) {
	v := &fakeValidator{err: &serviceclients.APIError{Status: 401, Body: "invalid"}}
	c := tokencache.New(v, newMemCache(), time.Minute, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := c.Validate(context.Background(), "tok-bad")
		if !errors.Is(err, tokencache.ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	}
	if v.calls != 1 {
		t.Fatalf("expected upstream Validate called once, got %d", v.calls)
	}
}

func TestCache_DoesNotCacheTransientError(t *testing.T) {
	v := &fakeValidator{err: errors.New("connection refused")}
	c := tokencache.New(v, newMemCache(), time.Minute, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := c.Validate(context.Background(), "tok-flaky")
		if err == nil || errors.Is(err, tokencache.ErrInvalidToken) {
			t.Fatalf("expected raw transient error, got %v", err)
		}
	}
	if v.calls != 2 {
		t.Fatalf("expected upstream Validate called on every attempt, got %d", v.calls)
	}
}
