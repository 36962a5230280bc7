// Package tokencache wraps AuthService session validation with a short-lived
// in-process cache, so the reverse proxy and sync relay don't round-trip to
// AuthService on every request. Successful validations are cached longer
// than failures, so a token revoked mid-session is rejected quickly while a
// burst of requests for the same valid session costs one upstream call.
package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mrmd/orchestrator/internal/adapter/serviceclients"
	"github.com/mrmd/orchestrator/internal/port/cache"
)

// ErrInvalidToken is returned for a cached negative validation result. It is
// distinct from a transient AuthService failure, which is never cached.
var ErrInvalidToken = errors.New("tokencache: invalid token")

// Validator resolves a bearer token to a principal, matching the subset of
// serviceclients.AuthClient this package depends on.
type Validator interface {
	Validate(ctx context.Context, token string) (*serviceclients.Principal, error)
}

// Cache memoizes AuthClient.Validate results in a backing cache.Cache,
// splitting the TTL between successful and failed validations.
type Cache struct {
	validator   Validator
	backing     cache.Cache
	positiveTTL time.Duration
	negativeTTL time.Duration
}

// New creates a Cache. positiveTTL bounds how long a valid token is trusted
// without re-checking AuthService; negativeTTL bounds how long a rejection
// is remembered, kept short so a just-issued token isn't refused for long.
func New(validator Validator, backing cache.Cache, positiveTTL, negativeTTL time.Duration) *Cache {
	return &Cache{
		validator:   validator,
		backing:     backing,
		positiveTTL: positiveTTL,
		negativeTTL: negativeTTL,
	}
}

// entry is the JSON form stored in the backing cache. Valid distinguishes a
// cached rejection (Valid=false) from a cache miss (no entry at all).
type entry struct {
	Valid     bool                     `json:"valid"`
	Principal *serviceclients.Principal `json:"principal,omitempty"`
}

// Validate resolves token to its principal, consulting the cache before
// calling AuthService. A cached or fresh rejection returns ErrInvalidToken;
// any other error indicates AuthService itself could not be reached and must
// not be cached.
func (c *Cache) Validate(ctx context.Context, token string) (*serviceclients.Principal, error) {
	key := cacheKey(token)

	if raw, ok, err := c.backing.Get(ctx, key); err == nil && ok {
		var e entry
		if json.Unmarshal(raw, &e) == nil {
			if !e.Valid {
				return nil, ErrInvalidToken
			}
			return e.Principal, nil
		}
	}

	principal, err := c.validator.Validate(ctx, token)
	if err != nil {
		var apiErr *serviceclients.APIError
		if errors.As(err, &apiErr) && (apiErr.Status == 401 || apiErr.Status == 403) {
			c.store(ctx, key, entry{Valid: false}, c.negativeTTL)
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	c.store(ctx, key, entry{Valid: true, Principal: principal}, c.positiveTTL)
	return principal, nil
}

func (c *Cache) store(ctx context.Context, key string, e entry, ttl time.Duration) {
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	_ = c.backing.Set(ctx, key, raw, ttl)
}

// cacheKey namespaces token-validation entries within a shared backing cache.
func cacheKey(token string) string {
	return "tokencache:" + token
}
