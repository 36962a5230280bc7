// Package serviceclients provides typed HTTP clients for the orchestrator's
// sibling services: AuthService, ComputeManager, ResourceMonitor, and
// PublishService. Every call sends/receives JSON, runs through a shared
// circuit breaker, and translates non-2xx responses into a typed APIError
// carrying the status and parsed body.
package serviceclients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mrmd/orchestrator/internal/resilience"
)

const (
	defaultTimeout = 30 * time.Second
	healthTimeout  = 5 * time.Second
)

// APIError carries the HTTP status and raw response body of a failed call.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("service API error %d: %s", e.Status, e.Body)
}

// base is the shared request/response plumbing embedded by every client.
type base struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

func newBase(baseURL string, breaker *resilience.Breaker) base {
	return base{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		breaker:    breaker,
	}
}

func (b *base) doRequest(ctx context.Context, method, path string, body, out any) error {
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}
			bodyReader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := b.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return &APIError{Status: resp.StatusCode, Body: string(data)}
		}

		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("unmarshal response: %w", err)
			}
		}
		return nil
	}

	if b.breaker != nil {
		return b.breaker.Execute(call)
	}
	return call()
}

func (b *base) health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return b.doRequest(ctx, http.MethodGet, "/health", nil, nil)
}

// --- AuthClient ---

// AuthClient validates bearer tokens against AuthService.
type AuthClient struct {
	base
}

// NewAuthClient creates an AuthClient targeting baseURL, wrapped by breaker.
func NewAuthClient(baseURL string, breaker *resilience.Breaker) *AuthClient {
	return &AuthClient{base: newBase(baseURL, breaker)}
}

// Principal is the identity AuthService resolves a valid token to.
type Principal struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Plan     string `json:"plan"`
}

// Validate resolves a bearer token to its principal. A 401/403 APIError
// means the token is invalid or expired; callers must not treat that as a
// transient failure.
func (c *AuthClient) Validate(ctx context.Context, token string) (*Principal, error) {
	var p Principal
	if err := c.doRequest(ctx, http.MethodGet, "/api/sessions/"+token, nil, &p); err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	return &p, nil
}

// Health reports whether AuthService is reachable.
func (c *AuthClient) Health(ctx context.Context) error {
	return c.health(ctx)
}

// Session is what AuthService returns for a completed OAuth exchange: a
// bearer token good for subsequent Validate calls, plus the principal it
// resolves to (so the caller can set a cookie without a second round trip).
type Session struct {
	Token string    `json:"token"`
	User  Principal `json:"user"`
}

// GitHubAuth exchanges a GitHub OAuth authorization code for a session.
func (c *AuthClient) GitHubAuth(ctx context.Context, code string) (*Session, error) {
	var s Session
	if err := c.doRequest(ctx, http.MethodPost, "/api/oauth/github", map[string]string{"code": code}, &s); err != nil {
		return nil, fmt.Errorf("github oauth exchange: %w", err)
	}
	return &s, nil
}

// GoogleAuth exchanges a Google OAuth authorization code for a session.
func (c *AuthClient) GoogleAuth(ctx context.Context, code string) (*Session, error) {
	var s Session
	if err := c.doRequest(ctx, http.MethodPost, "/api/oauth/google", map[string]string{"code": code}, &s); err != nil {
		return nil, fmt.Errorf("google oauth exchange: %w", err)
	}
	return &s, nil
}

// Logout invalidates token on AuthService. Failure is non-fatal for the
// caller, which clears its own cookie regardless.
func (c *AuthClient) Logout(ctx context.Context, token string) error {
	if err := c.doRequest(ctx, http.MethodDelete, "/api/sessions/"+token, nil, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// --- ComputeClient ---

// ComputeClient manages runtime container lifecycle via ComputeManager.
type ComputeClient struct {
	base
}

// NewComputeClient creates a ComputeClient targeting baseURL, wrapped by breaker.
func NewComputeClient(baseURL string, breaker *resilience.Breaker) *ComputeClient {
	return &ComputeClient{base: newBase(baseURL, breaker)}
}

// RuntimeHandle identifies a started or migrated runtime container.
type RuntimeHandle struct {
	RuntimeID     string `json:"runtimeId"`
	ContainerName string `json:"containerName"`
	Port          int    `json:"port"`
	Host          string `json:"host"`
}

// StartRuntime requests a new runtime container for a user.
func (c *ComputeClient) StartRuntime(ctx context.Context, userID, instanceType string) (*RuntimeHandle, error) {
	req := map[string]string{"userId": userID, "instanceType": instanceType}
	var h RuntimeHandle
	if err := c.doRequest(ctx, http.MethodPost, "/api/runtimes", req, &h); err != nil {
		return nil, fmt.Errorf("start runtime: %w", err)
	}
	return &h, nil
}

// StopRuntime stops and removes a runtime container.
func (c *ComputeClient) StopRuntime(ctx context.Context, runtimeID string) error {
	if err := c.doRequest(ctx, http.MethodDelete, "/api/runtimes/"+runtimeID, nil, nil); err != nil {
		return fmt.Errorf("stop runtime %s: %w", runtimeID, err)
	}
	return nil
}

// Migrate moves a runtime to a new instance type, returning the new handle.
func (c *ComputeClient) Migrate(ctx context.Context, runtimeID, targetInstanceType string) (*RuntimeHandle, error) {
	req := map[string]string{"instanceType": targetInstanceType}
	var h RuntimeHandle
	if err := c.doRequest(ctx, http.MethodPost, "/api/runtimes/"+runtimeID+"/migrate", req, &h); err != nil {
		return nil, fmt.Errorf("migrate runtime %s: %w", runtimeID, err)
	}
	return &h, nil
}

// Snapshot checkpoints a runtime (CRIU) and returns a restorable snapshot ID.
func (c *ComputeClient) Snapshot(ctx context.Context, runtimeID string) (string, error) {
	var resp struct {
		SnapshotID string `json:"snapshotId"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/api/runtimes/"+runtimeID+"/snapshot", nil, &resp); err != nil {
		return "", fmt.Errorf("snapshot runtime %s: %w", runtimeID, err)
	}
	return resp.SnapshotID, nil
}

// Restore resumes a runtime from a prior snapshot.
func (c *ComputeClient) Restore(ctx context.Context, snapshotID string) (*RuntimeHandle, error) {
	var h RuntimeHandle
	if err := c.doRequest(ctx, http.MethodPost, "/api/snapshots/"+snapshotID+"/restore", nil, &h); err != nil {
		return nil, fmt.Errorf("restore snapshot %s: %w", snapshotID, err)
	}
	return &h, nil
}

// Health reports whether ComputeManager is reachable.
func (c *ComputeClient) Health(ctx context.Context) error {
	return c.health(ctx)
}

// --- ResourceMonitorClient ---

// ResourceMonitorClient registers/unregisters runtimes for memory-pressure
// monitoring. Calls are best-effort from the caller's perspective.
type ResourceMonitorClient struct {
	base
}

// NewResourceMonitorClient creates a ResourceMonitorClient targeting baseURL.
func NewResourceMonitorClient(baseURL string, breaker *resilience.Breaker) *ResourceMonitorClient {
	return &ResourceMonitorClient{base: newBase(baseURL, breaker)}
}

// Register tells ResourceMonitor to start watching a runtime's container.
func (c *ResourceMonitorClient) Register(ctx context.Context, runtimeID, containerName string) error {
	req := map[string]string{"runtimeId": runtimeID, "containerName": containerName}
	if err := c.doRequest(ctx, http.MethodPost, "/api/watch", req, nil); err != nil {
		return fmt.Errorf("register runtime %s: %w", runtimeID, err)
	}
	return nil
}

// Unregister tells ResourceMonitor to stop watching a runtime's container.
func (c *ResourceMonitorClient) Unregister(ctx context.Context, runtimeID string) error {
	if err := c.doRequest(ctx, http.MethodDelete, "/api/watch/"+runtimeID, nil, nil); err != nil {
		return fmt.Errorf("unregister runtime %s: %w", runtimeID, err)
	}
	return nil
}

// Health reports whether ResourceMonitor is reachable.
func (c *ResourceMonitorClient) Health(ctx context.Context) error {
	return c.health(ctx)
}

// --- PublishClient ---

// PublishClient is a thin health-check client for PublishService. Publish
// rendering itself (public /@user/project pages) is out of scope here.
type PublishClient struct {
	base
}

// NewPublishClient creates a PublishClient targeting baseURL.
func NewPublishClient(baseURL string, breaker *resilience.Breaker) *PublishClient {
	return &PublishClient{base: newBase(baseURL, breaker)}
}

// Health reports whether PublishService is reachable.
func (c *PublishClient) Health(ctx context.Context) error {
	return c.health(ctx)
}
