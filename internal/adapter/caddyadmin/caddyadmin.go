// Package caddyadmin posts a declarative route table to Caddy's admin API
// at boot. The edge may be absent in development, so failures here are
// logged and non-fatal.
package caddyadmin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const requestTimeout = 10 * time.Second

// Route is a single match-by-host-and-path rule. Dynamic per-user routes
// are never added here — the orchestrator self-proxies /u/* internally.
type Route struct {
	Match  []Match  `json:"match"`
	Handle []Handle `json:"handle"`
}

// Match selects requests by host and/or path prefix.
type Match struct {
	Host []string `json:"host,omitempty"`
	Path []string `json:"path,omitempty"`
}

// Handle is a reverse_proxy directive targeting an upstream.
type Handle struct {
	Handler   string     `json:"handler"`
	Upstreams []Upstream `json:"upstreams,omitempty"`
}

// Upstream is one backend dial address for a reverse_proxy handler.
type Upstream struct {
	Dial string `json:"dial"`
}

// Client posts route configuration to a Caddy admin API endpoint.
type Client struct {
	adminURL   string
	httpClient *http.Client
}

// NewClient creates a caddyadmin Client targeting adminURL (e.g.
// http://localhost:2019).
func NewClient(adminURL string) *Client {
	return &Client{
		adminURL:   adminURL,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// LoadRoutes POSTs the given routes to Caddy's /load endpoint wrapped in
// a minimal server block, replacing any prior dynamic config. Failures are
// logged and returned so the caller can decide whether to treat them as
// fatal; at boot the orchestrator treats this as non-fatal.
func (c *Client) LoadRoutes(ctx context.Context, listenAddr string, routes []Route) error {
	cfg := map[string]any{
		"apps": map[string]any{
			"http": map[string]any{
				"servers": map[string]any{
					"orchestrator": map[string]any{
						"listen": []string{listenAddr},
						"routes": routes,
					},
				},
			},
		},
	}

	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal caddy config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.adminURL+"/load", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create caddy load request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("caddy admin unreachable, routes not loaded", "error", err)
		return fmt.Errorf("caddy admin request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		slog.Warn("caddy admin rejected route config", "status", resp.StatusCode)
		return fmt.Errorf("caddy admin rejected config: status %d", resp.StatusCode)
	}

	return nil
}

// DefaultRoutes builds the static route table: a single route that matches
// host domain and reverse-proxies it to the orchestrator's own listener
// (which performs per-user /u/* dispatch internally).
func DefaultRoutes(domain, orchestratorDial string) []Route {
	return []Route{
		{
			Match:  []Match{{Host: []string{domain}}},
			Handle: []Handle{{Handler: "reverse_proxy", Upstreams: []Upstream{{Dial: orchestratorDial}}}},
		},
	}
}
