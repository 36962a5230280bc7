package http

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/mrmd/orchestrator/internal/adapter/gitimport"
	"github.com/mrmd/orchestrator/internal/adapter/serviceclients"
	"github.com/mrmd/orchestrator/internal/config"
	"github.com/mrmd/orchestrator/internal/domain/resourceevent"
	"github.com/mrmd/orchestrator/internal/middleware"
	"github.com/mrmd/orchestrator/internal/proxy"
	"github.com/mrmd/orchestrator/internal/service"
	"github.com/mrmd/orchestrator/internal/syncrelay"
	"github.com/mrmd/orchestrator/internal/tokencache"
	"github.com/mrmd/orchestrator/internal/webapp"
)

// Deps collects everything MountRoutes needs to wire the orchestrator's
// HTTP surface. It exists so cmd/orchestrator's main can build every
// component once and hand them here, rather than routes.go reaching back
// into construction details.
type Deps struct {
	Proxy          *proxy.Router
	SyncRelay      *syncrelay.Hub
	WebApp         *webapp.Handler
	Lifecycle      *service.UserLifecycleService
	ResourceEvents *service.ResourceEventService
	Importer       *gitimport.Importer
	Auth           *serviceclients.AuthClient
	Compute        *serviceclients.ComputeClient
	ResourceMon    *serviceclients.ResourceMonitorClient
	Publish        *serviceclients.PublishClient
	Tokens         *tokencache.Cache
	SyncAuthMW     func(paramName string) func(http.Handler) http.Handler
	Webhook        config.Webhook
	// DataDir is the same per-user data root the lifecycle service imports
	// editor home directories under (cfg.Editor.DataDir).
	DataDir        string
	// AuthLimiter throttles the login/OAuth surface against credential
	// stuffing and callback abuse. WebhookLimiter does the same for the
	// resource-monitor webhook. Both are optional; nil skips rate limiting.
	AuthLimiter    *middleware.RateLimiter
	WebhookLimiter *middleware.RateLimiter
}

// MountRoutes registers every orchestrator route on r.
func MountRoutes(r chi.Router, d Deps) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/health", aggregateHealthHandler(d))
	r.Get("/api/services", servicesStatusHandler(d))

	r.Group(func(gr chi.Router) {
		if d.AuthLimiter != nil {
			gr.Use(d.AuthLimiter.Handler)
		}
		d.WebApp.Routes(gr)
	})

	r.Group(func(gr chi.Router) {
		if d.WebhookLimiter != nil {
			gr.Use(d.WebhookLimiter.Handler)
		}
		gr.With(middleware.WebhookToken(d.Webhook.ResourceMonitorSecret, "X-Resource-Monitor-Secret")).
			Post("/hooks/resource", resourceWebhookHandler(d))
	})

	r.With(middleware.Auth(d.Tokens, "", false)).Post("/projects/import", projectImportHandler(d))

	d.SyncRelay.Routes(r, d.SyncAuthMW)
	d.Proxy.Routes(r)
}

type serviceStatus struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
}

func aggregateHealthHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := checkServices(r.Context(), d)
		allOK := true
		for _, s := range statuses {
			if !s.OK {
				allOK = false
				break
			}
		}
		status := http.StatusOK
		if !allOK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ok": allOK, "services": statuses})
	}
}

func servicesStatusHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"services": checkServices(r.Context(), d),
			"editors":  d.Lifecycle.List(),
		})
	}
}

func checkServices(ctx context.Context, d Deps) []serviceStatus {
	checks := []struct {
		name  string
		check func(context.Context) error
	}{
		{"auth", d.Auth.Health},
		{"compute", d.Compute.Health},
		{"resource_monitor", d.ResourceMon.Health},
		{"publish", d.Publish.Health},
	}

	statuses := make([]serviceStatus, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, name string, check func(context.Context) error) {
			defer wg.Done()
			statuses[i] = serviceStatus{Name: name, OK: check(ctx) == nil}
		}(i, c.name, c.check)
	}
	wg.Wait()
	return statuses
}

// resourceWebhookHandler responds 200 immediately and dispatches the event
// asynchronously: ResourceMonitor expects an immediate ack and doesn't
// retry slow handlers, so migrate/idle work must never hold the request.
func resourceWebhookHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, ok := readJSON[resourceevent.Event](w, r, 1<<16)
		if !ok {
			return
		}
		w.WriteHeader(http.StatusOK)
		go d.ResourceEvents.Handle(context.Background(), ev)
	}
}

type importRequest struct {
	RepoURL string `json:"repo_url"`
	Name    string `json:"name,omitempty"`
}

func projectImportHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := readJSON[importRequest](w, r, 1<<16)
		if !ok {
			return
		}
		if !requireField(w, req.RepoURL, "repo_url") {
			return
		}

		name := req.Name
		if name == "" {
			name = "import"
		}
		if err := sanitizeName(name); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		u := middleware.UserFromContext(r.Context())
		if u == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		destPath := filepath.Join(d.DataDir, u.ID, name)
		project, err := d.Importer.Clone(r.Context(), req.RepoURL, destPath)
		if err != nil {
			writeInternalError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"project": project})
	}
}
