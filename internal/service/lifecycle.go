// Package service implements the orchestrator's business logic on top of
// the adapter and port layers: user/editor lifecycle, resource-event
// dispatch, and sibling-process supervision.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mrmd/orchestrator/internal/adapter/container"
	"github.com/mrmd/orchestrator/internal/adapter/serviceclients"
	"github.com/mrmd/orchestrator/internal/config"
	"github.com/mrmd/orchestrator/internal/domain/editor"
	"github.com/mrmd/orchestrator/internal/domain/resourceevent"
	"github.com/mrmd/orchestrator/internal/domain/user"
	"github.com/mrmd/orchestrator/internal/metrics"
)

const (
	editorPortMin       = 20000
	editorPortMax       = 40000
	editorHealthTimeout = 30 * time.Second
	editorHealthPoll    = 500 * time.Millisecond
)

// UserLifecycleService owns the in-memory activeEditors map and drives
// each user's editor+runtime container pair through login, idle
// snapshot/resume, migration, and logout. Concurrent logins for the same
// user are serialized through starting so two requests never provision two
// containers for one person.
type UserLifecycleService struct {
	containers *container.Driver
	compute    *serviceclients.ComputeClient
	monitor    *serviceclients.ResourceMonitorClient
	cfg        config.Editor
	httpClient *http.Client

	starting singleflight.Group

	mu      sync.Mutex
	editors map[string]*editor.Info
}

// NewUserLifecycleService creates a UserLifecycleService backed by
// containers (editor container lifecycle) and compute (runtime container
// lifecycle). monitor may be nil; ResourceMonitor registration is
// best-effort.
func NewUserLifecycleService(containers *container.Driver, compute *serviceclients.ComputeClient, monitor *serviceclients.ResourceMonitorClient, cfg config.Editor) *UserLifecycleService {
	return &UserLifecycleService{
		containers: containers,
		compute:    compute,
		monitor:    monitor,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		editors:    make(map[string]*editor.Info),
	}
}

// Login ensures u has a running editor+runtime pair, starting one (or
// resuming from a snapshot if u was idle) if necessary.
func (s *UserLifecycleService) Login(ctx context.Context, u user.User) (*editor.Info, error) {
	if info, ok := s.Get(u.ID); ok && info.State == editor.StateActive {
		return info, nil
	}

	v, err, _ := s.starting.Do(u.ID, func() (any, error) {
		if info, ok := s.Get(u.ID); ok && info.State == editor.StateActive {
			return info, nil
		}

		if info, ok := s.Get(u.ID); ok && info.State == editor.StateIdle && info.SnapshotID != "" {
			resumed, rerr := s.resume(ctx, u, info)
			if rerr == nil {
				return resumed, nil
			}
			slog.Warn("resume from snapshot failed, falling back to fresh start",
				"user_id", u.ID, "snapshot_id", info.SnapshotID, "error", rerr)
		}

		return s.start(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	return v.(*editor.Info), nil
}

func (s *UserLifecycleService) start(ctx context.Context, u user.User) (*editor.Info, error) {
	userDir := filepath.Join(s.cfg.DataDir, u.ID)
	if err := scaffoldWorkspace(userDir); err != nil {
		return nil, fmt.Errorf("scaffold workspace for %s: %w", u.ID, err)
	}

	rt, err := s.compute.StartRuntime(ctx, u.ID, string(resourceevent.InstanceSmall))
	if err != nil {
		return nil, fmt.Errorf("start runtime for %s: %w", u.ID, err)
	}

	info, err := s.bootEditor(ctx, u, userDir, rt.RuntimeID, rt.ContainerName, rt.Port, rt.Host)
	if err != nil {
		_ = s.compute.StopRuntime(ctx, rt.RuntimeID)
		return nil, err
	}
	return info, nil
}

func (s *UserLifecycleService) resume(ctx context.Context, u user.User, existing *editor.Info) (*editor.Info, error) {
	rt, err := s.compute.Restore(ctx, existing.SnapshotID)
	if err != nil {
		return nil, fmt.Errorf("restore snapshot %s: %w", existing.SnapshotID, err)
	}

	userDir := filepath.Join(s.cfg.DataDir, u.ID)
	return s.bootEditor(ctx, u, userDir, rt.RuntimeID, rt.ContainerName, rt.Port, rt.Host)
}

// bootEditor picks an editor port, starts the editor container against an
// already-running runtime, waits for it to answer /health, registers it
// with ResourceMonitor, and records the resulting Info.
func (s *UserLifecycleService) bootEditor(ctx context.Context, u user.User, userDir, runtimeID, runtimeContainer string, runtimePort int, host string) (*editor.Info, error) {
	editorPort := randomPort()
	env := container.Env{
		UserID:       u.ID,
		UserName:     u.Name,
		UserUsername: u.Username,
		UserEmail:    u.Email,
		UserPlan:     string(u.Plan),
	}

	containerName, err := s.containers.RunEditor(ctx, u.ID, editorPort, runtimePort, userDir, s.cfg.Image, env)
	if err != nil {
		return nil, fmt.Errorf("run editor container for %s: %w", u.ID, err)
	}

	if err := s.waitHealthy(ctx, editorPort); err != nil {
		_ = s.containers.RemoveContainer(ctx, containerName)
		return nil, fmt.Errorf("editor for %s never became healthy: %w", u.ID, err)
	}

	if s.monitor != nil {
		if err := s.monitor.Register(ctx, runtimeID, runtimeContainer); err != nil {
			slog.Warn("resource monitor registration failed", "user_id", u.ID, "runtime_id", runtimeID, "error", err)
		}
	}

	info := &editor.Info{
		UserID:           u.ID,
		EditorPort:       editorPort,
		EditorContainer:  containerName,
		RuntimeID:        runtimeID,
		RuntimeContainer: runtimeContainer,
		RuntimePort:      runtimePort,
		Host:             host,
		State:            editor.StateActive,
	}

	s.mu.Lock()
	_, hadEntry := s.editors[u.ID]
	s.editors[u.ID] = info
	s.mu.Unlock()
	if !hadEntry {
		metrics.ActiveEditors.Inc()
	}

	return info, nil
}

// Logout stops userID's editor and runtime containers and drops its
// in-memory record.
func (s *UserLifecycleService) Logout(ctx context.Context, userID string) error {
	s.mu.Lock()
	info, ok := s.editors[userID]
	if ok {
		delete(s.editors, userID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.ActiveEditors.Dec()

	if err := s.containers.RemoveContainer(ctx, info.EditorContainer); err != nil {
		slog.Warn("logout: remove editor container failed", "user_id", userID, "error", err)
	}
	if s.monitor != nil {
		if err := s.monitor.Unregister(ctx, info.RuntimeID); err != nil {
			slog.Warn("logout: resource monitor unregister failed", "user_id", userID, "error", err)
		}
	}
	if info.RuntimeID == "" {
		return nil
	}
	if err := s.compute.StopRuntime(ctx, info.RuntimeID); err != nil {
		return fmt.Errorf("stop runtime %s: %w", info.RuntimeID, err)
	}
	return nil
}

// OnIdle snapshots userID's runtime, stops both containers, and marks the
// entry idle so it can later be resumed by Login.
func (s *UserLifecycleService) OnIdle(ctx context.Context, userID string) error {
	info, ok := s.Get(userID)
	if !ok || info.State == editor.StateIdle {
		return nil
	}

	snapshotID, err := s.compute.Snapshot(ctx, info.RuntimeID)
	if err != nil {
		return fmt.Errorf("snapshot runtime %s: %w", info.RuntimeID, err)
	}

	if err := s.containers.RemoveContainer(ctx, info.EditorContainer); err != nil {
		slog.Warn("idle: remove editor container failed", "user_id", userID, "error", err)
	}
	if s.monitor != nil {
		if err := s.monitor.Unregister(ctx, info.RuntimeID); err != nil {
			slog.Warn("idle: resource monitor unregister failed", "user_id", userID, "error", err)
		}
	}
	if err := s.compute.StopRuntime(ctx, info.RuntimeID); err != nil {
		slog.Warn("idle: stop runtime failed", "user_id", userID, "runtime_id", info.RuntimeID, "error", err)
	}

	s.mu.Lock()
	info.SnapshotID = snapshotID
	info.State = editor.StateIdle
	s.mu.Unlock()
	return nil
}

// OnIdleByRuntime looks up the user owning runtimeID and delegates to
// OnIdle. Used by ResourceEventService, which only knows the runtime id
// the webhook event carries.
func (s *UserLifecycleService) OnIdleByRuntime(ctx context.Context, runtimeID string) error {
	userID := s.userIDForRuntime(runtimeID)
	if userID == "" {
		return fmt.Errorf("no active editor for runtime %s", runtimeID)
	}
	return s.OnIdle(ctx, userID)
}

// UpdateRuntimePort notifies the editor owning runtimeID that its runtime
// moved to a new port/host after a migration, via the editor's internal
// hot-reload endpoint, and updates the in-memory record to match.
func (s *UserLifecycleService) UpdateRuntimePort(ctx context.Context, runtimeID string, newPort int, newHost string) {
	userID := s.userIDForRuntime(runtimeID)
	if userID == "" {
		return
	}

	info, ok := s.Get(userID)
	if !ok {
		return
	}

	url := fmt.Sprintf("http://localhost:%d/api/runtime/update-port", info.EditorPort)
	body := strings.NewReader(fmt.Sprintf(`{"port":%d,"host":%q}`, newPort, newHost))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		slog.Warn("update-port: build request failed", "user_id", userID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Warn("update-port: notify editor failed", "user_id", userID, "editor_port", info.EditorPort, "error", err)
		return
	}
	_ = resp.Body.Close()

	s.mu.Lock()
	info.RuntimePort = newPort
	info.Host = newHost
	s.mu.Unlock()
}

// Get returns the in-memory record for userID, if one exists.
func (s *UserLifecycleService) Get(userID string) (*editor.Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.editors[userID]
	return info, ok
}

// List returns every active or idle editor record, for the /api/services
// aggregate status endpoint.
func (s *UserLifecycleService) List() []*editor.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*editor.Info, 0, len(s.editors))
	for _, e := range s.editors {
		out = append(out, e)
	}
	return out
}

func (s *UserLifecycleService) userIDForRuntime(runtimeID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, info := range s.editors {
		if info.RuntimeID == runtimeID {
			return uid
		}
	}
	return ""
}

// Reconcile repopulates the in-memory editor map at boot by listing
// running editor containers, recovering identity from their env, and
// probing health. This makes the orchestrator crash-safe: restarting it
// never requires restarting containers or re-logging in users.
func (s *UserLifecycleService) Reconcile(ctx context.Context) error {
	running, err := s.containers.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running editor containers: %w", err)
	}

	recovered := 0
	for _, rc := range running {
		userID := rc.EnvMap["CLOUD_USER_ID"]
		if userID == "" {
			continue
		}
		editorPort := parsePort(rc.EnvMap["PORT"])
		if editorPort == 0 {
			continue
		}
		runtimePort := parsePort(rc.EnvMap["RUNTIME_PORT"])

		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		healthy := s.probeHealth(hctx, editorPort)
		cancel()
		if !healthy {
			slog.Warn("reconcile: editor container not responding, skipping", "user_id", userID, "container", rc.Name)
			continue
		}

		s.mu.Lock()
		_, alreadyTracked := s.editors[userID]
		s.editors[userID] = &editor.Info{
			UserID:          userID,
			EditorPort:      editorPort,
			EditorContainer: rc.Name,
			RuntimePort:     runtimePort,
			State:           editor.StateActive,
		}
		s.mu.Unlock()
		if !alreadyTracked {
			metrics.ActiveEditors.Inc()
		}
		recovered++
	}

	slog.Info("editor reconciliation complete", "recovered", recovered, "running", len(running))
	return nil
}

// HealthCheck probes every active editor's /health endpoint once. An
// editor container that no longer exists is dropped from the map; one
// that exists but stopped answering is left in place for its own restart
// policy (on-failure:5) to recover, and logged.
func (s *UserLifecycleService) HealthCheck(ctx context.Context) {
	s.mu.Lock()
	entries := make([]*editor.Info, 0, len(s.editors))
	for _, e := range s.editors {
		if e.State == editor.StateActive {
			entries = append(entries, e)
		}
	}
	s.mu.Unlock()
	if len(entries) == 0 {
		return
	}

	running, err := s.containers.ListRunning(ctx)
	if err != nil {
		slog.Warn("health check: list running containers failed", "error", err)
		running = nil
	}
	seen := make(map[string]struct{}, len(running))
	for _, rc := range running {
		seen[rc.Name] = struct{}{}
	}

	for _, info := range entries {
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		healthy := s.probeHealth(hctx, info.EditorPort)
		cancel()
		if healthy {
			continue
		}

		if _, ok := seen[info.EditorContainer]; !ok {
			slog.Warn("health check: editor container gone, dropping from active set", "user_id", info.UserID)
			s.mu.Lock()
			delete(s.editors, info.UserID)
			s.mu.Unlock()
			metrics.ActiveEditors.Dec()
			continue
		}

		slog.Warn("health check: editor container unresponsive", "user_id", info.UserID, "container", info.EditorContainer)
	}
}

func (s *UserLifecycleService) waitHealthy(ctx context.Context, port int) error {
	deadline := time.Now().Add(editorHealthTimeout)
	for time.Now().Before(deadline) {
		hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		healthy := s.probeHealth(hctx, port)
		cancel()
		if healthy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(editorHealthPoll):
		}
	}
	return fmt.Errorf("editor on port %d did not answer /health within %s", port, editorHealthTimeout)
}

func (s *UserLifecycleService) probeHealth(ctx context.Context, port int) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%d/health", port), nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func randomPort() int {
	return editorPortMin + rand.Intn(editorPortMax-editorPortMin)
}

func parsePort(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
