package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrmd/orchestrator/internal/adapter/caddyadmin"
	"github.com/mrmd/orchestrator/internal/adapter/container"
	"github.com/mrmd/orchestrator/internal/adapter/gitimport"
	cfhttp "github.com/mrmd/orchestrator/internal/adapter/http"
	cfnats "github.com/mrmd/orchestrator/internal/adapter/nats"
	"github.com/mrmd/orchestrator/internal/adapter/otel"
	"github.com/mrmd/orchestrator/internal/adapter/postgres"
	"github.com/mrmd/orchestrator/internal/adapter/ristretto"
	"github.com/mrmd/orchestrator/internal/adapter/serviceclients"
	"github.com/mrmd/orchestrator/internal/config"
	"github.com/mrmd/orchestrator/internal/domain/resourceevent"
	"github.com/mrmd/orchestrator/internal/git"
	"github.com/mrmd/orchestrator/internal/logger"
	"github.com/mrmd/orchestrator/internal/middleware"
	"github.com/mrmd/orchestrator/internal/port/messagequeue"
	"github.com/mrmd/orchestrator/internal/proxy"
	"github.com/mrmd/orchestrator/internal/resilience"
	"github.com/mrmd/orchestrator/internal/secrets"
	"github.com/mrmd/orchestrator/internal/service"
	"github.com/mrmd/orchestrator/internal/syncrelay"
	"github.com/mrmd/orchestrator/internal/tokencache"
	"github.com/mrmd/orchestrator/internal/webapp"
)

func main() {
	// Temporary bootstrap logger until config is loaded.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(os.Args) > 1 && os.Args[1] == "reconcile" {
		if err := runReconcile(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	vault, err := secrets.NewVault(secrets.EnvLoader(
		"GITHUB_CLIENT_SECRET", "GOOGLE_CLIENT_SECRET",
		"RESOURCE_MONITOR_WEBHOOK_SECRET", "DATABASE_URL",
	))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}

	slogLogger, closer := logger.NewRedacting(cfg.Logging, vault)
	slog.SetDefault(slogLogger)
	defer closer.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"domain", cfg.Server.Domain,
		"sync_mode", cfg.Sync.Mode,
	)

	ctx := context.Background()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := cfnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	queue.SetBreaker(breaker)

	shutdownTracing, err := otel.InitTracer(otel.OTELConfig{
		Enabled:     cfg.OTEL.Enabled,
		Endpoint:    cfg.OTEL.Endpoint,
		ServiceName: cfg.OTEL.ServiceName,
		Insecure:    cfg.OTEL.Insecure,
		SampleRate:  cfg.OTEL.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}

	store := postgres.NewStore(pool)

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("ristretto: %w", err)
	}
	defer l1.Close()

	// --- Collaborator clients ---
	authClient := serviceclients.NewAuthClient(cfg.Services.AuthServiceURL, breaker)
	computeClient := serviceclients.NewComputeClient(cfg.Services.ComputeManagerURL, breaker)
	monitorClient := serviceclients.NewResourceMonitorClient(cfg.Services.ResourceMonitorURL, breaker)
	publishClient := serviceclients.NewPublishClient(cfg.Services.PublishServiceURL, breaker)

	tokens := tokencache.New(authClient, l1, cfg.Cache.TokenPositiveTTL, cfg.Cache.TokenNegativeTTL)

	containerDriver, err := container.NewDriver("")
	if err != nil {
		return fmt.Errorf("container driver: %w", err)
	}
	defer containerDriver.Close()

	lifecycle := service.NewUserLifecycleService(containerDriver, computeClient, monitorClient, cfg.Editor)
	resourceEvents := service.NewResourceEventService(computeClient, lifecycle, queue)

	supervisor := service.NewProcessSupervisor([]service.ServiceSpec{
		{Name: "auth", HealthURL: cfg.Services.AuthServiceURL + "/health"},
		{Name: "compute", HealthURL: cfg.Services.ComputeManagerURL + "/health"},
		{Name: "resource_monitor", HealthURL: cfg.Services.ResourceMonitorURL + "/health"},
		{Name: "publish", HealthURL: cfg.Services.PublishServiceURL + "/health"},
	})
	report := supervisor.StartAll(ctx)
	slog.Info("supervised services brought up", "ready", report.Ready, "failed", report.Failed)

	cancelResourceEvents, err := queue.Subscribe(ctx, messagequeue.SubjectResourceEvents+".>", func(ctx context.Context, _ string, data []byte) error {
		var ev resourceevent.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode resource event: %w", err)
		}
		resourceEvents.Handle(ctx, ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("resource events subscriber: %w", err)
	}

	hub := syncrelay.NewHub(store, cfg.Editor.SaveDebounce, cfg.Editor.DocCleanupDelay, int32(cfg.SyncRelay.MaxConns), cfg.Server.CORSOrigin)

	importer := gitimport.NewImporter(git.NewPool(cfg.Git.MaxConcurrent))

	proxyRouter := proxy.New(lifecycle, tokens, *cfg)
	webappHandler := webapp.New(authClient, tokens, cfg.OAuth, cfg.Server.Domain)

	authLimiter := middleware.NewRateLimiter(5, 20)
	webhookLimiter := middleware.NewRateLimiter(20, 50)
	stopAuthCleanup := authLimiter.StartCleanup(10*time.Minute, time.Hour)
	stopWebhookCleanup := webhookLimiter.StartCleanup(10*time.Minute, time.Hour)
	defer stopAuthCleanup()
	defer stopWebhookCleanup()

	reconcileStop := startReconcileLoop(ctx, lifecycle, cfg.Lifecycle.ReconcileInterval)

	// Register this instance's own route with Caddy so it starts receiving
	// traffic; failure here is logged, not fatal, since Caddy may already
	// hold a working route from a previous deploy.
	caddy := caddyadmin.NewClient(cfg.Caddy.AdminURL)
	if err := caddy.LoadRoutes(ctx, ":"+cfg.Server.Port, caddyadmin.DefaultRoutes(cfg.Server.Domain, "127.0.0.1:"+cfg.Server.Port)); err != nil {
		slog.Warn("caddy route registration failed", "error", err)
	}

	// --- HTTP ---
	r := chi.NewRouter()
	r.Use(cfhttp.SecurityHeaders)
	r.Use(cfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(cfhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(otel.HTTPMiddleware(cfg.OTEL.ServiceName))

	r.Handle("/metrics", promhttp.Handler())

	cfhttp.MountRoutes(r, cfhttp.Deps{
		Proxy:          proxyRouter,
		SyncRelay:      hub,
		WebApp:         webappHandler,
		Lifecycle:      lifecycle,
		ResourceEvents: resourceEvents,
		Importer:       importer,
		Auth:           authClient,
		Compute:        computeClient,
		ResourceMon:    monitorClient,
		Publish:        publishClient,
		Tokens:         tokens,
		SyncAuthMW: func(paramName string) func(http.Handler) http.Handler {
			return middleware.Auth(tokens, paramName, cfg.SyncRelay.NoAuth)
		},
		Webhook:        cfg.Webhook,
		AuthLimiter:    authLimiter,
		WebhookLimiter: webhookLimiter,
		DataDir:        cfg.Editor.DataDir,
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done

	// --- Ordered Graceful Shutdown ---
	// Phase 1: stop accepting new connections.
	slog.Info("shutdown phase 1: stopping HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	reconcileStop()
	cancelResourceEvents()

	// Phase 2 & 3: close every sync WS with code 1001, flush every dirty
	// document, and destroy the in-memory Y.Docs.
	slog.Info("shutdown phase 2-3: flushing and closing sync relay")
	hub.FlushAll(shutdownCtx)
	hub.Shutdown(shutdownCtx)

	// Phase 4: stop every supervised sibling service (SIGTERM, 5s grace,
	// then SIGKILL).
	slog.Info("shutdown phase 4: stopping supervised services")
	supervisor.StopAll()

	// Phase 5: close remaining infrastructure.
	slog.Info("shutdown phase 5: closing infrastructure")
	if err := queue.Drain(); err != nil {
		slog.Error("nats drain error", "error", err)
	}
	pool.Close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("otel shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// startReconcileLoop periodically reconciles the in-memory editor map
// against reality (dead containers, orphaned runtimes) on the same cadence
// the reconcile subcommand runs once. Returns a func to stop the loop.
func startReconcileLoop(ctx context.Context, lifecycle *service.UserLifecycleService, interval time.Duration) func() {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	loopCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := lifecycle.Reconcile(loopCtx); err != nil {
					slog.Error("reconcile sweep failed", "error", err)
				}
			}
		}
	}()
	return cancel
}
