package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mrmd/orchestrator/internal/adapter/container"
	"github.com/mrmd/orchestrator/internal/adapter/serviceclients"
	"github.com/mrmd/orchestrator/internal/config"
	"github.com/mrmd/orchestrator/internal/resilience"
	"github.com/mrmd/orchestrator/internal/service"
)

// runReconcile runs one reconciliation sweep and exits. It is the
// operational counterpart to the periodic sweep main() runs in-process:
// useful right after a deploy, or to recover from a crash that left
// containers running with no matching in-memory editor entry.
func runReconcile(_ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx := context.Background()

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	computeClient := serviceclients.NewComputeClient(cfg.Services.ComputeManagerURL, breaker)
	monitorClient := serviceclients.NewResourceMonitorClient(cfg.Services.ResourceMonitorURL, breaker)

	containerDriver, err := container.NewDriver("")
	if err != nil {
		return fmt.Errorf("container driver: %w", err)
	}
	defer containerDriver.Close()

	lifecycle := service.NewUserLifecycleService(containerDriver, computeClient, monitorClient, cfg.Editor)

	if err := lifecycle.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	slog.Info("reconcile sweep complete")
	return nil
}
