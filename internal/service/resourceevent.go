package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/mrmd/orchestrator/internal/adapter/otel"
	"github.com/mrmd/orchestrator/internal/adapter/serviceclients"
	"github.com/mrmd/orchestrator/internal/domain/resourceevent"
	"github.com/mrmd/orchestrator/internal/metrics"
	"github.com/mrmd/orchestrator/internal/port/messagequeue"
)

// ResourceEventService dispatches ResourceMonitor webhook events to
// ComputeManager and UserLifecycle. A caller (the webhook HTTP handler)
// replies 200 to ResourceMonitor immediately and invokes Handle in a
// goroutine; every action here runs asynchronously relative to that reply.
type ResourceEventService struct {
	compute   *serviceclients.ComputeClient
	lifecycle *UserLifecycleService
	queue     messagequeue.Queue

	inflight singleflight.Group
}

// NewResourceEventService creates a ResourceEventService. queue may be nil,
// in which case migration lifecycle notifications are simply not published.
func NewResourceEventService(compute *serviceclients.ComputeClient, lifecycle *UserLifecycleService, queue messagequeue.Queue) *ResourceEventService {
	return &ResourceEventService{compute: compute, lifecycle: lifecycle, queue: queue}
}

// Handle dispatches one event per the resource-event action table: memory
// pressure events migrate the runtime to a larger instance class, idle
// events delegate to UserLifecycle, and gpu-hint forces a GPU instance.
func (s *ResourceEventService) Handle(ctx context.Context, ev resourceevent.Event) {
	metrics.ResourceEventsTotal.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case resourceevent.TypePreProvision, resourceevent.TypeMigrate, resourceevent.TypeUrgentMigrate, resourceevent.TypeCritical:
		s.migrate(ctx, ev.RuntimeID, resourceevent.UpgradeTarget(ev.MemoryPercent))
	case resourceevent.TypeIdleSleep:
		if s.lifecycle == nil {
			return
		}
		if err := s.lifecycle.OnIdleByRuntime(ctx, ev.RuntimeID); err != nil {
			slog.Error("resource event: idle-sleep handling failed", "runtime_id", ev.RuntimeID, "error", err)
		}
	case resourceevent.TypeIdleWake:
		// Runtime is already running; nothing to do.
	case resourceevent.TypeGPUHint:
		s.migrate(ctx, ev.RuntimeID, resourceevent.InstanceGPU)
	default:
		slog.Warn("resource event: unrecognized type", "type", ev.Type, "runtime_id", ev.RuntimeID)
	}
}

// migrate calls ComputeManager.Migrate for runtimeID, deduplicating
// concurrent requests for the same runtime via inflight so a burst of
// webhook events (pre-provision then migrate then urgent-migrate, all
// within seconds) triggers at most one in-flight migration call.
func (s *ResourceEventService) migrate(ctx context.Context, runtimeID string, target resourceevent.InstanceType) {
	ctx, span := otel.StartMigrationSpan(ctx, runtimeID, string(target))
	defer span.End()

	leader := false
	v, err, shared := s.inflight.Do(runtimeID, func() (any, error) {
		leader = true
		s.publishMigration(ctx, messagequeue.SubjectMigrationStarted, runtimeID, target, nil)
		return s.compute.Migrate(ctx, runtimeID, string(target))
	})
	if shared && !leader {
		metrics.MigrationsDeduped.Inc()
		return
	}
	if err != nil {
		slog.Error("resource event: migrate runtime failed", "runtime_id", runtimeID, "target", target, "error", err)
		return
	}

	handle := v.(*serviceclients.RuntimeHandle)
	if s.lifecycle != nil {
		s.lifecycle.UpdateRuntimePort(ctx, runtimeID, handle.Port, handle.Host)
	}
	s.publishMigration(ctx, messagequeue.SubjectMigrationCompleted, runtimeID, target, handle)
}

func (s *ResourceEventService) publishMigration(ctx context.Context, subject, runtimeID string, target resourceevent.InstanceType, handle *serviceclients.RuntimeHandle) {
	if s.queue == nil {
		return
	}

	payload := struct {
		RuntimeID     string `json:"runtimeId"`
		TargetType    string `json:"targetType"`
		ContainerName string `json:"containerName,omitempty"`
		Port          int    `json:"port,omitempty"`
		Host          string `json:"host,omitempty"`
	}{RuntimeID: runtimeID, TargetType: string(target)}
	if handle != nil {
		payload.ContainerName = handle.ContainerName
		payload.Port = handle.Port
		payload.Host = handle.Host
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, subject, data); err != nil {
		slog.Warn("resource event: publish migration notice failed", "subject", subject, "runtime_id", runtimeID, "error", err)
	}
}
