// Package metrics defines the Prometheus instruments the sync-relay and
// reverse proxy report on the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_connections_opened_total",
		Help: "Total WebSocket connections opened, by kind (sync, tunnel).",
	}, []string{"kind"})

	ConnectionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_connections_closed_total",
		Help: "Total WebSocket connections closed, by kind (sync, tunnel).",
	}, []string{"kind"})

	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_connections_active",
		Help: "Currently open WebSocket connections, by kind (sync, tunnel).",
	}, []string{"kind"})

	MessagesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_messages_in_total",
		Help: "Total inbound WebSocket messages, by kind.",
	}, []string{"kind"})

	MessagesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_messages_out_total",
		Help: "Total outbound WebSocket messages, by kind.",
	}, []string{"kind"})

	DocsLoaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_docs_loaded_total",
		Help: "Total documents loaded from Postgres on first connect.",
	})

	DocsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_docs_saved_total",
		Help: "Total documents persisted after debounce.",
	})

	SaveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_doc_save_errors_total",
		Help: "Total document save failures (left dirty for retry).",
	})

	DocsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_docs_active",
		Help: "Number of documents currently held in memory.",
	})

	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_proxy_requests_total",
		Help: "Total reverse-proxy requests, by sync mode and outcome.",
	}, []string{"sync_mode", "outcome"})

	ProxyUpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_proxy_upstream_errors_total",
		Help: "Total reverse-proxy upstream dial/IO errors, by target.",
	}, []string{"target"})

	ResourceEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_resource_events_total",
		Help: "Total resource events handled, by type.",
	}, []string{"type"})

	MigrationsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_migrations_deduped_total",
		Help: "Total resource events that reused an in-flight migration instead of starting a new one.",
	})

	ActiveEditors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_active_editors",
		Help: "Number of editor+runtime pairs currently tracked in-memory.",
	})
)
