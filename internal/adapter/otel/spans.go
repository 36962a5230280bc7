package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "orchestrator"

// StartEditorSessionSpan starts a span around resolving (and, on a cold
// start, provisioning) a user's editor+runtime pair. This is the operation
// a browser tab actually blocks on, so it's the one worth tracing
// separately from the enclosing HTTP request span.
func StartEditorSessionSpan(ctx context.Context, userID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "editor.session",
		trace.WithAttributes(
			attribute.String("user.id", userID),
		),
	)
}

// StartMigrationSpan starts a span for a ComputeManager runtime migration
// triggered by a resource event.
func StartMigrationSpan(ctx context.Context, runtimeID, targetType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "runtime.migrate",
		trace.WithAttributes(
			attribute.String("runtime.id", runtimeID),
			attribute.String("runtime.target_type", targetType),
		),
	)
}

// StartDocumentFlushSpan starts a span for a debounced sync-relay document
// save to Postgres.
func StartDocumentFlushSpan(ctx context.Context, docKey string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "document.flush",
		trace.WithAttributes(
			attribute.String("document.key", docKey),
		),
	)
}
