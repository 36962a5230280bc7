// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for NATS subjects used by the orchestrator.
const (
	// SubjectResourceEvents is the wildcard root ResourceEventService
	// publishes typed resourceevent.Event messages under, one literal
	// subtopic per resourceevent.Type (e.g. resource.events.migrate).
	SubjectResourceEvents = "resource.events"

	// SubjectSyncCatchup is the wildcard root used to nudge a user's other
	// connected clients to re-fetch catalog state after an out-of-band
	// change (e.g. a machine syncing while no browser tab is attached to
	// that document). Published as sync.catchup.{userId}.
	SubjectSyncCatchup = "sync.catchup"

	// SubjectMigrationStarted/Completed report ComputeManager migration
	// lifecycle for observability and for UserLifecycle to react to a
	// runtime port change once a migration lands.
	SubjectMigrationStarted   = "resource.migration.started"
	SubjectMigrationCompleted = "resource.migration.completed"
)

// ResourceEventSubject returns the literal subject a given event type is
// published under, e.g. "resource.events.migrate".
func ResourceEventSubject(eventType string) string {
	return SubjectResourceEvents + "." + eventType
}

// SyncCatchupSubject returns the literal subject used to notify a specific
// user's connected clients, e.g. "sync.catchup.<userId>".
func SyncCatchupSubject(userID string) string {
	return SubjectSyncCatchup + "." + userID
}
