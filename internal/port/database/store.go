// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/mrmd/orchestrator/internal/domain/catalog"
	"github.com/mrmd/orchestrator/internal/domain/document"
	"github.com/mrmd/orchestrator/internal/domain/machine"
)

// Store is the port interface for durable state: documents, machines, and
// catalog entries. Implementations translate not-found/conflict conditions
// to domain.ErrNotFound / domain.ErrConflict.
type Store interface {
	// LoadDocument returns the persisted Yjs state and text materialization
	// for one document. Returns domain.ErrNotFound if no row exists.
	LoadDocument(ctx context.Context, userID, project, docPath string) (*document.Document, error)

	// SaveDocument upserts on the (userID, project, docPath) unique triple,
	// recomputing content_hash/byte_size/updated_at.
	SaveDocument(ctx context.Context, userID, project, docPath string, yjsState []byte, contentText string) error

	// ListUserDocuments returns every document summary owned by userID.
	ListUserDocuments(ctx context.Context, userID string) ([]document.Summary, error)

	// ListProjectDocuments returns document summaries scoped to one project.
	ListProjectDocuments(ctx context.Context, userID, project string) ([]document.Summary, error)

	// ListUserDocumentsFull returns every document owned by userID with the
	// full row, including YjsState/ContentText, for callers that requested
	// ?content=1 or ?yjs=1.
	ListUserDocumentsFull(ctx context.Context, userID string) ([]document.Document, error)

	// ListProjectDocumentsFull returns full document rows scoped to one
	// project, including YjsState/ContentText.
	ListProjectDocumentsFull(ctx context.Context, userID, project string) ([]document.Document, error)

	// UpsertMachine inserts or updates a machine's metadata and status.
	UpsertMachine(ctx context.Context, m *machine.Machine) error

	// SetMachineOffline flips a machine's status to offline and stamps
	// LastSeen. Called when a provider's tunnel WebSocket closes.
	SetMachineOffline(ctx context.Context, userID, machineID string) error

	// ListMachines returns every machine registered to a user.
	ListMachines(ctx context.Context, userID string) ([]machine.Machine, error)

	// SyncCatalog atomically replaces a machine's catalog rows: delete all
	// existing rows for (userID, machineID), then batch-insert entries in
	// chunks of at most 500, inside a single transaction.
	SyncCatalog(ctx context.Context, userID, machineID string, entries []catalog.Entry) error

	// ListCatalog returns every catalog entry for a user, optionally
	// filtered to one project.
	ListCatalog(ctx context.Context, userID, project string) ([]catalog.Entry, error)
}
