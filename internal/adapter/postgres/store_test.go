package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mrmd/orchestrator/internal/adapter/postgres"
	"github.com/mrmd/orchestrator/internal/domain"
	"github.com/mrmd/orchestrator/internal/domain/catalog"
	"github.com/mrmd/orchestrator/internal/domain/machine"
)

// setupStore creates a pgxpool connection, runs all migrations, and returns a
// ready-to-use Store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()

	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool)
}

func TestStore_SaveAndLoadDocument(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	userID := uuid.New().String()

	_, err := store.LoadDocument(ctx, userID, "proj", "notes.md")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before save, got %v", err)
	}

	state := []byte{0x01, 0x02, 0x03}
	if err := store.SaveDocument(ctx, userID, "proj", "notes.md", state, "hello world"); err != nil {
		t.Fatalf("save document: %v", err)
	}

	doc, err := store.LoadDocument(ctx, userID, "proj", "notes.md")
	if err != nil {
		t.Fatalf("load document: %v", err)
	}
	if doc.ContentText != "hello world" {
		t.Errorf("content text = %q, want %q", doc.ContentText, "hello world")
	}
	if doc.ByteSize != len(state) {
		t.Errorf("byte size = %d, want %d", doc.ByteSize, len(state))
	}

	// A second save on the same (userID, project, docPath) updates in place.
	if err := store.SaveDocument(ctx, userID, "proj", "notes.md", state, "goodbye"); err != nil {
		t.Fatalf("save document again: %v", err)
	}
	doc, err = store.LoadDocument(ctx, userID, "proj", "notes.md")
	if err != nil {
		t.Fatalf("load document after update: %v", err)
	}
	if doc.ContentText != "goodbye" {
		t.Errorf("content text after update = %q, want %q", doc.ContentText, "goodbye")
	}
}

func TestStore_ListUserAndProjectDocuments(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	userID := uuid.New().String()

	if err := store.SaveDocument(ctx, userID, "alpha", "a.md", nil, "a"); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := store.SaveDocument(ctx, userID, "alpha", "b.md", nil, "b"); err != nil {
		t.Fatalf("save b: %v", err)
	}
	if err := store.SaveDocument(ctx, userID, "beta", "c.md", nil, "c"); err != nil {
		t.Fatalf("save c: %v", err)
	}

	all, err := store.ListUserDocuments(ctx, userID)
	if err != nil {
		t.Fatalf("list user documents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}

	alpha, err := store.ListProjectDocuments(ctx, userID, "alpha")
	if err != nil {
		t.Fatalf("list project documents: %v", err)
	}
	if len(alpha) != 2 {
		t.Fatalf("len(alpha) = %d, want 2", len(alpha))
	}
}

func TestStore_ListDocumentsFullIncludesContentAndYjsState(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	userID := uuid.New().String()

	state := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := store.SaveDocument(ctx, userID, "alpha", "a.md", state, "hello world"); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := store.SaveDocument(ctx, userID, "beta", "b.md", nil, "other"); err != nil {
		t.Fatalf("save b: %v", err)
	}

	full, err := store.ListProjectDocumentsFull(ctx, userID, "alpha")
	if err != nil {
		t.Fatalf("list project documents full: %v", err)
	}
	if len(full) != 1 {
		t.Fatalf("len(full) = %d, want 1", len(full))
	}
	if full[0].ContentText != "hello world" {
		t.Errorf("content text = %q, want %q", full[0].ContentText, "hello world")
	}
	if string(full[0].YjsState) != string(state) {
		t.Errorf("yjs state = %v, want %v", full[0].YjsState, state)
	}

	all, err := store.ListUserDocumentsFull(ctx, userID)
	if err != nil {
		t.Fatalf("list user documents full: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
}

func TestStore_UpsertMachineAndSetOffline(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	userID := uuid.New().String()

	m := &machine.Machine{
		UserID:       userID,
		MachineID:    "laptop-1",
		MachineName:  "Laptop",
		Hostname:     "laptop.local",
		Capabilities: []string{"git", "catalog"},
		Status:       machine.StatusOnline,
	}
	if err := store.UpsertMachine(ctx, m); err != nil {
		t.Fatalf("upsert machine: %v", err)
	}

	machines, err := store.ListMachines(ctx, userID)
	if err != nil {
		t.Fatalf("list machines: %v", err)
	}
	if len(machines) != 1 || machines[0].Status != machine.StatusOnline {
		t.Fatalf("unexpected machines: %+v", machines)
	}

	if err := store.SetMachineOffline(ctx, userID, "laptop-1"); err != nil {
		t.Fatalf("set machine offline: %v", err)
	}
	machines, err = store.ListMachines(ctx, userID)
	if err != nil {
		t.Fatalf("list machines after offline: %v", err)
	}
	if machines[0].Status != machine.StatusOffline {
		t.Errorf("status = %v, want offline", machines[0].Status)
	}

	if err := store.SetMachineOffline(ctx, userID, "does-not-exist"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("set offline on missing machine: got %v, want ErrNotFound", err)
	}
}

func TestStore_SyncCatalogReplacesRows(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	userID := uuid.New().String()

	first := []catalog.Entry{
		{Project: "alpha", DocPath: "a.md", ContentHash: "h1", ByteSize: 10},
		{Project: "alpha", DocPath: "b.md", ContentHash: "h2", ByteSize: 20},
	}
	if err := store.SyncCatalog(ctx, userID, "laptop-1", first); err != nil {
		t.Fatalf("sync catalog: %v", err)
	}

	entries, err := store.ListCatalog(ctx, userID, "")
	if err != nil {
		t.Fatalf("list catalog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}

	second := []catalog.Entry{
		{Project: "beta", DocPath: "c.md", ContentHash: "h3", ByteSize: 30},
	}
	if err := store.SyncCatalog(ctx, userID, "laptop-1", second); err != nil {
		t.Fatalf("sync catalog second: %v", err)
	}

	entries, err = store.ListCatalog(ctx, userID, "")
	if err != nil {
		t.Fatalf("list catalog after replace: %v", err)
	}
	if len(entries) != 1 || entries[0].DocPath != "c.md" {
		t.Fatalf("unexpected entries after replace: %+v", entries)
	}
}
