package syncrelay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mrmd/orchestrator/internal/crdt/ydoc"
	"github.com/mrmd/orchestrator/internal/domain"
	"github.com/mrmd/orchestrator/internal/domain/catalog"
	"github.com/mrmd/orchestrator/internal/domain/document"
	"github.com/mrmd/orchestrator/internal/domain/machine"
)

// fakeStore is an in-memory database.Store for tests that never touch
// Postgres; it is deliberately minimal, not a general-purpose fake.
type fakeStore struct {
	mu   sync.Mutex
	docs map[string]*document.Document

	saveCount int
	saveErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]*document.Document)}
}

func docKeyStr(userID, project, docPath string) string {
	return userID + "/" + project + "/" + docPath
}

func (s *fakeStore) LoadDocument(_ context.Context, userID, project, docPath string) (*document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docKeyStr(userID, project, docPath)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return d, nil
}

func (s *fakeStore) SaveDocument(_ context.Context, userID, project, docPath string, yjsState []byte, contentText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCount++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.docs[docKeyStr(userID, project, docPath)] = &document.Document{
		UserID: userID, Project: project, DocPath: docPath,
		YjsState: yjsState, ContentText: contentText,
	}
	return nil
}

func (s *fakeStore) ListUserDocuments(ctx context.Context, userID string) ([]document.Summary, error) {
	full, err := s.ListUserDocumentsFull(ctx, userID)
	return toSummaries(full), err
}

func (s *fakeStore) ListProjectDocuments(ctx context.Context, userID, project string) ([]document.Summary, error) {
	full, err := s.ListProjectDocumentsFull(ctx, userID, project)
	return toSummaries(full), err
}

func (s *fakeStore) ListUserDocumentsFull(_ context.Context, userID string) ([]document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []document.Document
	for _, d := range s.docs {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *fakeStore) ListProjectDocumentsFull(_ context.Context, userID, project string) ([]document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []document.Document
	for _, d := range s.docs {
		if d.UserID == userID && d.Project == project {
			out = append(out, *d)
		}
	}
	return out, nil
}

func toSummaries(full []document.Document) []document.Summary {
	if full == nil {
		return nil
	}
	out := make([]document.Summary, 0, len(full))
	for _, d := range full {
		out = append(out, document.Summary{
			Project:     d.Project,
			DocPath:     d.DocPath,
			ContentHash: d.ContentHash,
			ByteSize:    d.ByteSize,
			UpdatedAt:   d.UpdatedAt,
		})
	}
	return out
}

func (s *fakeStore) UpsertMachine(context.Context, *machine.Machine) error { return nil }

func (s *fakeStore) SetMachineOffline(context.Context, string, string) error { return nil }

func (s *fakeStore) ListMachines(context.Context, string) ([]machine.Machine, error) { return nil, nil }

func (s *fakeStore) SyncCatalog(context.Context, string, string, []catalog.Entry) error { return nil }

func (s *fakeStore) ListCatalog(context.Context, string, string) ([]catalog.Entry, error) {
	return nil, nil
}

func (s *fakeStore) saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveCount
}

func TestHub_GetOrCreateDoc_LoadsPersistedState(t *testing.T) {
	store := newFakeStore()
	key := DocKey{UserID: "u1", Project: "default", Path: "notes.md"}
	seed := ydocWithText(t, "hello from disk")
	store.docs[docKeyStr(key.UserID, key.Project, key.Path)] = &document.Document{
		UserID: key.UserID, Project: key.Project, DocPath: key.Path, YjsState: seed,
	}

	h := NewHub(store, 10*time.Millisecond, 10*time.Millisecond, 0, "")
	entry := h.getOrCreateDoc(context.Background(), key)

	if entry.doc.Text() != "hello from disk" {
		t.Fatalf("Text() = %q, want %q", entry.doc.Text(), "hello from disk")
	}
}

func TestHub_GetOrCreateDoc_ReturnsSameEntry(t *testing.T) {
	h := NewHub(newFakeStore(), time.Second, time.Second, 0, "")
	key := DocKey{UserID: "u1", Project: "default", Path: "a.md"}

	e1 := h.getOrCreateDoc(context.Background(), key)
	e2 := h.getOrCreateDoc(context.Background(), key)
	if e1 != e2 {
		t.Fatal("expected the same docEntry to be returned for the same key")
	}
}

func TestHub_ScheduleCleanup_EvictsEmptyDoc(t *testing.T) {
	store := newFakeStore()
	h := NewHub(store, time.Millisecond, 5*time.Millisecond, 0, "")
	key := DocKey{UserID: "u1", Project: "default", Path: "a.md"}

	entry := h.getOrCreateDoc(context.Background(), key)
	entry.doc.Insert(0, "dirty content") // armSaveOnUpdate's callback marks it dirty

	h.scheduleCleanup(key)

	deadline := time.After(time.Second)
	for {
		h.mu.Lock()
		_, exists := h.docs[key]
		h.mu.Unlock()
		if !exists {
			break
		}
		select {
		case <-deadline:
			t.Fatal("doc was never evicted")
		case <-time.After(time.Millisecond):
		}
	}

	if store.saves() == 0 {
		t.Fatal("expected cleanup to flush the dirty document before eviction")
	}
}

func TestHub_ScheduleCleanup_CancelledByReconnect(t *testing.T) {
	store := newFakeStore()
	h := NewHub(store, time.Second, 5*time.Millisecond, 0, "")
	key := DocKey{UserID: "u1", Project: "default", Path: "a.md"}

	h.getOrCreateDoc(context.Background(), key)
	h.scheduleCleanup(key)

	// A reconnect before the cleanup timer fires should cancel it.
	h.getOrCreateDoc(context.Background(), key)

	time.Sleep(20 * time.Millisecond)
	h.mu.Lock()
	_, exists := h.docs[key]
	h.mu.Unlock()
	if !exists {
		t.Fatal("doc should not have been evicted after a reconnect cancelled cleanup")
	}
}

func TestHub_FlushAll_SavesEveryDirtyDoc(t *testing.T) {
	store := newFakeStore()
	h := NewHub(store, time.Hour, time.Hour, 0, "")

	keyA := DocKey{UserID: "u1", Project: "p", Path: "a.md"}
	keyB := DocKey{UserID: "u1", Project: "p", Path: "b.md"}
	entryA := h.getOrCreateDoc(context.Background(), keyA)
	entryB := h.getOrCreateDoc(context.Background(), keyB)
	entryA.doc.Insert(0, "a content")
	entryB.doc.Insert(0, "b content")
	entryA.dirty = true
	entryB.dirty = true

	h.FlushAll(context.Background())

	if store.saves() != 2 {
		t.Fatalf("expected 2 saves, got %d", store.saves())
	}
}

func TestHub_FlushAll_RetriesOnSaveFailure(t *testing.T) {
	store := newFakeStore()
	store.saveErr = errors.New("connection refused")
	h := NewHub(store, time.Hour, time.Hour, 0, "")

	key := DocKey{UserID: "u1", Project: "p", Path: "a.md"}
	entry := h.getOrCreateDoc(context.Background(), key)
	entry.doc.Insert(0, "content")
	entry.dirty = true

	h.FlushAll(context.Background())

	entry.mu.Lock()
	stillDirty := entry.dirty
	entry.mu.Unlock()
	if !stillDirty {
		t.Fatal("a failed save must leave the document marked dirty for retry")
	}
}

func ydocWithText(t *testing.T, text string) []byte {
	t.Helper()
	d := ydoc.New(99)
	d.Insert(0, text)
	return d.EncodeStateAsUpdate(nil)
}
