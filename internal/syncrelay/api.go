package syncrelay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mrmd/orchestrator/internal/domain"
	"github.com/mrmd/orchestrator/internal/domain/catalog"
	"github.com/mrmd/orchestrator/internal/domain/document"
)

// Routes mounts the sync-relay's HTTP control API onto r. authMW wraps
// every route except /health; it is expected to enforce that the
// authenticated principal matches the {userId} path parameter.
func (h *Hub) Routes(r chi.Router, authMW func(paramName string) func(http.Handler) http.Handler) {
	r.Get("/health", h.handleHealth)
	r.Get("/stats", h.handleStats)

	r.Group(func(r chi.Router) {
		r.Use(authMW("userId"))

		r.Get("/sync/{userId}/{project}/*", h.handleSyncUpgrade)
		r.Get("/tunnel/{userId}", h.handleTunnelUpgrade)

		r.Get("/api/documents/{userId}", h.handleListDocuments)
		r.Get("/api/documents/{userId}/{project}", h.handleListDocuments)

		r.Post("/api/catalog/{userId}/{machineId}", h.handleCatalogSync)
		r.Get("/api/catalog/{userId}", h.handleCatalogList)

		r.Get("/api/machines/{userId}", h.handleMachinesList)

		r.Get("/api/tunnel/{userId}", h.handleTunnelStatus)
		r.Get("/api/tunnel/{userId}/machines", h.handleTunnelMachines)
		r.Get("/api/tunnel/{userId}/active", h.handleTunnelActiveGet)
		r.Post("/api/tunnel/{userId}/active", h.handleTunnelActiveSet)
	})
}

func (h *Hub) handleSyncUpgrade(w http.ResponseWriter, r *http.Request) {
	key := DocKey{
		UserID:  chi.URLParam(r, "userId"),
		Project: chi.URLParam(r, "project"),
		Path:    chi.URLParam(r, "*"),
	}
	h.ServeSync(w, r, key)
}

func (h *Hub) handleTunnelUpgrade(w http.ResponseWriter, r *http.Request) {
	h.ServeTunnel(w, r, chi.URLParam(r, "userId"))
}

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Hub) handleStats(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	docCount := len(h.docs)
	h.mu.Unlock()

	h.tunnelMu.Lock()
	roomCount := len(h.rooms)
	h.tunnelMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"activeConnections": h.activeConns,
		"activeDocuments":   docCount,
		"tunnelRooms":       roomCount,
	})
}

// documentView is the JSON shape for a full document row. ContentText and
// YjsState are only populated when the caller asked for them via the
// content/yjs query params, to keep the default listing cheap.
type documentView struct {
	Project     string    `json:"project"`
	DocPath     string    `json:"docPath"`
	ContentHash string    `json:"contentHash"`
	ByteSize    int       `json:"byteSize"`
	UpdatedAt   time.Time `json:"updatedAt"`
	ContentText string    `json:"content_text,omitempty"`
	YjsState    []byte    `json:"yjs_state,omitempty"`
}

func (h *Hub) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	project := chi.URLParam(r, "project")

	wantContent := r.URL.Query().Get("content") == "1"
	wantYjs := r.URL.Query().Get("yjs") == "1"

	if !wantContent && !wantYjs {
		if project != "" {
			docs, err := h.store.ListProjectDocuments(r.Context(), userID, project)
			if err != nil {
				writeDomainError(w, err, "failed to list documents")
				return
			}
			writeJSON(w, http.StatusOK, docs)
			return
		}

		docs, err := h.store.ListUserDocuments(r.Context(), userID)
		if err != nil {
			writeDomainError(w, err, "failed to list documents")
			return
		}
		writeJSON(w, http.StatusOK, docs)
		return
	}

	var full []document.Document
	var err error
	if project != "" {
		full, err = h.store.ListProjectDocumentsFull(r.Context(), userID, project)
	} else {
		full, err = h.store.ListUserDocumentsFull(r.Context(), userID)
	}
	if err != nil {
		writeDomainError(w, err, "failed to list documents")
		return
	}

	views := make([]documentView, 0, len(full))
	for _, d := range full {
		v := documentView{
			Project:     d.Project,
			DocPath:     d.DocPath,
			ContentHash: d.ContentHash,
			ByteSize:    d.ByteSize,
			UpdatedAt:   d.UpdatedAt,
		}
		if wantContent {
			v.ContentText = d.ContentText
		}
		if wantYjs {
			v.YjsState = d.YjsState
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

type catalogSyncRequest struct {
	MachineName  string                `json:"machineName"`
	Hostname     string                `json:"hostname"`
	Capabilities []string              `json:"capabilities"`
	Entries      []catalog.UploadEntry `json:"entries"`
}

func (h *Hub) handleCatalogSync(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	machineID := chi.URLParam(r, "machineId")

	var req catalogSyncRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entries := make([]catalog.Entry, 0, len(req.Entries))
	now := time.Now()
	for _, e := range req.Entries {
		entries = append(entries, catalog.Entry{
			UserID:      userID,
			MachineID:   machineID,
			Project:     e.Project,
			DocPath:     e.DocPath,
			ContentHash: e.ContentHash,
			ByteSize:    e.ByteSize,
			UpdatedAt:   now,
		})
	}

	if err := h.store.SyncCatalog(r.Context(), userID, machineID, entries); err != nil {
		writeDomainError(w, err, "failed to sync catalog")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"synced": len(entries)})
}

func (h *Hub) handleCatalogList(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	project := r.URL.Query().Get("project")

	entries, err := h.store.ListCatalog(r.Context(), userID, project)
	if err != nil {
		writeDomainError(w, err, "failed to list catalog")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Hub) handleMachinesList(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	machines, err := h.store.ListMachines(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err, "failed to list machines")
		return
	}
	writeJSON(w, http.StatusOK, machines)
}

func (h *Hub) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	h.tunnelMu.Lock()
	room, ok := h.rooms[userID]
	h.tunnelMu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"activeMachineId": nil, "providers": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, room.status())
}

func (h *Hub) handleTunnelMachines(w http.ResponseWriter, r *http.Request) {
	h.handleTunnelStatus(w, r)
}

func (h *Hub) handleTunnelActiveGet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	h.tunnelMu.Lock()
	room, ok := h.rooms[userID]
	h.tunnelMu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"activeMachineId": nil})
		return
	}
	st := room.status()
	writeJSON(w, http.StatusOK, map[string]any{"activeMachineId": st.ActiveMachineID})
}

type setActiveRequest struct {
	MachineID *string `json:"machineId"`
}

func (h *Hub) handleTunnelActiveSet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	var req setActiveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.tunnelMu.Lock()
	room, ok := h.rooms[userID]
	h.tunnelMu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "no tunnel room for user")
		return
	}

	var want string
	if req.MachineID != nil {
		want = *req.MachineID
	}

	active, ok := room.SetActiveMachine(r.Context(), want)
	if !ok {
		writeError(w, http.StatusNotFound, "machine is not connected")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"activeMachineId": active})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("syncrelay: failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeDomainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, fallback)
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "resource was modified by another request")
	default:
		slog.Error("syncrelay: unhandled store error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
