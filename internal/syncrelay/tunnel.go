package syncrelay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mrmd/orchestrator/internal/domain/machine"
	"github.com/mrmd/orchestrator/internal/domain/tunnelroom"
	"github.com/mrmd/orchestrator/internal/metrics"
	"github.com/mrmd/orchestrator/internal/port/database"
)

const bridgeRequestWindow = 60 * time.Second

// tunnelParty is one provider or consumer connection inside a room.
type tunnelParty struct {
	ws     *websocket.Conn
	role   string // "provider" or "consumer"
	userID string

	// provider-only fields
	machineID   string
	machineName string
	hostname    string

	writeMu sync.Mutex
}

func (p *tunnelParty) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.ws.Write(ctx, websocket.MessageText, data)
}

// tunnelRoom is one user's machine-agent tunnel: many providers, many
// consumers, at most one active provider at a time.
type tunnelRoom struct {
	userID string

	mu              sync.Mutex
	providers       map[string]*tunnelParty // machineID -> provider
	consumers       map[*tunnelParty]struct{}
	activeMachineID string

	bridgeMu       sync.Mutex
	lastBridgeSent map[string]time.Time // "project|docPath" -> last bridge-request time
}

func newTunnelRoom(userID string) *tunnelRoom {
	return &tunnelRoom{
		userID:         userID,
		providers:      make(map[string]*tunnelParty),
		consumers:      make(map[*tunnelParty]struct{}),
		lastBridgeSent: make(map[string]time.Time),
	}
}

func (h *Hub) getOrCreateRoom(userID string) *tunnelRoom {
	h.tunnelMu.Lock()
	defer h.tunnelMu.Unlock()
	if r, ok := h.rooms[userID]; ok {
		return r
	}
	r := newTunnelRoom(userID)
	h.rooms[userID] = r
	return r
}

// ServeTunnel handles one tunnel WebSocket, dispatching to the provider or
// consumer lifecycle depending on the role query parameter.
func (h *Hub) ServeTunnel(w http.ResponseWriter, r *http.Request, userID string) {
	role := r.URL.Query().Get("role")
	if role != "provider" && role != "consumer" {
		http.Error(w, "role must be provider or consumer", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		slog.Error("tunnel upgrade failed", "error", err, "user", userID)
		return
	}

	room := h.getOrCreateRoom(userID)
	party := &tunnelParty{ws: ws, role: role, userID: userID}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go heartbeat(ctx, ws, cancel)

	metrics.ConnectionsOpened.WithLabelValues("tunnel").Inc()
	metrics.ConnectionsActive.WithLabelValues("tunnel").Inc()
	defer func() {
		metrics.ConnectionsClosed.WithLabelValues("tunnel").Inc()
		metrics.ConnectionsActive.WithLabelValues("tunnel").Dec()
	}()

	if role == "provider" {
		party.machineID = r.URL.Query().Get("machine_id")
		party.machineName = r.URL.Query().Get("machine_name")
		party.hostname = r.URL.Query().Get("hostname")
		room.providerJoin(ctx, h.store, party)
		defer room.providerLeave(context.Background(), h.store, party)
	} else {
		room.consumerJoin(ctx, party)
		defer room.consumerLeave(party)
	}

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if role == "provider" {
			room.handleProviderMessage(ctx, h.store, party, data)
		} else {
			room.handleConsumerMessage(ctx, data)
		}
	}
}

func (room *tunnelRoom) providerJoin(ctx context.Context, store database.Store, p *tunnelParty) {
	room.mu.Lock()
	if old, exists := room.providers[p.machineID]; exists {
		room.mu.Unlock()
		_ = old.ws.Close(websocket.StatusNormalClosure, "replaced by new provider connection")
		room.mu.Lock()
	}
	room.providers[p.machineID] = p
	if room.activeMachineID == "" {
		room.activeMachineID = p.machineID
	}
	room.mu.Unlock()

	if store != nil {
		_ = store.UpsertMachine(ctx, &machine.Machine{
			UserID:      p.userID,
			MachineID:   p.machineID,
			MachineName: p.machineName,
			Hostname:    p.hostname,
			Status:      machine.StatusOnline,
			LastSeen:    time.Now(),
			ConnectedAt: time.Now(),
		})
	}

	room.broadcastStatus(ctx)
}

func (room *tunnelRoom) providerLeave(ctx context.Context, store database.Store, p *tunnelParty) {
	room.mu.Lock()
	if cur, ok := room.providers[p.machineID]; ok && cur == p {
		delete(room.providers, p.machineID)
	}
	wasActive := room.activeMachineID == p.machineID
	if wasActive {
		room.activeMachineID = ""
		for id := range room.providers {
			room.activeMachineID = id
			break
		}
	}
	noneLeft := len(room.providers) == 0
	room.mu.Unlock()

	if store != nil {
		_ = store.SetMachineOffline(ctx, p.userID, p.machineID)
	}

	if noneLeft {
		room.broadcastToConsumers(ctx, map[string]any{"t": "provider-gone"})
	} else {
		room.broadcastStatus(ctx)
	}
}

func (room *tunnelRoom) consumerJoin(ctx context.Context, p *tunnelParty) {
	room.mu.Lock()
	room.consumers[p] = struct{}{}
	room.mu.Unlock()
	room.sendStatus(ctx, p)
}

func (room *tunnelRoom) consumerLeave(p *tunnelParty) {
	room.mu.Lock()
	delete(room.consumers, p)
	room.mu.Unlock()
}

// handleProviderMessage intercepts provider-info metadata updates and
// forwards every other message verbatim to all consumers.
func (room *tunnelRoom) handleProviderMessage(ctx context.Context, store database.Store, p *tunnelParty, data []byte) {
	var envelope struct {
		T            string   `json:"t"`
		Capabilities []string `json:"capabilities"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.T == "provider-info" {
		if store != nil {
			_ = store.UpsertMachine(ctx, &machine.Machine{
				UserID:       p.userID,
				MachineID:    p.machineID,
				MachineName:  p.machineName,
				Hostname:     p.hostname,
				Capabilities: envelope.Capabilities,
				Status:       machine.StatusOnline,
				LastSeen:     time.Now(),
			})
		}
	}

	room.forwardToConsumers(ctx, data)
}

// handleConsumerMessage forwards a consumer's raw payload only to the
// currently active provider.
func (room *tunnelRoom) handleConsumerMessage(ctx context.Context, data []byte) {
	room.mu.Lock()
	active, ok := room.providers[room.activeMachineID]
	room.mu.Unlock()
	if !ok {
		return
	}
	active.writeMu.Lock()
	defer active.writeMu.Unlock()
	_ = active.ws.Write(ctx, websocket.MessageText, data)
}

func (room *tunnelRoom) forwardToConsumers(ctx context.Context, data []byte) {
	room.mu.Lock()
	targets := make([]*tunnelParty, 0, len(room.consumers))
	for c := range room.consumers {
		targets = append(targets, c)
	}
	room.mu.Unlock()

	for _, c := range targets {
		c.writeMu.Lock()
		_ = c.ws.Write(ctx, websocket.MessageText, data)
		c.writeMu.Unlock()
	}
}

func (room *tunnelRoom) status() tunnelroom.Status {
	room.mu.Lock()
	defer room.mu.Unlock()
	providers := make([]tunnelroom.ProviderInfo, 0, len(room.providers))
	for _, p := range room.providers {
		providers = append(providers, tunnelroom.ProviderInfo{
			MachineID:   p.machineID,
			MachineName: p.machineName,
			Hostname:    p.hostname,
		})
	}
	return tunnelroom.Status{ActiveMachineID: room.activeMachineID, Providers: providers}
}

func (room *tunnelRoom) broadcastStatus(ctx context.Context) {
	st := room.status()
	room.broadcastToConsumers(ctx, map[string]any{"t": "provider-status", "status": st})
}

func (room *tunnelRoom) sendStatus(ctx context.Context, p *tunnelParty) {
	st := room.status()
	_ = p.writeJSON(ctx, map[string]any{"t": "provider-status", "status": st})
}

func (room *tunnelRoom) broadcastToConsumers(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	room.forwardToConsumers(ctx, data)
}

// SetActiveMachine implements the control API's POST .../active: pins the
// room's active provider, or auto-selects one if machineID is empty.
// Returns false if machineID names a provider that isn't connected.
func (room *tunnelRoom) SetActiveMachine(ctx context.Context, machineID string) (string, bool) {
	room.mu.Lock()
	if machineID == "" {
		for id := range room.providers {
			room.activeMachineID = id
			break
		}
		active := room.activeMachineID
		room.mu.Unlock()
		room.broadcastStatus(ctx)
		return active, true
	}
	if _, ok := room.providers[machineID]; !ok {
		room.mu.Unlock()
		return "", false
	}
	room.activeMachineID = machineID
	room.mu.Unlock()
	room.broadcastStatus(ctx)
	return machineID, true
}

// MaybeSendBridgeRequest notifies all of a user's connected providers that
// a consumer wants the authoritative copy of (project, docPath) bridged
// into the relay, rate-limited to once per bridgeRequestWindow per doc.
func (h *Hub) MaybeSendBridgeRequest(ctx context.Context, userID, project, docPath string) {
	h.tunnelMu.Lock()
	room, ok := h.rooms[userID]
	h.tunnelMu.Unlock()
	if !ok {
		return
	}

	key := project + "|" + docPath
	room.bridgeMu.Lock()
	if last, ok := room.lastBridgeSent[key]; ok && time.Since(last) < bridgeRequestWindow {
		room.bridgeMu.Unlock()
		return
	}
	room.lastBridgeSent[key] = time.Now()
	room.bridgeMu.Unlock()

	room.mu.Lock()
	targets := make([]*tunnelParty, 0, len(room.providers))
	for _, p := range room.providers {
		targets = append(targets, p)
	}
	room.mu.Unlock()

	msg := map[string]any{"t": "bridge-request", "project": project, "docPath": docPath}
	for _, p := range targets {
		_ = p.writeJSON(ctx, msg)
	}
}
