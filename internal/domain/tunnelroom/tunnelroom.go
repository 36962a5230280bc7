// Package tunnelroom holds the metadata shape of a tunnel room's providers.
// The live room (actual WebSocket connections, the active-machine pointer,
// and the consumer set) is transport-bound state owned by internal/syncrelay;
// this package only carries the wire/storage-facing provider metadata.
package tunnelroom

// ProviderInfo is the metadata a provider announces on connect, mirrored
// into machine.Machine and broadcast to consumers as part of provider-status.
type ProviderInfo struct {
	MachineID    string   `json:"machineId"`
	MachineName  string   `json:"machineName"`
	Hostname     string   `json:"hostname"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Status is the snapshot sent to consumers on connect and after any
// provider connect/disconnect/active-switch event.
type Status struct {
	ActiveMachineID string         `json:"activeMachineId,omitempty"`
	Providers       []ProviderInfo `json:"providers"`
}
