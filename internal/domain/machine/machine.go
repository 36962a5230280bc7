// Package machine holds the Device/Machine entity: a desktop agent that
// can act as a tunnel provider and expose a file catalog.
package machine

import "time"

// Status is the most recently observed tunnel connection state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Machine is a user's registered device, uniquely keyed by
// (UserID, MachineID).
type Machine struct {
	UserID       string
	MachineID    string
	MachineName  string
	Hostname     string
	Capabilities []string
	Status       Status
	LastSeen     time.Time
	ConnectedAt  time.Time
}
