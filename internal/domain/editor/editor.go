// Package editor holds the in-memory per-user editor+runtime runtime record
// (EditorInfo). It is process-wide state owned by UserLifecycle and read by
// the reverse proxy and periodic health checker.
package editor

// State is whether a user's editor+runtime pair is actively serving traffic
// or has been snapshotted and stopped to free resources.
type State string

const (
	StateActive State = "active"
	StateIdle   State = "idle"
)

// Info is the in-memory record of one user's running (or snapshotted)
// editor and runtime containers. At most one non-idle Info exists per user;
// creation is serialized via a per-user start-in-progress set.
type Info struct {
	UserID           string
	EditorPort       int
	EditorContainer  string
	RuntimeID        string
	RuntimeContainer string
	RuntimePort      int
	Host             string
	State            State
	SnapshotID       string // set when State == StateIdle and a snapshot exists
}
