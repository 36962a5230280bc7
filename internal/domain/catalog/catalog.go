// Package catalog holds the file index a machine exposes for a user,
// synced atomically per machine.
package catalog

import "time"

// Entry is one file a machine exposes under a project.
type Entry struct {
	UserID      string
	MachineID   string
	Project     string
	DocPath     string
	ContentHash string
	ByteSize    int
	UpdatedAt   time.Time
}

// UploadEntry is the wire shape accepted by the catalog sync endpoint —
// it omits UserID/MachineID/UpdatedAt, which the handler fills in.
type UploadEntry struct {
	Project     string `json:"project"`
	DocPath     string `json:"docPath"`
	ContentHash string `json:"contentHash"`
	ByteSize    int    `json:"byteSize"`
}
