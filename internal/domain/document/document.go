// Package document holds the persistent CRDT document entity. A Document
// is the durable row; the in-memory runtime companion (ydoc, awareness,
// connections) lives in internal/syncrelay.
package document

import "time"

// Document is the persistent state for one notebook's CRDT content,
// uniquely keyed by (UserID, Project, DocPath).
type Document struct {
	UserID      string
	Project     string
	DocPath     string
	YjsState    []byte // opaque Yjs state-as-update
	ContentText string // text materialization for preview/search
	ContentHash string // md5 of ContentText
	ByteSize    int
	UpdatedAt   time.Time
	CreatedAt   time.Time
}

// Summary is the lightweight projection returned by list operations —
// omits the (potentially large) YjsState/ContentText payloads.
type Summary struct {
	Project     string    `json:"project"`
	DocPath     string    `json:"docPath"`
	ContentHash string    `json:"contentHash"`
	ByteSize    int       `json:"byteSize"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
