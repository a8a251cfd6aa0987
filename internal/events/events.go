// Package events carries live sync status: a Tracker holding the current
// status of every document and a Bus broadcasting typed events to any
// number of subscribers.
package events

import "time"

// Kind names an event variant on the wire.
type Kind string

const (
	KindCreated    Kind = "created"
	KindUpdated    Kind = "updated"
	KindDeleted    Kind = "deleted"
	KindSynced     Kind = "synced"
	KindSyncFailed Kind = "syncFailed"
)

// Event is implemented only by the variants in this package, so a type
// switch over Created, Updated, Deleted, Synced and SyncFailed is
// exhaustive.
type Event interface {
	Kind() Kind
	DocumentID() string
	Timestamp() time.Time
	sealed()
}

// Header is the part shared by all variants.
type Header struct {
	ID string    `json:"document_id"`
	At time.Time `json:"timestamp"`
}

// DocumentID returns the id of the affected document.
func (h Header) DocumentID() string { return h.ID }

// Timestamp returns when the event was produced.
func (h Header) Timestamp() time.Time { return h.At }

// Created is published after a document is first stored locally.
type Created struct {
	Header
}

// Updated is published after a local edit or an applied download.
type Updated struct {
	Header
}

// Deleted is published after a soft or hard delete.
type Deleted struct {
	Header
	Purged bool `json:"purged,omitempty"`
}

// Synced is published when a sync operation on a document finished.
type Synced struct {
	Header
	IsUpload bool  `json:"is_upload"`
	Success  bool  `json:"success"`
	Err      error `json:"-"`
}

// SyncFailed is published when a sync operation failed. RetryCount is the
// number of failed attempts so far.
type SyncFailed struct {
	Header
	Err        error `json:"-"`
	IsUpload   bool  `json:"is_upload"`
	RetryCount int   `json:"retry_count"`
	// GaveUp is true once no further automatic retry is scheduled.
	GaveUp bool `json:"gave_up"`
}

func (Created) Kind() Kind    { return KindCreated }
func (Updated) Kind() Kind    { return KindUpdated }
func (Deleted) Kind() Kind    { return KindDeleted }
func (Synced) Kind() Kind     { return KindSynced }
func (SyncFailed) Kind() Kind { return KindSyncFailed }

func (Created) sealed()    {}
func (Updated) sealed()    {}
func (Deleted) sealed()    {}
func (Synced) sealed()     {}
func (SyncFailed) sealed() {}

// NewHeader stamps id with the current time.
func NewHeader(id string) Header {
	return Header{ID: id, At: time.Now().UTC()}
}

// ErrorMessage returns the error text carried by e, or "".
func ErrorMessage(e Event) string {
	switch ev := e.(type) {
	case Synced:
		if ev.Err != nil {
			return ev.Err.Error()
		}
	case SyncFailed:
		if ev.Err != nil {
			return ev.Err.Error()
		}
	}
	return ""
}
