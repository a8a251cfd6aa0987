package events

import (
	"sync"
	"time"

	"github.com/proscan/docsync/internal/document"
)

// Entry is the tracked state of one document.
type Entry struct {
	Status     document.SyncStatus `json:"status"`
	RetryCount int                 `json:"retry_count"`
	LastError  string              `json:"last_error,omitempty"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// Statistics aggregates the tracker by status.
type Statistics struct {
	Synced          int `json:"synced"`
	PendingUpload   int `json:"pending_upload"`
	PendingDownload int `json:"pending_download"`
	LocalOnly       int `json:"local_only"`
	Conflict        int `json:"conflict"`
	Error           int `json:"error"`
	Total           int `json:"total"`
	// SyncPercentage is Synced/Total in percent; 100 when nothing is tracked.
	SyncPercentage float64 `json:"sync_percentage"`
}

// Count returns the number of documents with the given status.
func (s Statistics) Count(status document.SyncStatus) int {
	switch status {
	case document.StatusSynced:
		return s.Synced
	case document.StatusPendingUpload:
		return s.PendingUpload
	case document.StatusPendingDownload:
		return s.PendingDownload
	case document.StatusLocalOnly:
		return s.LocalOnly
	case document.StatusConflict:
		return s.Conflict
	case document.StatusError:
		return s.Error
	}
	return 0
}

// Tracker maps document ids to their current sync status.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]Entry)}
}

// Load replaces the tracked state with docs.
func (t *Tracker) Load(docs []*document.Document) {
	entries := make(map[string]Entry, len(docs))
	for _, doc := range docs {
		if tracked(doc) {
			entries[doc.ID] = entryFor(doc)
		}
	}

	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()
}

// Set records the current state of doc. Reconciled tombstones are dropped.
func (t *Tracker) Set(doc *document.Document) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !tracked(doc) {
		delete(t.entries, doc.ID)
		return
	}
	t.entries[doc.ID] = entryFor(doc)
}

// Remove forgets a document.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// Get returns the tracked entry for id.
func (t *Tracker) Get(id string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e, ok
}

// IDs returns the tracked ids with the given status.
func (t *Tracker) IDs(status document.SyncStatus) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for id, e := range t.entries {
		if e.Status == status {
			ids = append(ids, id)
		}
	}
	return ids
}

// Statistics returns per-status counts.
func (t *Tracker) Statistics() Statistics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var s Statistics
	for _, e := range t.entries {
		switch e.Status {
		case document.StatusSynced:
			s.Synced++
		case document.StatusPendingUpload:
			s.PendingUpload++
		case document.StatusPendingDownload:
			s.PendingDownload++
		case document.StatusLocalOnly:
			s.LocalOnly++
		case document.StatusConflict:
			s.Conflict++
		case document.StatusError:
			s.Error++
		}
	}
	s.Total = len(t.entries)
	if s.Total == 0 {
		s.SyncPercentage = 100
	} else {
		s.SyncPercentage = float64(s.Synced) / float64(s.Total) * 100
	}
	return s
}

func tracked(doc *document.Document) bool {
	return !(doc.Deleted && doc.Status() == document.StatusSynced)
}

func entryFor(doc *document.Document) Entry {
	return Entry{
		Status:     doc.Status(),
		RetryCount: doc.RetryCount,
		LastError:  doc.SyncError,
		UpdatedAt:  doc.UpdatedAt,
	}
}
