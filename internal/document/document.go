// Package document provides the scanned document record and the rules that
// derive its sync status.
package document

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/proscan/docsync/internal/syncerr"
)

// SyncStatus describes where a document stands relative to the remote store.
type SyncStatus string

const (
	StatusLocalOnly       SyncStatus = "localOnly"
	StatusPendingUpload   SyncStatus = "pendingUpload"
	StatusPendingDownload SyncStatus = "pendingDownload"
	StatusSynced          SyncStatus = "synced"
	StatusConflict        SyncStatus = "conflict"
	StatusError           SyncStatus = "error"
)

// Statuses lists every status in display order.
var Statuses = []SyncStatus{
	StatusSynced,
	StatusPendingUpload,
	StatusPendingDownload,
	StatusLocalOnly,
	StatusConflict,
	StatusError,
}

// PageRef is an opaque handle to a captured page asset.
type PageRef string

// Document is a scanned document as persisted locally.
type Document struct {
	// ===== Identity & content =====
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Tags      []string          `json:"tags,omitempty"`
	Format    string            `json:"format,omitempty"`
	PageCount int               `json:"page_count"`
	Pages     []PageRef         `json:"pages,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Deleted   bool              `json:"deleted,omitempty"`

	// ===== Sync bookkeeping =====
	RemoteRevision        string    `json:"remote_revision,omitempty"`
	PendingRemoteRevision string    `json:"pending_remote_revision,omitempty"`
	SyncedAt              time.Time `json:"synced_at,omitempty"`
	RetryCount            int       `json:"retry_count,omitempty"`
	NextRetryAt           time.Time `json:"next_retry_at,omitempty"`
	SyncError             string    `json:"sync_error,omitempty"`
}

// LocallyChanged reports whether the document was mutated locally since the
// last common sync point.
func (d *Document) LocallyChanged() bool {
	return d.UpdatedAt.After(d.SyncedAt)
}

// RemotelyChanged reports whether a newer remote revision is known but not
// yet applied.
func (d *Document) RemotelyChanged() bool {
	return d.PendingRemoteRevision != ""
}

// IsPlaceholder reports whether the record only marks a remote document
// whose download has not completed yet.
func (d *Document) IsPlaceholder() bool {
	return d.CreatedAt.IsZero() && d.RemoteRevision == "" && d.PendingRemoteRevision != ""
}

// Status derives the sync status from the bookkeeping fields.
func (d *Document) Status() SyncStatus {
	switch {
	case d.SyncError != "":
		return StatusError
	case d.LocallyChanged() && d.RemotelyChanged():
		return StatusConflict
	case d.RemotelyChanged():
		return StatusPendingDownload
	case d.LocallyChanged() && d.RemoteRevision == "":
		return StatusLocalOnly
	case d.LocallyChanged():
		return StatusPendingUpload
	default:
		return StatusSynced
	}
}

// Touch advances UpdatedAt for a local mutation. The new value is strictly
// greater than the previous one even if the wall clock went backwards.
func (d *Document) Touch(now time.Time) {
	next := now.UTC()
	if !next.After(d.UpdatedAt) {
		next = d.UpdatedAt.Add(time.Nanosecond)
	}
	d.UpdatedAt = next
}

// MarkSynced records that the current content matches remote revision rev.
func (d *Document) MarkSynced(rev string) {
	d.RemoteRevision = rev
	d.PendingRemoteRevision = ""
	d.SyncedAt = d.UpdatedAt
	d.ClearRetry()
}

// ClearRetry resets the retry bookkeeping.
func (d *Document) ClearRetry() {
	d.RetryCount = 0
	d.NextRetryAt = time.Time{}
	d.SyncError = ""
}

// Normalize deduplicates and sorts tags, fills PageCount from Pages and
// converts timestamps to UTC.
func (d *Document) Normalize() {
	if len(d.Tags) > 0 {
		seen := make(map[string]struct{}, len(d.Tags))
		tags := d.Tags[:0]
		for _, tag := range d.Tags {
			if tag == "" {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		d.Tags = tags
	}
	if d.PageCount == 0 && len(d.Pages) > 0 {
		d.PageCount = len(d.Pages)
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	d.SyncedAt = d.SyncedAt.UTC()
	d.NextRetryAt = d.NextRetryAt.UTC()
}

// Validate checks if the Document has valid field values.
func (d *Document) Validate() error {
	if d.ID == "" {
		return &syncerr.ValidationError{Field: "id", Message: "is required"}
	}
	if d.IsPlaceholder() {
		return nil
	}
	if d.Title == "" {
		return &syncerr.ValidationError{Field: "title", Message: "is required"}
	}
	if len(d.Title) > 500 {
		return &syncerr.ValidationError{Field: "title", Message: fmt.Sprintf("must be 500 characters or less (got %d)", len(d.Title))}
	}
	if d.PageCount < 0 {
		return &syncerr.ValidationError{Field: "page_count", Message: "must not be negative"}
	}
	if len(d.Pages) > 0 && d.PageCount != len(d.Pages) {
		return &syncerr.ValidationError{Field: "page_count", Message: fmt.Sprintf("is %d but %d pages are attached", d.PageCount, len(d.Pages))}
	}
	if d.CreatedAt.IsZero() {
		return &syncerr.ValidationError{Field: "created_at", Message: "is required"}
	}
	if d.UpdatedAt.IsZero() {
		return &syncerr.ValidationError{Field: "updated_at", Message: "is required"}
	}
	return nil
}

// Fingerprint hashes the user-visible content. Two versions with equal
// fingerprints carry identical content regardless of their timestamps.
func (d *Document) Fingerprint() string {
	h := xxhash.New()
	write := func(s string) {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}

	write(d.Title)
	write(d.Format)
	for _, tag := range d.Tags {
		write(tag)
	}
	write("|")
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(d.PageCount))
	_, _ = h.Write(buf[:])
	for _, page := range d.Pages {
		write(string(page))
	}
	write("|")
	for _, key := range slices.Sorted(maps.Keys(d.Metadata)) {
		write(key)
		write(d.Metadata[key])
	}
	if d.Deleted {
		write("deleted")
	}

	return fmt.Sprintf("%016x", h.Sum64())
}

// Clone returns a deep copy so callers never share slices or maps.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Tags = slices.Clone(d.Tags)
	c.Pages = slices.Clone(d.Pages)
	c.Metadata = maps.Clone(d.Metadata)
	return &c
}

// Filename returns the canonical filename for this document: {id}.json
func (d *Document) Filename() string {
	return fmt.Sprintf("%s.json", d.ID)
}
