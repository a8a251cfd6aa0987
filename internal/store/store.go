// Package store provides durable SQLite persistence for scanned documents
// and the sync cursor.
//
// The database runs in embedded mode (ncruces/go-sqlite3, no cgo) with WAL
// enabled so readers never block on the sync engine's writes.
//
// Layout:
//   - documents: one row per document, keyed by id
//   - sync_state: small key/value table holding the remote cursor
//
// Every failure is returned as a *syncerr.StorageError whose Kind tells the
// caller whether the disk is full, access was denied, the file is corrupted,
// or the record does not exist.
package store

import (
	"context"

	"github.com/proscan/docsync/internal/document"
)

// Store is the keyed document persistence contract shared by the SQLite
// implementation and the read cache in front of it.
type Store interface {
	// Get returns the document with the given id or a NotFound StorageError.
	Get(ctx context.Context, id string) (*document.Document, error)

	// GetAll returns every document ordered by id. Tombstones are included
	// only when includeDeleted is true.
	GetAll(ctx context.Context, includeDeleted bool) ([]*document.Document, error)

	// GetByIDs returns the documents that exist among ids, in the order of
	// ids. Missing ids are skipped.
	GetByIDs(ctx context.Context, ids []string) ([]*document.Document, error)

	// Put inserts or replaces a document atomically.
	Put(ctx context.Context, doc *document.Document) error

	// Update applies fn to the current version of a document and persists
	// the result in one transaction. If fn returns an error nothing is
	// written and the error is returned unchanged.
	Update(ctx context.Context, id string, fn func(doc *document.Document) error) (*document.Document, error)

	// Delete removes a document permanently. Deleting a missing id is not
	// an error.
	Delete(ctx context.Context, id string) error
}

// CursorStore persists the opaque remote change cursor.
type CursorStore interface {
	Cursor(ctx context.Context) (string, error)
	SetCursor(ctx context.Context, cursor string) error
}
