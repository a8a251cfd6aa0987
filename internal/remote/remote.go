// Package remote defines the contract of the authoritative document store
// and ships its implementations: a JSON-over-HTTP client and a
// Firestore/Cloud Storage backend.
//
// Every implementation reports failures with the syncerr taxonomy so the
// sync engine can tell transient outages from permanent rejections.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/proscan/docsync/internal/document"
	"github.com/proscan/docsync/internal/syncerr"
)

// Change is one entry of the remote change feed: the latest state of a
// document after the requested cursor.
type Change struct {
	ID        string
	Revision  string
	UpdatedAt time.Time
	Deleted   bool
	// Document holds the content. It is nil for tombstones.
	Document *document.Document
}

// Version returns the remote side of the change as a document whose
// RemoteRevision is the change revision.
func (c Change) Version() *document.Document {
	var doc *document.Document
	if c.Document != nil {
		doc = c.Document.Clone()
	} else {
		doc = &document.Document{ID: c.ID}
	}
	doc.ID = c.ID
	doc.RemoteRevision = c.Revision
	doc.PendingRemoteRevision = ""
	doc.Deleted = c.Deleted
	if !c.UpdatedAt.IsZero() {
		doc.UpdatedAt = c.UpdatedAt.UTC()
	}
	return doc
}

// ChangeSet is one page of the change feed.
type ChangeSet struct {
	Changes []Change
	// Cursor marks the end of this page. Passing it to the next call
	// continues the feed.
	Cursor string
	// HasMore reports that further pages are available right now.
	HasMore bool
}

// PageOpener resolves page-asset handles to their binary content. The
// content is streamed as is and never interpreted.
type PageOpener interface {
	Open(ctx context.Context, ref document.PageRef) (io.ReadCloser, error)
}

// Client is the remote document API consumed by the sync engine.
type Client interface {
	// ListChangesSince returns changes after cursor. An empty cursor
	// lists the whole collection.
	ListChangesSince(ctx context.Context, cursor string) (*ChangeSet, error)

	// Upload stores doc and its page assets and returns the stored
	// version carrying the new revision. pages may be nil.
	Upload(ctx context.Context, doc *document.Document, pages PageOpener) (*document.Document, error)

	// Download returns the current remote version of a document.
	Download(ctx context.Context, id string) (*document.Document, error)

	// Delete records a remote tombstone. Deleting an unknown id succeeds.
	Delete(ctx context.Context, id string) error
}

// TokenSource supplies a bearer credential per call. Implementations
// return a *syncerr.AuthError with SessionExpired set once the session can
// no longer be refreshed.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed credential.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", &syncerr.AuthError{SessionExpired: true, Err: errors.New("no credential configured")}
	}
	return string(t), nil
}

// ErrNotFound is wrapped by errors for documents unknown to the remote
// store.
var ErrNotFound = errors.New("document not found on remote")

func notFound(id string) error {
	return &syncerr.ValidationError{Field: "id", Message: fmt.Sprintf("%s is unknown to the remote store", id), Err: ErrNotFound}
}

// token fetches a credential and normalizes the failure to an AuthError.
func token(ctx context.Context, ts TokenSource) (string, error) {
	if ts == nil {
		return "", nil
	}
	tok, err := ts.Token(ctx)
	if err != nil {
		var authErr *syncerr.AuthError
		if errors.As(err, &authErr) {
			return "", err
		}
		return "", &syncerr.AuthError{Err: fmt.Errorf("failed to obtain credential: %w", err)}
	}
	return tok, nil
}
