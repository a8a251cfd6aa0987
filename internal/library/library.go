// Package library implements the local document operations users perform
// between sync cycles: create, edit, soft delete, purge, manual conflict
// resolution and error reset.
//
// Every mutation goes through the store, advances UpdatedAt, refreshes the
// tracker and publishes an event. Nothing here talks to the network.
package library

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/proscan/docsync/internal/document"
	"github.com/proscan/docsync/internal/events"
	"github.com/proscan/docsync/internal/store"
	"github.com/proscan/docsync/internal/syncerr"
)

// Draft holds the user-provided content of a new document.
type Draft struct {
	ID       string
	Title    string
	Tags     []string
	Format   string
	Pages    []document.PageRef
	Metadata map[string]string
}

// Side selects the winner of a manual conflict resolution.
type Side int

const (
	KeepLocal Side = iota
	KeepRemote
)

func (s Side) String() string {
	if s == KeepRemote {
		return "remote"
	}
	return "local"
}

// ErrNotReconciled is returned by Purge for documents whose deletion has
// not reached the remote store yet.
var ErrNotReconciled = errors.New("deletion not yet propagated to the remote store")

// ErrNoConflict is returned by ResolveConflict for documents that are not
// in conflict.
var ErrNoConflict = errors.New("document is not in conflict")

// Library is the local CRUD service.
type Library struct {
	store   store.Store
	tracker *events.Tracker
	bus     *events.Bus
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// New creates a Library. tracker, bus and logger may be nil.
func New(st store.Store, tracker *events.Tracker, bus *events.Bus, logger *zap.SugaredLogger) *Library {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Library{store: st, tracker: tracker, bus: bus, logger: logger, now: time.Now}
}

// Reload rebuilds the tracker from the store.
func (l *Library) Reload(ctx context.Context) error {
	docs, err := l.store.GetAll(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to load documents: %w", err)
	}
	if l.tracker != nil {
		l.tracker.Load(docs)
	}
	return nil
}

// Create stores a new local document. An empty Draft.ID gets a fresh uuid.
func (l *Library) Create(ctx context.Context, d Draft) (*document.Document, error) {
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}

	if _, err := l.store.Get(ctx, id); err == nil {
		return nil, &syncerr.ValidationError{Field: "id", Message: fmt.Sprintf("%s already exists", id)}
	} else if !syncerr.IsNotFound(err) {
		return nil, err
	}

	now := l.now().UTC()
	doc := &document.Document{
		ID:        id,
		Title:     d.Title,
		Tags:      slices.Clone(d.Tags),
		Format:    d.Format,
		Pages:     slices.Clone(d.Pages),
		Metadata:  d.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	doc.Normalize()
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	if err := l.store.Put(ctx, doc); err != nil {
		return nil, err
	}

	l.record(doc)
	l.publish(events.Created{Header: events.NewHeader(doc.ID)})
	l.logger.Infow("document created", "id", doc.ID, "title", doc.Title)
	return doc, nil
}

// Get returns a document, tombstones included.
func (l *Library) Get(ctx context.Context, id string) (*document.Document, error) {
	return l.store.Get(ctx, id)
}

// Filter narrows List.
type Filter struct {
	IncludeDeleted bool
	Status         document.SyncStatus
	Tag            string
	// Since keeps documents updated at or after the given time.
	Since time.Time
}

// List returns the documents matching f, ordered by id.
func (l *Library) List(ctx context.Context, f Filter) ([]*document.Document, error) {
	docs, err := l.store.GetAll(ctx, f.IncludeDeleted)
	if err != nil {
		return nil, err
	}

	out := docs[:0]
	for _, doc := range docs {
		if f.Status != "" && doc.Status() != f.Status {
			continue
		}
		if f.Tag != "" && !slices.Contains(doc.Tags, f.Tag) {
			continue
		}
		if !f.Since.IsZero() && doc.UpdatedAt.Before(f.Since) {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

// Update applies a user edit. fn must not change the id or bookkeeping.
func (l *Library) Update(ctx context.Context, id string, fn func(doc *document.Document) error) (*document.Document, error) {
	doc, err := l.store.Update(ctx, id, func(doc *document.Document) error {
		if doc.Deleted {
			return &syncerr.ValidationError{Field: "id", Message: fmt.Sprintf("%s is deleted", id)}
		}
		if doc.IsPlaceholder() {
			return &syncerr.ValidationError{Field: "id", Message: fmt.Sprintf("%s has not been downloaded yet", id)}
		}
		if err := fn(doc); err != nil {
			return err
		}
		doc.Touch(l.now())
		doc.Normalize()
		return doc.Validate()
	})
	if err != nil {
		return nil, err
	}

	l.record(doc)
	l.publish(events.Updated{Header: events.NewHeader(id)})
	return doc, nil
}

// Delete soft-deletes a document. The tombstone is kept until the sync
// engine has propagated it.
func (l *Library) Delete(ctx context.Context, id string) error {
	doc, err := l.store.Update(ctx, id, func(doc *document.Document) error {
		if doc.Deleted {
			return nil
		}
		doc.Deleted = true
		doc.Touch(l.now())
		return nil
	})
	if err != nil {
		return err
	}

	l.record(doc)
	l.publish(events.Deleted{Header: events.NewHeader(id)})
	l.logger.Infow("document deleted", "id", id, "status", doc.Status())
	return nil
}

// Purge permanently removes a tombstone once its deletion is reconciled,
// or a document that never reached the remote store.
func (l *Library) Purge(ctx context.Context, id string) error {
	doc, err := l.store.Get(ctx, id)
	if err != nil {
		return err
	}

	neverUploaded := doc.RemoteRevision == "" && !doc.RemotelyChanged()
	if !neverUploaded {
		if !doc.Deleted {
			return &syncerr.ValidationError{Field: "id", Message: fmt.Sprintf("%s must be deleted before it can be purged", id)}
		}
		if doc.Status() != document.StatusSynced {
			return fmt.Errorf("cannot purge %s: %w", id, ErrNotReconciled)
		}
	}

	if err := l.store.Delete(ctx, id); err != nil {
		return err
	}

	if l.tracker != nil {
		l.tracker.Remove(id)
	}
	l.publish(events.Deleted{Header: events.NewHeader(id), Purged: true})
	l.logger.Infow("document purged", "id", id)
	return nil
}

// ResolveConflict settles a document in conflict. KeepLocal schedules the
// local version for upload on top of the newer remote revision;
// KeepRemote drops the local edit so the next cycle downloads the remote
// version.
func (l *Library) ResolveConflict(ctx context.Context, id string, side Side) (*document.Document, error) {
	doc, err := l.store.Update(ctx, id, func(doc *document.Document) error {
		if doc.Status() != document.StatusConflict {
			return fmt.Errorf("%s: %w", id, ErrNoConflict)
		}
		switch side {
		case KeepLocal:
			doc.RemoteRevision = doc.PendingRemoteRevision
			doc.PendingRemoteRevision = ""
			doc.Touch(l.now())
		case KeepRemote:
			doc.SyncedAt = doc.UpdatedAt
		}
		doc.ClearRetry()
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.record(doc)
	l.publish(events.Updated{Header: events.NewHeader(id)})
	l.logger.Infow("conflict resolved", "id", id, "kept", side.String(), "status", doc.Status())
	return doc, nil
}

// ResetError clears the retry state of a document marked as errored so the
// next cycle picks it up again.
func (l *Library) ResetError(ctx context.Context, id string) (*document.Document, error) {
	doc, err := l.store.Update(ctx, id, func(doc *document.Document) error {
		doc.ClearRetry()
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.record(doc)
	l.publish(events.Updated{Header: events.NewHeader(id)})
	return doc, nil
}

// Import stores a document read from a JSON file. A known id is updated
// in place, an unknown one is created.
func (l *Library) Import(ctx context.Context, path string) (*document.Document, error) {
	in, err := document.ReadFile(path)
	if err != nil {
		return nil, &syncerr.ValidationError{Field: "file", Message: "cannot be imported", Err: err}
	}

	if in.ID != "" {
		if _, err := l.store.Get(ctx, in.ID); err == nil {
			return l.Update(ctx, in.ID, func(doc *document.Document) error {
				doc.Title = in.Title
				doc.Tags = in.Tags
				doc.Format = in.Format
				doc.Pages = in.Pages
				doc.PageCount = in.PageCount
				doc.Metadata = in.Metadata
				return nil
			})
		} else if !syncerr.IsNotFound(err) {
			return nil, err
		}
	}

	return l.Create(ctx, Draft{
		ID:       in.ID,
		Title:    in.Title,
		Tags:     in.Tags,
		Format:   in.Format,
		Pages:    in.Pages,
		Metadata: in.Metadata,
	})
}

func (l *Library) record(doc *document.Document) {
	if l.tracker != nil {
		l.tracker.Set(doc)
	}
}

func (l *Library) publish(e events.Event) {
	if l.bus != nil {
		l.bus.Publish(e)
	}
}
