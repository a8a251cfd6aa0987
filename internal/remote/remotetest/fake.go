// Package remotetest provides an in-memory remote.Client for tests and for
// running the CLI without a server.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/proscan/docsync/internal/document"
	"github.com/proscan/docsync/internal/remote"
	"github.com/proscan/docsync/internal/syncerr"
)

// Op names a remote call for failure injection and call counting.
type Op string

const (
	OpList     Op = "list"
	OpUpload   Op = "upload"
	OpDownload Op = "download"
	OpDelete   Op = "delete"
)

type entry struct {
	doc *document.Document
	seq int
}

// Fake is a remote store held in memory. Every write gets a new sequence
// number, which doubles as the revision and the change feed cursor.
type Fake struct {
	mu       sync.Mutex
	docs     map[string]*entry
	seq      int
	pageSize int
	offline  bool
	failures map[Op][]error
	failByID map[string][]error
	calls    map[Op]int
	pages    map[string][][]byte
	gate     chan struct{}
	listed   chan struct{}
	now      func() time.Time
}

var _ remote.Client = (*Fake)(nil)

// NewFake creates an empty remote store.
func NewFake() *Fake {
	return &Fake{
		docs:     make(map[string]*entry),
		failures: make(map[Op][]error),
		failByID: make(map[string][]error),
		calls:    make(map[Op]int),
		pages:    make(map[string][][]byte),
		now:      time.Now,
	}
}

// SetPageSize limits how many changes one ListChangesSince call returns.
func (f *Fake) SetPageSize(n int) {
	f.mu.Lock()
	f.pageSize = n
	f.mu.Unlock()
}

// SetOffline makes every call fail with an unreachable NetworkError.
func (f *Fake) SetOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

// Online reports the connectivity state; it satisfies the probe used by
// the sync engine.
func (f *Fake) Online(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline
}

// FailNext queues errors returned by the next calls of op, one per call.
func (f *Fake) FailNext(op Op, errs ...error) {
	f.mu.Lock()
	f.failures[op] = append(f.failures[op], errs...)
	f.mu.Unlock()
}

// FailDocument queues errors for upload, download and delete calls of one
// document id.
func (f *Fake) FailDocument(id string, errs ...error) {
	f.mu.Lock()
	f.failByID[id] = append(f.failByID[id], errs...)
	f.mu.Unlock()
}

// Calls returns how many times op was invoked, failed calls included.
func (f *Fake) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// BlockList makes ListChangesSince wait until the returned release func is
// called. Listed is signalled every time a blocked call arrives.
func (f *Fake) BlockList() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.listed = make(chan struct{}, 16)
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Listed returns a channel receiving a value whenever a listing call
// reaches a gate installed by BlockList.
func (f *Fake) Listed() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed
}

// Seed stores doc as if another device had uploaded it and returns the
// assigned revision.
func (f *Fake) Seed(doc *document.Document) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storeLocked(doc)
}

// Tombstone marks id as deleted remotely, as another device would.
func (f *Fake) Tombstone(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc := &document.Document{ID: id}
	if e, ok := f.docs[id]; ok {
		doc = e.doc.Clone()
	}
	doc.Deleted = true
	doc.UpdatedAt = f.now().UTC()
	return f.storeLocked(doc)
}

// Get returns the stored version of id.
func (f *Fake) Get(id string) (*document.Document, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.docs[id]
	if !ok {
		return nil, false
	}
	return f.versionLocked(e), true
}

// Live returns the ids of the documents that are not tombstones, sorted.
func (f *Fake) Live() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, e := range f.docs {
		if !e.doc.Deleted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Pages returns the page contents uploaded for id.
func (f *Fake) Pages(id string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[id]
}

// ListChangesSince implements remote.Client.
func (f *Fake) ListChangesSince(ctx context.Context, cursor string) (*remote.ChangeSet, error) {
	f.mu.Lock()
	f.calls[OpList]++
	gate, listed := f.gate, f.listed
	f.mu.Unlock()

	if gate != nil {
		select {
		case listed <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failLocked(OpList, ""); err != nil {
		return nil, err
	}

	after := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, &syncerr.ValidationError{Field: "cursor", Message: fmt.Sprintf("%q is not a fake cursor", cursor)}
		}
		after = n
	}

	var pending []*entry
	for _, e := range f.docs {
		if e.seq > after {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	set := &remote.ChangeSet{Cursor: cursor}
	if f.pageSize > 0 && len(pending) > f.pageSize {
		pending = pending[:f.pageSize]
		set.HasMore = true
	}
	for _, e := range pending {
		version := f.versionLocked(e)
		ch := remote.Change{
			ID:        version.ID,
			Revision:  version.RemoteRevision,
			UpdatedAt: version.UpdatedAt,
			Deleted:   version.Deleted,
		}
		if !version.Deleted {
			ch.Document = version
		}
		set.Changes = append(set.Changes, ch)
		set.Cursor = strconv.Itoa(e.seq)
	}
	if set.Cursor == "" {
		set.Cursor = strconv.Itoa(f.seq)
	}
	return set, nil
}

// Upload implements remote.Client.
func (f *Fake) Upload(ctx context.Context, doc *document.Document, pages remote.PageOpener) (*document.Document, error) {
	if err := f.begin(OpUpload, doc.ID); err != nil {
		return nil, err
	}

	var contents [][]byte
	if pages != nil {
		for _, ref := range doc.Pages {
			rc, err := pages.Open(ctx, ref)
			if err != nil {
				return nil, &syncerr.ValidationError{Field: "pages", Message: fmt.Sprintf("%s cannot be opened", ref), Err: err}
			}
			data, err := io.ReadAll(rc)
			_ = rc.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to read page %s: %w", ref, err)
			}
			contents = append(contents, data)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeLocked(doc)
	if contents != nil {
		f.pages[doc.ID] = contents
	}
	return f.versionLocked(f.docs[doc.ID]), nil
}

// Download implements remote.Client.
func (f *Fake) Download(_ context.Context, id string) (*document.Document, error) {
	if err := f.begin(OpDownload, id); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.docs[id]
	if !ok {
		return nil, &syncerr.ValidationError{Field: "id", Message: id + " is unknown to the remote store", Err: remote.ErrNotFound}
	}
	return f.versionLocked(e), nil
}

// Delete implements remote.Client.
func (f *Fake) Delete(_ context.Context, id string) error {
	if err := f.begin(OpDelete, id); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.docs[id]
	if !ok {
		return nil
	}
	doc := e.doc.Clone()
	doc.Deleted = true
	f.storeLocked(doc)
	delete(f.pages, id)
	return nil
}

func (f *Fake) begin(op Op, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.failLocked(op, id)
}

func (f *Fake) failLocked(op Op, id string) error {
	if f.offline {
		return &syncerr.NetworkError{Kind: syncerr.Unreachable, Err: errors.New("fake remote is offline")}
	}
	if q := f.failures[op]; len(q) > 0 {
		f.failures[op] = q[1:]
		return q[0]
	}
	if id != "" {
		if q := f.failByID[id]; len(q) > 0 {
			f.failByID[id] = q[1:]
			return q[0]
		}
	}
	return nil
}

func (f *Fake) storeLocked(doc *document.Document) string {
	f.seq++
	stored := doc.Clone()
	stored.RemoteRevision = ""
	stored.PendingRemoteRevision = ""
	stored.SyncedAt = time.Time{}
	stored.ClearRetry()
	f.docs[doc.ID] = &entry{doc: stored, seq: f.seq}
	return revision(f.seq)
}

func (f *Fake) versionLocked(e *entry) *document.Document {
	doc := e.doc.Clone()
	doc.RemoteRevision = revision(e.seq)
	return doc
}

func revision(seq int) string {
	return "rev-" + strconv.Itoa(seq)
}
