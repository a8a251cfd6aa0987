package document

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proscan/docsync/internal/syncerr"
)

func newDoc() *Document {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return &Document{
		ID:        "doc-1",
		Title:     "Invoice",
		Tags:      []string{"finance", "2025", "finance"},
		Format:    "pdf",
		Pages:     []PageRef{"asset://p1", "asset://p2"},
		Metadata:  map[string]string{"lang": "en"},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestStatusDerivation(t *testing.T) {
	base := time.Unix(1000, 0).UTC()

	tests := []struct {
		name string
		doc  Document
		want SyncStatus
	}{
		{
			name: "never synced",
			doc:  Document{UpdatedAt: base},
			want: StatusLocalOnly,
		},
		{
			name: "synced",
			doc:  Document{UpdatedAt: base, SyncedAt: base, RemoteRevision: "r1"},
			want: StatusSynced,
		},
		{
			name: "edited after sync",
			doc:  Document{UpdatedAt: base.Add(time.Second), SyncedAt: base, RemoteRevision: "r1"},
			want: StatusPendingUpload,
		},
		{
			name: "remote moved",
			doc:  Document{UpdatedAt: base, SyncedAt: base, RemoteRevision: "r1", PendingRemoteRevision: "r2"},
			want: StatusPendingDownload,
		},
		{
			name: "both moved",
			doc:  Document{UpdatedAt: base.Add(time.Second), SyncedAt: base, RemoteRevision: "r1", PendingRemoteRevision: "r2"},
			want: StatusConflict,
		},
		{
			name: "placeholder",
			doc:  Document{PendingRemoteRevision: "r9"},
			want: StatusPendingDownload,
		},
		{
			name: "error wins",
			doc:  Document{UpdatedAt: base.Add(time.Second), SyncedAt: base, SyncError: "session expired"},
			want: StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.doc.Status())
		})
	}
}

func TestTouchIsMonotonic(t *testing.T) {
	doc := newDoc()
	prev := doc.UpdatedAt

	// Clock went backwards.
	doc.Touch(prev.Add(-time.Hour))
	assert.True(t, doc.UpdatedAt.After(prev))

	prev = doc.UpdatedAt
	doc.Touch(prev.Add(time.Minute))
	assert.Equal(t, prev.Add(time.Minute), doc.UpdatedAt)
}

func TestMarkSynced(t *testing.T) {
	doc := newDoc()
	doc.RetryCount = 3
	doc.SyncError = "boom"
	doc.PendingRemoteRevision = "r2"

	doc.MarkSynced("r3")

	assert.Equal(t, StatusSynced, doc.Status())
	assert.Equal(t, "r3", doc.RemoteRevision)
	assert.Zero(t, doc.RetryCount)
	assert.Empty(t, doc.PendingRemoteRevision)
}

func TestNormalizeAndValidate(t *testing.T) {
	doc := newDoc()
	doc.Normalize()

	assert.Equal(t, []string{"2025", "finance"}, doc.Tags)
	assert.Equal(t, 2, doc.PageCount)
	require.NoError(t, doc.Validate())

	doc.Title = ""
	err := doc.Validate()
	var vErr *syncerr.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "title", vErr.Field)

	doc = newDoc()
	doc.PageCount = 5
	assert.Error(t, doc.Validate())

	placeholder := &Document{ID: "remote-only", PendingRemoteRevision: "r1"}
	assert.True(t, placeholder.IsPlaceholder())
	assert.NoError(t, placeholder.Validate())
}

func TestFingerprint(t *testing.T) {
	a := newDoc()
	b := a.Clone()
	b.UpdatedAt = b.UpdatedAt.Add(time.Hour)
	b.RemoteRevision = "r7"
	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "bookkeeping must not affect the fingerprint")

	b.Metadata["lang"] = "de"
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.Equal(t, "en", a.Metadata["lang"], "clone must not share maps")
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	doc := newDoc()
	doc.Normalize()
	doc.RemoteRevision = "r1"
	doc.SyncedAt = doc.UpdatedAt

	require.NoError(t, WriteFile(dir, doc))

	path := filepath.Join(dir, doc.Filename())
	assert.True(t, IsDocumentFile(path))

	read, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, doc.Title, read.Title)
	assert.Equal(t, doc.Pages, read.Pages)
	assert.Empty(t, read.RemoteRevision, "imports start unsynced")
	assert.Equal(t, StatusLocalOnly, read.Status())
}
