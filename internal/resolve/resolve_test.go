package resolve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/proscan/docsync/internal/document"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return epoch.Add(time.Duration(sec) * time.Second)
}

// synced returns a local document last reconciled at revision r1.
func synced(title string, updated int) *document.Document {
	doc := &document.Document{
		ID:        "D",
		Title:     title,
		CreatedAt: at(0),
		UpdatedAt: at(updated),
	}
	doc.MarkSynced("r1")
	return doc
}

func remoteVersion(title string, updated int, rev string) *document.Document {
	return &document.Document{
		ID:             "D",
		Title:          title,
		CreatedAt:      at(0),
		UpdatedAt:      at(updated),
		RemoteRevision: rev,
	}
}

func TestResolveOneSided(t *testing.T) {
	r := New(0)

	tests := []struct {
		name   string
		local  func() *document.Document
		remote *document.Document
		want   Action
	}{
		{
			name:  "absent everywhere",
			local: func() *document.Document { return nil },
			want:  Noop,
		},
		{
			name:   "new remote document",
			local:  func() *document.Document { return nil },
			remote: remoteVersion("B", 10, "r2"),
			want:   Download,
		},
		{
			name:  "remote tombstone for unknown id",
			local: func() *document.Document { return nil },
			remote: func() *document.Document {
				d := remoteVersion("B", 10, "r2")
				d.Deleted = true
				return d
			}(),
			want: Noop,
		},
		{
			name:  "unchanged",
			local: func() *document.Document { return synced("A", 5) },
			want:  Noop,
		},
		{
			name: "only local edit",
			local: func() *document.Document {
				d := synced("A", 5)
				d.Touch(at(6))
				return d
			},
			want: Upload,
		},
		{
			name: "never uploaded",
			local: func() *document.Document {
				return &document.Document{ID: "D", Title: "A", CreatedAt: at(1), UpdatedAt: at(1)}
			},
			want: Upload,
		},
		{
			name: "local delete after sync",
			local: func() *document.Document {
				d := synced("A", 5)
				d.Deleted = true
				d.Touch(at(6))
				return d
			},
			want: PropagateDelete,
		},
		{
			name: "local delete before first upload",
			local: func() *document.Document {
				return &document.Document{ID: "D", Title: "A", CreatedAt: at(1), UpdatedAt: at(2), Deleted: true}
			},
			want: SettleLocal,
		},
		{
			name:   "only remote edit",
			local:  func() *document.Document { return synced("A", 5) },
			remote: remoteVersion("B", 3, "r2"),
			want:   Download,
		},
		{
			name:   "same revision reported again",
			local:  func() *document.Document { return synced("A", 5) },
			remote: remoteVersion("A", 5, "r1"),
			want:   Noop,
		},
		{
			name: "pending download without remote in batch",
			local: func() *document.Document {
				d := synced("A", 5)
				d.PendingRemoteRevision = "r2"
				return d
			},
			want: Download,
		},
		{
			name: "placeholder",
			local: func() *document.Document {
				return &document.Document{ID: "D", PendingRemoteRevision: "r2"}
			},
			remote: remoteVersion("B", 3, "r2"),
			want:   Download,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(tt.local(), tt.remote, Options{})
			assert.Equal(t, tt.want, got.Action, got.Reason)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestTieBreak(t *testing.T) {
	r := New(0)

	for t1 := 1; t1 <= 4; t1++ {
		for t2 := 1; t2 <= 4; t2++ {
			local := synced("A", 0)
			local.Touch(at(t1))
			remote := remoteVersion("B", t2, "r2")

			got := r.Resolve(local, remote, Options{})
			switch {
			case t2 > t1:
				assert.Equal(t, Download, got.Action, "t1=%d t2=%d", t1, t2)
			case t2 < t1:
				assert.Equal(t, Upload, got.Action, "t1=%d t2=%d", t1, t2)
			default:
				assert.Equal(t, MarkConflict, got.Action, "t1=%d t2=%d", t1, t2)
			}
		}
	}
}

func TestSkewTolerance(t *testing.T) {
	r := New(2 * time.Second)

	local := synced("A", 0)
	local.Touch(at(10))

	assert.Equal(t, MarkConflict, r.Resolve(local, remoteVersion("B", 11, "r2"), Options{}).Action)
	assert.Equal(t, MarkConflict, r.Resolve(local, remoteVersion("B", 8, "r2"), Options{}).Action)
	assert.Equal(t, Download, r.Resolve(local, remoteVersion("B", 13, "r2"), Options{}).Action)
	assert.Equal(t, Upload, r.Resolve(local, remoteVersion("B", 7, "r2"), Options{}).Action)
}

func TestIdenticalContentConverges(t *testing.T) {
	r := New(time.Minute)

	local := synced("A", 0)
	local.Title = "Same"
	local.Touch(at(10))

	got := r.Resolve(local, remoteVersion("Same", 10, "r2"), Options{})
	assert.Equal(t, Converge, got.Action)
}

func TestTombstonePrecedence(t *testing.T) {
	r := New(0)

	for _, localUpdated := range []int{1, 50, 1000} {
		local := synced("A", 0)
		local.Title = "offline edit"
		local.Touch(at(localUpdated))

		tomb := remoteVersion("A", 0, "r2")
		tomb.Deleted = true

		got := r.Resolve(local, tomb, Options{})
		assert.Equal(t, ApplyTombstone, got.Action, "local updated at %d", localUpdated)
	}
}

func TestLocalTombstoneAgainstRemoteEdit(t *testing.T) {
	r := New(0)

	local := synced("A", 0)
	local.Deleted = true
	local.Touch(at(20))

	assert.Equal(t, PropagateDelete, r.Resolve(local, remoteVersion("B", 10, "r2"), Options{}).Action)
	assert.Equal(t, Download, r.Resolve(local, remoteVersion("B", 30, "r2"), Options{}).Action)
}

func TestReplaceLocal(t *testing.T) {
	r := New(0)

	local := synced("A", 0)
	local.Touch(at(100))

	got := r.Resolve(local, remoteVersion("B", 1, "r2"), Options{ReplaceLocal: true})
	assert.Equal(t, Download, got.Action)

	// Local-only changes are untouched when the remote reports nothing.
	got = r.Resolve(local, nil, Options{ReplaceLocal: true})
	assert.Equal(t, Upload, got.Action)
}

func TestScenarioLocalNewer(t *testing.T) {
	r := New(0)

	local := synced("A", 0)
	local.Touch(at(100))
	remote := remoteVersion("B", 90, "r2")

	got := r.Resolve(local, remote, Options{})
	assert.Equal(t, Upload, got.Action)
	assert.Equal(t, document.StatusPendingUpload, local.Status())
}

func TestResolveIsPure(t *testing.T) {
	r := New(0)
	local := synced("A", 0)
	local.Touch(at(5))
	remote := remoteVersion("B", 7, "r2")

	before := local.Clone()
	first := r.Resolve(local, remote, Options{})
	second := r.Resolve(local, remote, Options{})

	assert.Equal(t, first, second)
	assert.Equal(t, before, local)
}
