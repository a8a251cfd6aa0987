package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/proscan/docsync/internal/document"
	"github.com/proscan/docsync/internal/syncerr"
)

func TestClassifyGoogle(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category syncerr.Category
	}{
		{"unavailable", status.Error(codes.Unavailable, "no route"), syncerr.Transient},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), syncerr.Transient},
		{"exhausted", status.Error(codes.ResourceExhausted, "quota"), syncerr.Transient},
		{"aborted", status.Error(codes.Aborted, "contention"), syncerr.Transient},
		{"internal", status.Error(codes.Internal, "oops"), syncerr.Transient},
		{"unauthenticated", status.Error(codes.Unauthenticated, "token expired"), syncerr.Permanent},
		{"permission", status.Error(codes.PermissionDenied, "rules"), syncerr.Permanent},
		{"invalid", status.Error(codes.InvalidArgument, "bad field"), syncerr.Permanent},
		{"gcs 503", &googleapi.Error{Code: 503, Message: "backend"}, syncerr.Transient},
		{"gcs 403", &googleapi.Error{Code: 403, Message: "denied"}, syncerr.Permanent},
		{"wrapped gcs", fmt.Errorf("failed to write to GCS: %w", &googleapi.Error{Code: 429}), syncerr.Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.category, syncerr.Classify(classifyGoogle(tt.err)))
		})
	}

	assert.True(t, syncerr.IsUnreachable(classifyGoogle(status.Error(codes.Unavailable, "x"))))
	assert.ErrorIs(t, classifyGoogle(context.Canceled), context.Canceled)
	assert.NoError(t, classifyGoogle(nil))
}

func TestFirestoreDocumentConversion(t *testing.T) {
	now := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
	doc := &document.Document{
		ID:        "d1",
		Title:     "Passport",
		Tags:      []string{"id"},
		Pages:     []document.PageRef{"p1"},
		PageCount: 1,
		Metadata:  map[string]string{"country": "NZ"},
		CreatedAt: now,
		UpdatedAt: now,
	}

	back := fromDocument(doc).toDocument("d1", "2025-02-03T04:05:07Z")
	assert.Equal(t, doc.Fingerprint(), back.Fingerprint())
	assert.Equal(t, "2025-02-03T04:05:07Z", back.RemoteRevision)
}

// TestFirestoreEmulator runs against the Firestore emulator when
// FIRESTORE_EMULATOR_HOST is set.
func TestChangeCursor(t *testing.T) {
	at := time.Date(2025, 2, 3, 4, 5, 6, 789000000, time.UTC)

	pos := changeCursor{at: at, id: "doc|with|bars"}
	parsed, err := parseChangeCursor(pos.String())
	require.NoError(t, err)
	assert.True(t, at.Equal(parsed.at))
	assert.Equal(t, "doc|with|bars", parsed.id)
	assert.Equal(t, []interface{}{parsed.at, "doc|with|bars"}, parsed.startAfter())

	legacy, err := parseChangeCursor("2025-02-03T04:05:06.789Z")
	require.NoError(t, err)
	assert.Empty(t, legacy.id)
	assert.Len(t, legacy.startAfter(), 1)

	_, err = parseChangeCursor("42")
	assert.Error(t, err)
}

func TestFirestoreEmulator(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	collection := fmt.Sprintf("docsync-test-%d", time.Now().UnixNano())
	c, err := NewFirestoreClient(ctx, FirestoreConfig{ProjectID: "docsync-test", Collection: collection, PageSize: 10})
	require.NoError(t, err)
	defer c.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := &document.Document{ID: "emu-1", Title: "Emulated", CreatedAt: now, UpdatedAt: now}

	stored, err := c.Upload(ctx, doc, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.RemoteRevision)

	set, err := c.ListChangesSince(ctx, "")
	require.NoError(t, err)
	require.Len(t, set.Changes, 1)
	assert.Equal(t, "emu-1", set.Changes[0].ID)

	again, err := c.ListChangesSince(ctx, set.Cursor)
	require.NoError(t, err)
	assert.Empty(t, again.Changes)

	got, err := c.Download(ctx, "emu-1")
	require.NoError(t, err)
	assert.Equal(t, "Emulated", got.Title)

	require.NoError(t, c.Delete(ctx, "emu-1"))
	set, err = c.ListChangesSince(ctx, set.Cursor)
	require.NoError(t, err)
	require.Len(t, set.Changes, 1)
	assert.True(t, set.Changes[0].Deleted)

	_, err = c.Download(ctx, "never-stored")
	assert.True(t, errors.Is(err, ErrNotFound))

	// One batch gives every document the same server timestamp; paging one
	// at a time must still visit each of them.
	batch := c.fs.Batch()
	for _, id := range []string{"batch-a", "batch-b", "batch-c"} {
		batch.Set(c.fs.Collection(collection).Doc(id), fromDocument(&document.Document{ID: id, Title: id, CreatedAt: now, UpdatedAt: now}))
	}
	_, err = batch.Commit(ctx)
	require.NoError(t, err)

	c.pageSize = 1
	seen := map[string]bool{}
	cursor := set.Cursor
	for i := 0; i < 10; i++ {
		page, err := c.ListChangesSince(ctx, cursor)
		require.NoError(t, err)
		for _, ch := range page.Changes {
			seen[ch.ID] = true
		}
		cursor = page.Cursor
		if !page.HasMore {
			break
		}
	}
	assert.Equal(t, map[string]bool{"batch-a": true, "batch-b": true, "batch-c": true}, seen)
}
