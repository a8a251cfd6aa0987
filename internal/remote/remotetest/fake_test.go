package remotetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proscan/docsync/internal/document"
	"github.com/proscan/docsync/internal/syncerr"
)

func doc(id string) *document.Document {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &document.Document{ID: id, Title: id, CreatedAt: now, UpdatedAt: now}
}

func TestFakeChangeFeed(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	f.Seed(doc("a"))
	f.Seed(doc("b"))

	set, err := f.ListChangesSince(ctx, "")
	require.NoError(t, err)
	require.Len(t, set.Changes, 2)
	assert.Equal(t, "a", set.Changes[0].ID)

	empty, err := f.ListChangesSince(ctx, set.Cursor)
	require.NoError(t, err)
	assert.Empty(t, empty.Changes)
	assert.Equal(t, set.Cursor, empty.Cursor)

	f.Tombstone("a")
	set, err = f.ListChangesSince(ctx, set.Cursor)
	require.NoError(t, err)
	require.Len(t, set.Changes, 1)
	assert.True(t, set.Changes[0].Deleted)
	assert.Nil(t, set.Changes[0].Document)
}

func TestFakePaging(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.SetPageSize(2)
	for _, id := range []string{"a", "b", "c"} {
		f.Seed(doc(id))
	}

	first, err := f.ListChangesSince(ctx, "")
	require.NoError(t, err)
	assert.Len(t, first.Changes, 2)
	assert.True(t, first.HasMore)

	second, err := f.ListChangesSince(ctx, first.Cursor)
	require.NoError(t, err)
	assert.Len(t, second.Changes, 1)
	assert.False(t, second.HasMore)
}

func TestFakeFailureInjection(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	boom := &syncerr.NetworkError{Kind: syncerr.ServerError, Err: errors.New("boom")}
	f.FailNext(OpUpload, boom)

	_, err := f.Upload(ctx, doc("a"), nil)
	assert.ErrorIs(t, err, boom)

	stored, err := f.Upload(ctx, doc("a"), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.RemoteRevision)
	assert.Equal(t, 2, f.Calls(OpUpload))

	f.SetOffline(true)
	assert.False(t, f.Online(ctx))
	_, err = f.Download(ctx, "a")
	assert.True(t, syncerr.IsUnreachable(err))
}

func TestFakeBlockList(t *testing.T) {
	f := NewFake()
	release := f.BlockList()

	done := make(chan error, 1)
	go func() {
		_, err := f.ListChangesSince(context.Background(), "")
		done <- err
	}()

	select {
	case <-f.Listed():
	case <-time.After(2 * time.Second):
		t.Fatal("listing never reached the gate")
	}

	release()
	require.NoError(t, <-done)
}

func TestFakeLive(t *testing.T) {
	f := NewFake()
	f.Seed(doc("b"))
	f.Seed(doc("a"))
	f.Seed(doc("c"))
	f.Tombstone("b")

	assert.Equal(t, []string{"a", "c"}, f.Live())
}
