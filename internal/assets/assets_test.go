package assets

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proscan/docsync/internal/document"
)

func TestDirOpen(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scans"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "scans", "p1.jpg"), []byte("jpeg"), 0644))

	d := Dir{Root: root}
	rc, err := d.Open(context.Background(), "scans/p1.jpg")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))

	_, err = d.Open(context.Background(), "scans/missing.jpg")
	assert.Error(t, err)

	_, err = d.Open(context.Background(), "../etc/passwd")
	assert.Error(t, err)
}

func TestDirMissing(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.jpg"), []byte("a"), 0644))

	doc := &document.Document{Pages: []document.PageRef{"a.jpg", "b.jpg"}}
	assert.Equal(t, []document.PageRef{"b.jpg"}, Dir{Root: root}.Missing(doc))
}
