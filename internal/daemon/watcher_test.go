package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileWatcher_StartStop(t *testing.T) {
	fw, err := NewFileWatcher()
	require.NoError(t, err)
	assert.False(t, fw.IsRunning())

	require.NoError(t, fw.Start(t.TempDir()))
	assert.True(t, fw.IsRunning())
	assert.Error(t, fw.Start(t.TempDir()), "already running")

	require.NoError(t, fw.Stop())
	assert.False(t, fw.IsRunning())
	assert.NoError(t, fw.Stop())
}

func TestFileWatcher_StartMissingDir(t *testing.T) {
	fw, err := NewFileWatcher()
	require.NoError(t, err)
	defer fw.Stop()

	assert.Error(t, fw.Start(filepath.Join(t.TempDir(), "missing")))
	assert.False(t, fw.IsRunning())
}

func TestFileWatcher_EmitsDocumentFiles(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWatcher()
	require.NoError(t, err)
	require.NoError(t, fw.Start(dir))
	defer fw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.json"), []byte("{}"), 0644))
	path := filepath.Join(dir, "doc-1.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))

	abs, err := filepath.Abs(path)
	require.NoError(t, err)

	select {
	case ev := <-fw.Events():
		assert.Equal(t, abs, ev.Path)
		assert.Contains(t, []EventOp{OpCreate, OpModify}, ev.Op)
	case <-time.After(5 * time.Second):
		t.Fatal("no event for the document file")
	}
}

func TestConvertEvent(t *testing.T) {
	dir := t.TempDir()
	fw := &FileWatcher{dir: dir}

	tests := []struct {
		name   string
		event  fsnotify.Event
		want   EventOp
		wantOK bool
	}{
		{"create", fsnotify.Event{Name: filepath.Join(dir, "a.json"), Op: fsnotify.Create}, OpCreate, true},
		{"write", fsnotify.Event{Name: filepath.Join(dir, "a.json"), Op: fsnotify.Write}, OpModify, true},
		{"remove", fsnotify.Event{Name: filepath.Join(dir, "a.json"), Op: fsnotify.Remove}, OpDelete, true},
		{"rename", fsnotify.Event{Name: filepath.Join(dir, "a.json"), Op: fsnotify.Rename}, OpDelete, true},
		{"chmod", fsnotify.Event{Name: filepath.Join(dir, "a.json"), Op: fsnotify.Chmod}, 0, false},
		{"not json", fsnotify.Event{Name: filepath.Join(dir, "a.pdf"), Op: fsnotify.Create}, 0, false},
		{"temp file", fsnotify.Event{Name: filepath.Join(dir, ".tmp-123"), Op: fsnotify.Create}, 0, false},
		{"nested", fsnotify.Event{Name: filepath.Join(dir, "sub", "a.json"), Op: fsnotify.Create}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := fw.convertEvent(tt.event)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.want, got.Op)
			}
		})
	}
}

func TestEventOpString(t *testing.T) {
	assert.Equal(t, "create", OpCreate.String())
	assert.Equal(t, "modify", OpModify.String())
	assert.Equal(t, "delete", OpDelete.String())
	assert.Equal(t, "unknown", EventOp(42).String())
}
