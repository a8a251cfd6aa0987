// Package assets resolves page-asset handles produced by the capture
// pipeline to readable content.
package assets

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/proscan/docsync/internal/document"
)

// Opener opens the binary content behind a page handle.
type Opener interface {
	Open(ctx context.Context, ref document.PageRef) (io.ReadCloser, error)
}

// Dir resolves handles as paths relative to a root directory.
type Dir struct {
	Root string
}

var _ Opener = Dir{}

// Open implements Opener. Handles that escape the root are rejected.
func (d Dir) Open(ctx context.Context, ref document.PageRef) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := d.Path(ref)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open page asset %s: %w", ref, err)
	}
	return f, nil
}

// Path returns the file backing ref.
func (d Dir) Path(ref document.PageRef) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(string(ref), "/")))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("page asset %q is outside %s", ref, d.Root)
	}
	return filepath.Join(d.Root, rel), nil
}

// Missing returns the handles of doc whose files do not exist.
func (d Dir) Missing(doc *document.Document) []document.PageRef {
	var missing []document.PageRef
	for _, ref := range doc.Pages {
		path, err := d.Path(ref)
		if err != nil {
			missing = append(missing, ref)
			continue
		}
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, ref)
		}
	}
	return missing
}
