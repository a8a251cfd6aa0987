package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/proscan/docsync/internal/document"
	"github.com/proscan/docsync/internal/syncerr"
)

const cursorKey = "remote_cursor"

// DB wraps the SQLite connection pool holding the local document store.
type DB struct {
	conn *sql.DB
	path string
}

var (
	_ Store       = (*DB)(nil)
	_ CursorStore = (*DB)(nil)
)

// Open creates a new database connection at the specified path.
//
// The database is opened with WAL for concurrent reads and a busy timeout
// so short write bursts from the sync engine do not fail interactive reads.
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open("data/documents.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, mapError("open", "", fmt.Errorf("failed to create database directory: %w", err))
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, mapError("open", "", fmt.Errorf("failed to open database: %w", err))
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, mapError("open", "", fmt.Errorf("failed to ping database: %w", err))
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, mapError("open", "", fmt.Errorf("failed to apply %q: %w", pragma, err))
		}
	}

	return db, nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Safe to call repeatedly.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',      -- JSON array
		format TEXT NOT NULL DEFAULT '',
		page_count INTEGER NOT NULL DEFAULT 0,
		pages TEXT NOT NULL DEFAULT '[]',     -- JSON array of asset handles
		metadata TEXT NOT NULL DEFAULT '{}',  -- JSON object
		created_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0,

		-- Sync bookkeeping
		remote_revision TEXT NOT NULL DEFAULT '',
		pending_remote_revision TEXT NOT NULL DEFAULT '',
		synced_at TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at TEXT NOT NULL DEFAULT '',
		sync_error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_deleted ON documents(deleted);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return mapError("init", "", fmt.Errorf("failed to initialize schema: %w", err))
	}
	return nil
}

const selectColumns = `
	SELECT id, title, tags, format, page_count, pages, metadata,
	       created_at, updated_at, deleted,
	       remote_revision, pending_remote_revision, synced_at,
	       retry_count, next_retry_at, sync_error
	FROM documents`

// Get implements Store.Get.
func (db *DB) Get(ctx context.Context, id string) (*document.Document, error) {
	return getDoc(ctx, db.conn, id)
}

// GetAll implements Store.GetAll.
func (db *DB) GetAll(ctx context.Context, includeDeleted bool) ([]*document.Document, error) {
	query := selectColumns
	if !includeDeleted {
		query += " WHERE deleted = 0"
	}
	query += " ORDER BY id ASC"

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, mapError("list", "", fmt.Errorf("failed to query documents: %w", err))
	}
	defer rows.Close()

	return scanDocs(rows)
}

// GetByIDs implements Store.GetByIDs.
func (db *DB) GetByIDs(ctx context.Context, ids []string) ([]*document.Document, error) {
	if len(ids) == 0 {
		return []*document.Document{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := db.conn.QueryContext(ctx, selectColumns+" WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, mapError("list", "", fmt.Errorf("failed to query documents by id: %w", err))
	}
	defer rows.Close()

	docs, err := scanDocs(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*document.Document, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}
	ordered := make([]*document.Document, 0, len(docs))
	for _, id := range ids {
		if doc, ok := byID[id]; ok {
			ordered = append(ordered, doc)
			delete(byID, id)
		}
	}
	return ordered, nil
}

// Put implements Store.Put.
func (db *DB) Put(ctx context.Context, doc *document.Document) error {
	return putDoc(ctx, db.conn, doc)
}

// Update implements Store.Update.
func (db *DB) Update(ctx context.Context, id string, fn func(doc *document.Document) error) (*document.Document, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError("update", id, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	doc, err := getDoc(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := fn(doc); err != nil {
		return nil, err
	}
	if doc.ID != id {
		return nil, &syncerr.ValidationError{Field: "id", Message: "must not change during update"}
	}

	if err := putDoc(ctx, tx, doc); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError("update", id, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return doc, nil
}

// Delete implements Store.Delete.
func (db *DB) Delete(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return mapError("delete", id, fmt.Errorf("failed to delete document: %w", err))
	}
	return nil
}

// Count returns the number of stored records, tombstones included.
func (db *DB) Count(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&count); err != nil {
		return 0, mapError("count", "", fmt.Errorf("failed to count documents: %w", err))
	}
	return count, nil
}

// Cursor implements CursorStore.Cursor. An empty cursor means no remote
// changes were fetched yet.
func (db *DB) Cursor(ctx context.Context) (string, error) {
	var cursor string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, cursorKey).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", mapError("cursor", "", fmt.Errorf("failed to read cursor: %w", err))
	}
	return cursor, nil
}

// SetCursor implements CursorStore.SetCursor.
func (db *DB) SetCursor(ctx context.Context, cursor string) error {
	query := `
	INSERT INTO sync_state (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := db.conn.ExecContext(ctx, query, cursorKey, cursor); err != nil {
		return mapError("cursor", "", fmt.Errorf("failed to persist cursor: %w", err))
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getDoc(ctx context.Context, q queryer, id string) (*document.Document, error) {
	row := q.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	doc, err := scanDoc(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &syncerr.StorageError{Kind: syncerr.NotFound, Op: "get", ID: id, Err: err}
	}
	if err != nil {
		return nil, mapError("get", id, err)
	}
	return doc, nil
}

func putDoc(ctx context.Context, q queryer, doc *document.Document) error {
	doc.Normalize()
	if err := doc.Validate(); err != nil {
		return err
	}

	tags, err := json.Marshal(nonNil(doc.Tags))
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	pages, err := json.Marshal(nonNil(doc.Pages))
	if err != nil {
		return fmt.Errorf("failed to marshal pages: %w", err)
	}
	metadata := doc.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
	INSERT INTO documents (
		id, title, tags, format, page_count, pages, metadata,
		created_at, updated_at, deleted,
		remote_revision, pending_remote_revision, synced_at,
		retry_count, next_retry_at, sync_error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		tags = excluded.tags,
		format = excluded.format,
		page_count = excluded.page_count,
		pages = excluded.pages,
		metadata = excluded.metadata,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		deleted = excluded.deleted,
		remote_revision = excluded.remote_revision,
		pending_remote_revision = excluded.pending_remote_revision,
		synced_at = excluded.synced_at,
		retry_count = excluded.retry_count,
		next_retry_at = excluded.next_retry_at,
		sync_error = excluded.sync_error
	`

	_, err = q.ExecContext(ctx, query,
		doc.ID,
		doc.Title,
		string(tags),
		doc.Format,
		doc.PageCount,
		string(pages),
		string(meta),
		formatTime(doc.CreatedAt),
		formatTime(doc.UpdatedAt),
		doc.Deleted,
		doc.RemoteRevision,
		doc.PendingRemoteRevision,
		formatTime(doc.SyncedAt),
		doc.RetryCount,
		formatTime(doc.NextRetryAt),
		doc.SyncError,
	)
	if err != nil {
		return mapError("put", doc.ID, fmt.Errorf("failed to upsert document: %w", err))
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDoc(row scanner) (*document.Document, error) {
	var (
		doc                                       document.Document
		tags, pages, metadata                     string
		createdAt, updatedAt, syncedAt, nextRetry string
	)

	err := row.Scan(
		&doc.ID,
		&doc.Title,
		&tags,
		&doc.Format,
		&doc.PageCount,
		&pages,
		&metadata,
		&createdAt,
		&updatedAt,
		&doc.Deleted,
		&doc.RemoteRevision,
		&doc.PendingRemoteRevision,
		&syncedAt,
		&doc.RetryCount,
		&nextRetry,
		&doc.SyncError,
	)
	if err != nil {
		return nil, err
	}

	corrupted := func(field string, cause error) error {
		return &syncerr.StorageError{
			Kind: syncerr.Corrupted,
			Op:   "decode",
			ID:   doc.ID,
			Err:  fmt.Errorf("invalid %s: %w", field, cause),
		}
	}

	if err := json.Unmarshal([]byte(tags), &doc.Tags); err != nil {
		return nil, corrupted("tags", err)
	}
	if err := json.Unmarshal([]byte(pages), &doc.Pages); err != nil {
		return nil, corrupted("pages", err)
	}
	if err := json.Unmarshal([]byte(metadata), &doc.Metadata); err != nil {
		return nil, corrupted("metadata", err)
	}
	if len(doc.Metadata) == 0 {
		doc.Metadata = nil
	}

	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Time
	}{
		{"created_at", createdAt, &doc.CreatedAt},
		{"updated_at", updatedAt, &doc.UpdatedAt},
		{"synced_at", syncedAt, &doc.SyncedAt},
		{"next_retry_at", nextRetry, &doc.NextRetryAt},
	} {
		t, err := parseTime(f.raw)
		if err != nil {
			return nil, corrupted(f.name, err)
		}
		*f.dst = t
	}

	return &doc, nil
}

func scanDocs(rows *sql.Rows) ([]*document.Document, error) {
	docs := []*document.Document{}
	for rows.Next() {
		doc, err := scanDoc(rows)
		if err != nil {
			return nil, mapError("scan", "", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("scan", "", fmt.Errorf("error iterating documents: %w", err))
	}
	return docs, nil
}

// formatTime stores zero times as the empty string.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// mapError converts a driver error into a StorageError. Errors that already
// carry a storage kind pass through unchanged.
func mapError(op, id string, err error) error {
	if err == nil {
		return nil
	}

	var storageErr *syncerr.StorageError
	if errors.As(err, &storageErr) {
		return err
	}

	// Context cancellation and busy timeouts are not store damage.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED) {
		return fmt.Errorf("store %s: %w", op, err)
	}

	var (
		pathErr *fs.PathError
		kind    syncerr.StorageKind
	)
	switch {
	case errors.Is(err, sqlite3.FULL):
		kind = syncerr.DiskFull
	case errors.Is(err, sqlite3.PERM),
		errors.Is(err, sqlite3.READONLY),
		errors.Is(err, sqlite3.CANTOPEN),
		errors.Is(err, sqlite3.AUTH),
		errors.Is(err, os.ErrPermission),
		errors.As(err, &pathErr):
		kind = syncerr.PermissionDenied
	case errors.Is(err, sqlite3.CORRUPT), errors.Is(err, sqlite3.NOTADB), errors.Is(err, sqlite3.IOERR):
		// A failed read or write of the file leaves its content unverified.
		kind = syncerr.Corrupted
	default:
		// Rows that cannot be scanned and unexpected driver codes.
		kind = syncerr.Corrupted
	}

	return &syncerr.StorageError{Kind: kind, Op: op, ID: id, Err: err}
}
