package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/proscan/docsync/internal/document"
	"github.com/proscan/docsync/internal/syncerr"
)

// FirestoreConfig configures a FirestoreClient.
type FirestoreConfig struct {
	ProjectID  string
	Collection string
	// Bucket receives page assets. Empty disables asset upload.
	Bucket   string
	PageSize int
	Logger   *zap.SugaredLogger
	Options  []option.ClientOption
}

// FirestoreClient uses a Firestore collection as the authoritative store.
//
// The revision of a document is the server update time of its snapshot.
// The change feed is ordered by the serverUpdatedAt field and then the
// document id; the cursor holds both. Deletions are kept as tombstone documents so that other
// devices observe them through the feed.
type FirestoreClient struct {
	fs       *firestore.Client
	gcs      *storage.Client
	col      string
	bucket   string
	pageSize int
	logger   *zap.SugaredLogger
}

var _ Client = (*FirestoreClient)(nil)

// firestoreDocument is the stored shape of a document.
type firestoreDocument struct {
	Title           string            `firestore:"title"`
	Tags            []string          `firestore:"tags"`
	Format          string            `firestore:"format"`
	PageCount       int               `firestore:"pageCount"`
	Pages           []string          `firestore:"pages"`
	Objects         []string          `firestore:"objects,omitempty"`
	Metadata        map[string]string `firestore:"metadata"`
	CreatedAt       time.Time         `firestore:"createdAt"`
	UpdatedAt       time.Time         `firestore:"updatedAt"`
	Deleted         bool              `firestore:"deleted"`
	ServerUpdatedAt time.Time         `firestore:"serverUpdatedAt,serverTimestamp"`
}

// NewFirestoreClient connects to Firestore and, when a bucket is
// configured, Cloud Storage.
func NewFirestoreClient(ctx context.Context, cfg FirestoreConfig) (*FirestoreClient, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}
	if cfg.Collection == "" {
		cfg.Collection = "documents"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	fs, err := firestore.NewClient(ctx, cfg.ProjectID, cfg.Options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	c := &FirestoreClient{
		fs:       fs,
		col:      cfg.Collection,
		bucket:   cfg.Bucket,
		pageSize: cfg.PageSize,
		logger:   cfg.Logger,
	}

	if cfg.Bucket != "" {
		gcs, err := storage.NewClient(ctx, cfg.Options...)
		if err != nil {
			_ = fs.Close()
			return nil, fmt.Errorf("failed to create Cloud Storage client: %w", err)
		}
		c.gcs = gcs
	}

	return c, nil
}

// Close releases both clients.
func (c *FirestoreClient) Close() error {
	var errs []error
	if c.gcs != nil {
		errs = append(errs, c.gcs.Close())
	}
	errs = append(errs, c.fs.Close())
	return errors.Join(errs...)
}

// ListChangesSince implements Client.
func (c *FirestoreClient) ListChangesSince(ctx context.Context, cursor string) (*ChangeSet, error) {
	query := c.fs.Collection(c.col).
		OrderBy("serverUpdatedAt", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc)
	if cursor != "" {
		pos, err := parseChangeCursor(cursor)
		if err != nil {
			return nil, &syncerr.ValidationError{Field: "cursor", Message: fmt.Sprintf("%q is not a firestore cursor", cursor), Err: err}
		}
		query = query.StartAfter(pos.startAfter()...)
	}
	query = query.Limit(c.pageSize)

	iter := query.Documents(ctx)
	defer iter.Stop()

	set := &ChangeSet{Cursor: cursor}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classifyGoogle(err)
		}

		var fd firestoreDocument
		if err := snap.DataTo(&fd); err != nil {
			return nil, &syncerr.NetworkError{Kind: syncerr.ServerError, Err: fmt.Errorf("failed to decode %s: %w", snap.Ref.ID, err)}
		}

		ch := Change{
			ID:        snap.Ref.ID,
			Revision:  revisionOf(snap.UpdateTime),
			UpdatedAt: fd.UpdatedAt,
			Deleted:   fd.Deleted,
		}
		if !fd.Deleted {
			ch.Document = fd.toDocument(snap.Ref.ID, ch.Revision)
		}
		set.Changes = append(set.Changes, ch)
		set.Cursor = changeCursor{at: fd.ServerUpdatedAt, id: snap.Ref.ID}.String()
	}
	set.HasMore = len(set.Changes) == c.pageSize

	return set, nil
}

// Upload implements Client.
func (c *FirestoreClient) Upload(ctx context.Context, doc *document.Document, pages PageOpener) (*document.Document, error) {
	fd := fromDocument(doc)

	if c.gcs != nil && pages != nil {
		for i, ref := range doc.Pages {
			object := fmt.Sprintf("documents/%s/pages/%d", doc.ID, i)
			if err := c.uploadObject(ctx, object, ref, pages); err != nil {
				return nil, err
			}
			fd.Objects = append(fd.Objects, object)
		}
	}

	ref := c.fs.Collection(c.col).Doc(doc.ID)
	if _, err := ref.Set(ctx, fd); err != nil {
		return nil, classifyGoogle(err)
	}

	// Read back to learn the server timestamp assigned to the write.
	snap, err := ref.Get(ctx)
	if err != nil {
		return nil, classifyGoogle(err)
	}
	var stored firestoreDocument
	if err := snap.DataTo(&stored); err != nil {
		return nil, &syncerr.NetworkError{Kind: syncerr.ServerError, Err: fmt.Errorf("failed to decode %s: %w", doc.ID, err)}
	}

	c.logger.Debugw("uploaded document to firestore", "id", doc.ID, "revision", revisionOf(snap.UpdateTime))
	return stored.toDocument(doc.ID, revisionOf(snap.UpdateTime)), nil
}

func (c *FirestoreClient) uploadObject(ctx context.Context, object string, ref document.PageRef, pages PageOpener) error {
	rc, err := pages.Open(ctx, ref)
	if err != nil {
		return &syncerr.ValidationError{Field: "pages", Message: fmt.Sprintf("%s cannot be opened", ref), Err: err}
	}
	defer rc.Close()

	writer := c.gcs.Bucket(c.bucket).Object(object).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"

	if _, err := io.Copy(writer, rc); err != nil {
		_ = writer.Close()
		return classifyGoogle(fmt.Errorf("failed to write to GCS: %w", err))
	}
	if err := writer.Close(); err != nil {
		return classifyGoogle(fmt.Errorf("failed to finalize GCS write: %w", err))
	}
	return nil
}

// Download implements Client.
func (c *FirestoreClient) Download(ctx context.Context, id string) (*document.Document, error) {
	snap, err := c.fs.Collection(c.col).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, notFound(id)
		}
		return nil, classifyGoogle(err)
	}

	var fd firestoreDocument
	if err := snap.DataTo(&fd); err != nil {
		return nil, &syncerr.NetworkError{Kind: syncerr.ServerError, Err: fmt.Errorf("failed to decode %s: %w", id, err)}
	}
	return fd.toDocument(id, revisionOf(snap.UpdateTime)), nil
}

// Delete implements Client. The document becomes a tombstone and its page
// objects are removed.
func (c *FirestoreClient) Delete(ctx context.Context, id string) error {
	ref := c.fs.Collection(c.col).Doc(id)

	snap, err := ref.Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	if err != nil {
		return classifyGoogle(err)
	}

	var fd firestoreDocument
	if err := snap.DataTo(&fd); err != nil {
		return &syncerr.NetworkError{Kind: syncerr.ServerError, Err: fmt.Errorf("failed to decode %s: %w", id, err)}
	}

	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "deleted", Value: true},
		{Path: "updatedAt", Value: time.Now().UTC()},
		{Path: "serverUpdatedAt", Value: firestore.ServerTimestamp},
	})
	if err != nil {
		return classifyGoogle(err)
	}

	if c.gcs != nil {
		for _, object := range fd.Objects {
			err := c.gcs.Bucket(c.bucket).Object(object).Delete(ctx)
			if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
				c.logger.Warnw("failed to delete page object", "id", id, "object", object, "error", err)
			}
		}
	}
	return nil
}

func fromDocument(doc *document.Document) firestoreDocument {
	pages := make([]string, len(doc.Pages))
	for i, p := range doc.Pages {
		pages[i] = string(p)
	}
	return firestoreDocument{
		Title:     doc.Title,
		Tags:      doc.Tags,
		Format:    doc.Format,
		PageCount: doc.PageCount,
		Pages:     pages,
		Metadata:  doc.Metadata,
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
		Deleted:   doc.Deleted,
	}
}

func (fd firestoreDocument) toDocument(id, revision string) *document.Document {
	doc := &document.Document{
		ID:             id,
		Title:          fd.Title,
		Tags:           fd.Tags,
		Format:         fd.Format,
		PageCount:      fd.PageCount,
		Metadata:       fd.Metadata,
		CreatedAt:      fd.CreatedAt,
		UpdatedAt:      fd.UpdatedAt,
		Deleted:        fd.Deleted,
		RemoteRevision: revision,
	}
	for _, p := range fd.Pages {
		doc.Pages = append(doc.Pages, document.PageRef(p))
	}
	doc.Normalize()
	return doc
}

// changeCursor is a position in the change feed. Documents written by one
// batch share a server timestamp, so the id breaks the tie.
type changeCursor struct {
	at time.Time
	id string
}

func (c changeCursor) String() string {
	return c.at.UTC().Format(time.RFC3339Nano) + "|" + c.id
}

// startAfter returns the StartAfter values. A bare timestamp, as stored by
// earlier versions, skips everything written at that instant.
func (c changeCursor) startAfter() []interface{} {
	if c.id == "" {
		return []interface{}{c.at}
	}
	return []interface{}{c.at, c.id}
}

func parseChangeCursor(s string) (changeCursor, error) {
	ts, id, _ := strings.Cut(s, "|")
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return changeCursor{}, err
	}
	return changeCursor{at: at, id: id}, nil
}

func revisionOf(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// classifyGoogle maps gRPC statuses (Firestore) and googleapi errors
// (Cloud Storage) onto the error taxonomy.
func classifyGoogle(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return classifyStatus(gerr.Code, gerr.Message)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &syncerr.NetworkError{Kind: syncerr.Timeout, Err: err}
	}

	switch status.Code(err) {
	case codes.Unavailable:
		return &syncerr.NetworkError{Kind: syncerr.Unreachable, Err: err}
	case codes.DeadlineExceeded:
		return &syncerr.NetworkError{Kind: syncerr.Timeout, Err: err}
	case codes.ResourceExhausted:
		return &syncerr.NetworkError{Kind: syncerr.Throttled, StatusCode: http.StatusTooManyRequests, Err: err}
	case codes.Unauthenticated:
		return &syncerr.AuthError{SessionExpired: true, Err: err}
	case codes.PermissionDenied:
		return &syncerr.AuthError{Err: err}
	case codes.Aborted, codes.AlreadyExists:
		return &syncerr.ConflictError{Reason: err.Error()}
	case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound, codes.OutOfRange:
		return &syncerr.ValidationError{Field: "request", Message: status.Convert(err).Message(), Err: err}
	default:
		return &syncerr.NetworkError{Kind: syncerr.ServerError, Err: err}
	}
}
