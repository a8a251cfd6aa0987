package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/proscan/docsync/internal/document"
	"github.com/proscan/docsync/internal/syncerr"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// BaseURL of the document API, e.g. https://sync.example.com/api.
	BaseURL string
	// Timeout bounds every request. Defaults to 30s.
	Timeout time.Duration
	// APIVersion is the minimum server API version (semver, "v" prefix)
	// accepted by Ping. Empty disables the check.
	APIVersion string
	Tokens     TokenSource
	Logger     *zap.SugaredLogger
	// HTTPClient overrides the underlying client.
	HTTPClient *http.Client
}

// HTTPClient talks JSON to the remote document API.
type HTTPClient struct {
	base       *url.URL
	apiVersion string
	tokens     TokenSource
	http       *http.Client
	logger     *zap.SugaredLogger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient validates cfg and builds a client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, &syncerr.ValidationError{Field: "base_url", Message: "is required"}
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, &syncerr.ValidationError{Field: "base_url", Message: fmt.Sprintf("%q is not an absolute URL", cfg.BaseURL), Err: err}
	}
	if cfg.APIVersion != "" && !semver.IsValid(cfg.APIVersion) {
		return nil, &syncerr.ValidationError{Field: "api_version", Message: fmt.Sprintf("%q is not a semantic version", cfg.APIVersion)}
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	return &HTTPClient{
		base:       base,
		apiVersion: cfg.APIVersion,
		tokens:     cfg.Tokens,
		http:       client,
		logger:     cfg.Logger,
	}, nil
}

// HTTP returns the underlying client.
func (c *HTTPClient) HTTP() *http.Client {
	return c.http
}

// wireDocument is the JSON shape exchanged with the server.
type wireDocument struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	Tags      []string           `json:"tags,omitempty"`
	Format    string             `json:"format,omitempty"`
	PageCount int                `json:"page_count"`
	Pages     []document.PageRef `json:"pages,omitempty"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Deleted   bool               `json:"deleted,omitempty"`
	Revision  string             `json:"revision,omitempty"`
}

func toWire(doc *document.Document) wireDocument {
	return wireDocument{
		ID:        doc.ID,
		Title:     doc.Title,
		Tags:      doc.Tags,
		Format:    doc.Format,
		PageCount: doc.PageCount,
		Pages:     doc.Pages,
		Metadata:  doc.Metadata,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
		Deleted:   doc.Deleted,
		Revision:  doc.RemoteRevision,
	}
}

func (w wireDocument) toDocument() *document.Document {
	doc := &document.Document{
		ID:             w.ID,
		Title:          w.Title,
		Tags:           w.Tags,
		Format:         w.Format,
		PageCount:      w.PageCount,
		Pages:          w.Pages,
		Metadata:       w.Metadata,
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
		Deleted:        w.Deleted,
		RemoteRevision: w.Revision,
	}
	doc.Normalize()
	return doc
}

type wireChange struct {
	ID        string        `json:"id"`
	Revision  string        `json:"revision"`
	UpdatedAt time.Time     `json:"updated_at"`
	Deleted   bool          `json:"deleted,omitempty"`
	Document  *wireDocument `json:"document,omitempty"`
}

type changesResponse struct {
	Changes []wireChange `json:"changes"`
	Cursor  string       `json:"cursor"`
	HasMore bool         `json:"has_more"`
}

type infoResponse struct {
	APIVersion string `json:"api_version"`
}

// Ping checks that the server is reachable and speaks a compatible API
// version: same major version, not older than the configured one.
func (c *HTTPClient) Ping(ctx context.Context) (string, error) {
	var info infoResponse
	if err := c.do(ctx, http.MethodGet, "/v1/info", nil, "", &info); err != nil {
		return "", err
	}
	if c.apiVersion == "" {
		return info.APIVersion, nil
	}

	got := info.APIVersion
	if !semver.IsValid(got) {
		return got, &syncerr.ValidationError{Field: "api_version", Message: fmt.Sprintf("server reported invalid version %q", got)}
	}
	if semver.Major(got) != semver.Major(c.apiVersion) || semver.Compare(got, c.apiVersion) < 0 {
		return got, &syncerr.ValidationError{Field: "api_version", Message: fmt.Sprintf("server speaks %s, need %s or newer within %s", got, c.apiVersion, semver.Major(c.apiVersion))}
	}
	return got, nil
}

// Online reports whether the server answered at all. Version mismatches
// and server errors still count as reachable.
func (c *HTTPClient) Online(ctx context.Context) bool {
	_, err := c.Ping(ctx)
	return err == nil || !syncerr.IsUnreachable(err)
}

// ListChangesSince implements Client.
func (c *HTTPClient) ListChangesSince(ctx context.Context, cursor string) (*ChangeSet, error) {
	path := "/v1/changes"
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}

	var resp changesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, "", &resp); err != nil {
		return nil, err
	}

	set := &ChangeSet{Cursor: resp.Cursor, HasMore: resp.HasMore, Changes: make([]Change, 0, len(resp.Changes))}
	for _, wc := range resp.Changes {
		ch := Change{ID: wc.ID, Revision: wc.Revision, UpdatedAt: wc.UpdatedAt, Deleted: wc.Deleted}
		if wc.Document != nil && !wc.Deleted {
			ch.Document = wc.Document.toDocument()
		}
		set.Changes = append(set.Changes, ch)
	}
	return set, nil
}

// Upload implements Client. Page assets are streamed first so the
// document never references pages the server has not stored.
func (c *HTTPClient) Upload(ctx context.Context, doc *document.Document, pages PageOpener) (*document.Document, error) {
	if pages != nil {
		for i, ref := range doc.Pages {
			if err := c.uploadPage(ctx, doc.ID, i, ref, pages); err != nil {
				return nil, err
			}
		}
	}

	body, err := json.Marshal(toWire(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document %s: %w", doc.ID, err)
	}

	var stored wireDocument
	if err := c.do(ctx, http.MethodPut, docPath(doc.ID), bytes.NewReader(body), "application/json", &stored); err != nil {
		var conflict *syncerr.ConflictError
		if errors.As(err, &conflict) {
			conflict.DocumentID = doc.ID
		}
		return nil, err
	}
	if stored.Revision == "" {
		return nil, &syncerr.NetworkError{Kind: syncerr.ServerError, Err: fmt.Errorf("upload of %s returned no revision", doc.ID)}
	}

	c.logger.Debugw("uploaded document", "id", doc.ID, "revision", stored.Revision, "pages", len(doc.Pages))
	return stored.toDocument(), nil
}

func (c *HTTPClient) uploadPage(ctx context.Context, id string, index int, ref document.PageRef, pages PageOpener) error {
	rc, err := pages.Open(ctx, ref)
	if err != nil {
		return &syncerr.ValidationError{Field: "pages", Message: fmt.Sprintf("page %d (%s) cannot be opened", index, ref), Err: err}
	}
	defer rc.Close()

	return c.do(ctx, http.MethodPut, docPath(id)+"/pages/"+strconv.Itoa(index), rc, "application/octet-stream", nil)
}

// Download implements Client.
func (c *HTTPClient) Download(ctx context.Context, id string) (*document.Document, error) {
	var wd wireDocument
	if err := c.do(ctx, http.MethodGet, docPath(id), nil, "", &wd); err != nil {
		if errors.Is(err, errHTTPNotFound) {
			return nil, notFound(id)
		}
		return nil, err
	}
	return wd.toDocument(), nil
}

// Delete implements Client.
func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, docPath(id), nil, "", nil)
	if errors.Is(err, errHTTPNotFound) {
		return nil
	}
	return err
}

func docPath(id string) string {
	return "/v1/documents/" + url.PathEscape(id)
}

var errHTTPNotFound = errors.New("not found")

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	tok, err := token(ctx, c.tokens)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	c.logger.Debugw("remote call", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &syncerr.NetworkError{Kind: syncerr.ServerError, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &syncerr.NetworkError{Kind: syncerr.Timeout, Err: err}
	}
	return &syncerr.NetworkError{Kind: syncerr.Unreachable, Err: err}
}

// classifyStatus maps an HTTP status onto the error taxonomy: 408, 429
// and 5xx are transient, 401/403 are auth failures, 409 is a revision
// conflict and any other 4xx is a permanent rejection.
func classifyStatus(code int, body string) error {
	cause := errors.New(http.StatusText(code))
	if body != "" {
		cause = fmt.Errorf("%s: %s", http.StatusText(code), body)
	}

	switch {
	case code == http.StatusRequestTimeout:
		return &syncerr.NetworkError{Kind: syncerr.Timeout, StatusCode: code, Err: cause}
	case code == http.StatusTooManyRequests:
		return &syncerr.NetworkError{Kind: syncerr.Throttled, StatusCode: code, Err: cause}
	case code >= 500:
		return &syncerr.NetworkError{Kind: syncerr.ServerError, StatusCode: code, Err: cause}
	case code == http.StatusUnauthorized:
		return &syncerr.AuthError{SessionExpired: true, Err: cause}
	case code == http.StatusForbidden:
		return &syncerr.AuthError{Err: cause}
	case code == http.StatusConflict:
		return &syncerr.ConflictError{Reason: cause.Error()}
	case code == http.StatusNotFound:
		return &syncerr.ValidationError{Field: "request", Message: "target does not exist", Err: errHTTPNotFound}
	default:
		return &syncerr.ValidationError{Field: "request", Message: fmt.Sprintf("rejected with status %d", code), Err: cause}
	}
}
