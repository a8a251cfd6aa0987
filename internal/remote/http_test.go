package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proscan/docsync/internal/document"
	"github.com/proscan/docsync/internal/syncerr"
)

const testBase = "https://sync.example.com/api"

func newTestClient(t *testing.T, version string) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(HTTPConfig{
		BaseURL:    testBase,
		APIVersion: version,
		Tokens:     StaticToken("secret"),
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	require.NoError(t, err)
	gock.InterceptClient(c.HTTP())
	t.Cleanup(func() {
		gock.RestoreClient(c.HTTP())
		gock.OffAll()
	})
	return c
}

type stringPages map[document.PageRef]string

func (p stringPages) Open(_ context.Context, ref document.PageRef) (io.ReadCloser, error) {
	s, ok := p[ref]
	if !ok {
		return nil, errors.New("no such page")
	}
	return io.NopCloser(strings.NewReader(s)), nil
}

func TestNewHTTPClientValidates(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{})
	assert.Error(t, err)

	_, err = NewHTTPClient(HTTPConfig{BaseURL: "not a url"})
	assert.Error(t, err)

	_, err = NewHTTPClient(HTTPConfig{BaseURL: testBase, APIVersion: "1.0"})
	var vErr *syncerr.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "api_version", vErr.Field)
}

func TestListChangesSince(t *testing.T) {
	c := newTestClient(t, "")

	gock.New("https://sync.example.com").
		Get("/api/v1/changes").
		MatchParam("cursor", "c1").
		MatchHeader("Authorization", "Bearer secret").
		Reply(200).
		JSON(map[string]interface{}{
			"cursor":   "c2",
			"has_more": true,
			"changes": []map[string]interface{}{
				{
					"id":         "a",
					"revision":   "r5",
					"updated_at": "2025-05-01T10:00:00Z",
					"document": map[string]interface{}{
						"id":         "a",
						"title":      "Lease",
						"tags":       []string{"home", "contracts", "home"},
						"page_count": 0,
						"created_at": "2025-04-01T10:00:00Z",
						"updated_at": "2025-05-01T10:00:00Z",
						"revision":   "r5",
					},
				},
				{"id": "b", "revision": "r6", "updated_at": "2025-05-02T10:00:00Z", "deleted": true},
			},
		})

	set, err := c.ListChangesSince(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "c2", set.Cursor)
	assert.True(t, set.HasMore)
	require.Len(t, set.Changes, 2)

	a := set.Changes[0]
	require.NotNil(t, a.Document)
	assert.Equal(t, "Lease", a.Document.Title)
	assert.Equal(t, []string{"contracts", "home"}, a.Document.Tags)

	v := a.Version()
	assert.Equal(t, "r5", v.RemoteRevision)

	b := set.Changes[1]
	assert.True(t, b.Deleted)
	assert.Nil(t, b.Document)
	assert.True(t, b.Version().Deleted)

	assert.True(t, gock.IsDone())
}

func TestUploadStreamsPagesThenDocument(t *testing.T) {
	c := newTestClient(t, "")

	gock.New("https://sync.example.com").
		Put("/api/v1/documents/doc-1/pages/0").
		MatchHeader("Content-Type", "application/octet-stream").
		BodyString("page-one").
		Reply(204)
	gock.New("https://sync.example.com").
		Put("/api/v1/documents/doc-1/pages/1").
		BodyString("page-two").
		Reply(204)
	gock.New("https://sync.example.com").
		Put("/api/v1/documents/doc-1$").
		MatchType("json").
		Reply(200).
		JSON(map[string]interface{}{
			"id":         "doc-1",
			"title":      "Scan",
			"page_count": 2,
			"pages":      []string{"p1", "p2"},
			"created_at": "2025-04-01T10:00:00Z",
			"updated_at": "2025-04-01T10:00:00Z",
			"revision":   "r9",
		})

	now := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	doc := &document.Document{ID: "doc-1", Title: "Scan", Pages: []document.PageRef{"p1", "p2"}, PageCount: 2, CreatedAt: now, UpdatedAt: now}

	stored, err := c.Upload(context.Background(), doc, stringPages{"p1": "page-one", "p2": "page-two"})
	require.NoError(t, err)
	assert.Equal(t, "r9", stored.RemoteRevision)
	assert.True(t, gock.IsDone())
}

func TestUploadMissingPageIsPermanent(t *testing.T) {
	c := newTestClient(t, "")

	doc := &document.Document{ID: "doc-1", Title: "Scan", Pages: []document.PageRef{"gone"}}
	_, err := c.Upload(context.Background(), doc, stringPages{})
	require.Error(t, err)
	assert.Equal(t, syncerr.Permanent, syncerr.Classify(err))
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		category syncerr.Category
		check    func(t *testing.T, err error)
	}{
		{status: 500, category: syncerr.Transient, check: func(t *testing.T, err error) {
			var netErr *syncerr.NetworkError
			require.True(t, errors.As(err, &netErr))
			assert.Equal(t, syncerr.ServerError, netErr.Kind)
			assert.Equal(t, 500, netErr.StatusCode)
		}},
		{status: 503, category: syncerr.Transient},
		{status: 408, category: syncerr.Transient},
		{status: 429, category: syncerr.Transient, check: func(t *testing.T, err error) {
			var netErr *syncerr.NetworkError
			require.True(t, errors.As(err, &netErr))
			assert.Equal(t, syncerr.Throttled, netErr.Kind)
		}},
		{status: 409, category: syncerr.Transient, check: func(t *testing.T, err error) {
			var conflict *syncerr.ConflictError
			require.True(t, errors.As(err, &conflict))
			assert.Equal(t, "doc-1", conflict.DocumentID)
		}},
		{status: 401, category: syncerr.Permanent, check: func(t *testing.T, err error) {
			var authErr *syncerr.AuthError
			require.True(t, errors.As(err, &authErr))
			assert.True(t, authErr.SessionExpired)
		}},
		{status: 403, category: syncerr.Permanent},
		{status: 422, category: syncerr.Permanent},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, "")
			gock.New("https://sync.example.com").
				Put("/api/v1/documents/doc-1").
				Reply(tt.status).
				BodyString("nope")

			now := time.Now()
			_, err := c.Upload(context.Background(), &document.Document{ID: "doc-1", Title: "x", CreatedAt: now, UpdatedAt: now}, nil)
			require.Error(t, err)
			assert.Equal(t, tt.category, syncerr.Classify(err))
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestTransportFailureIsUnreachable(t *testing.T) {
	c := newTestClient(t, "")
	gock.New("https://sync.example.com").
		Get("/api/v1/changes").
		ReplyError(errors.New("connection refused"))

	_, err := c.ListChangesSince(context.Background(), "")
	require.Error(t, err)
	assert.True(t, syncerr.IsUnreachable(err))
}

func TestDownloadAndDelete(t *testing.T) {
	c := newTestClient(t, "")

	gock.New("https://sync.example.com").
		Get("/api/v1/documents/doc-1").
		Reply(200).
		JSON(map[string]interface{}{"id": "doc-1", "title": "Scan", "revision": "r3", "created_at": "2025-04-01T10:00:00Z", "updated_at": "2025-04-02T10:00:00Z"})
	gock.New("https://sync.example.com").
		Get("/api/v1/documents/missing").
		Reply(404)
	gock.New("https://sync.example.com").
		Delete("/api/v1/documents/doc-1").
		Reply(204)
	gock.New("https://sync.example.com").
		Delete("/api/v1/documents/missing").
		Reply(404)

	ctx := context.Background()
	doc, err := c.Download(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "r3", doc.RemoteRevision)

	_, err = c.Download(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Delete(ctx, "doc-1"))
	require.NoError(t, c.Delete(ctx, "missing"), "deleting an unknown id succeeds")
	assert.True(t, gock.IsDone())
}

func TestPingChecksVersion(t *testing.T) {
	tests := []struct {
		server  string
		wantErr bool
	}{
		{server: "v1.4.0"},
		{server: "v1.2.0"},
		{server: "v1.1.9", wantErr: true},
		{server: "v2.0.0", wantErr: true},
		{server: "banana", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.server, func(t *testing.T) {
			c := newTestClient(t, "v1.2.0")
			gock.New("https://sync.example.com").
				Get("/api/v1/info").
				Reply(200).
				JSON(map[string]string{"api_version": tt.server})

			got, err := c.Ping(context.Background())
			assert.Equal(t, tt.server, got)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMissingTokenIsSessionExpired(t *testing.T) {
	c, err := NewHTTPClient(HTTPConfig{BaseURL: testBase, Tokens: StaticToken("")})
	require.NoError(t, err)

	_, err = c.ListChangesSince(context.Background(), "")
	var authErr *syncerr.AuthError
	require.True(t, errors.As(err, &authErr))
	assert.True(t, authErr.SessionExpired)
}

func TestOnline(t *testing.T) {
	c := newTestClient(t, "v1.2.0")
	gock.New("https://sync.example.com").
		Get("/api/v1/info").
		Reply(200).
		JSON(map[string]string{"api_version": "v2.0.0"})
	assert.True(t, c.Online(context.Background()), "a version mismatch is still reachable")

	gock.New("https://sync.example.com").
		Get("/api/v1/info").
		ReplyError(errors.New("connection refused"))
	assert.False(t, c.Online(context.Background()))
}
