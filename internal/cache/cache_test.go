package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proscan/docsync/internal/document"
	"github.com/proscan/docsync/internal/syncerr"
)

// memStore is a map-backed store.Store counting calls to the backing layer.
type memStore struct {
	mu       sync.Mutex
	docs     map[string]*document.Document
	gets     int
	lists    int
	byIDs    int
	getHook  func(id string)
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]*document.Document)}
}

func (m *memStore) Get(_ context.Context, id string) (*document.Document, error) {
	m.mu.Lock()
	m.gets++
	doc, ok := m.docs[id]
	hook := m.getHook
	m.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	if !ok {
		return nil, &syncerr.StorageError{Kind: syncerr.NotFound, Op: "get", ID: id}
	}
	return doc.Clone(), nil
}

func (m *memStore) GetAll(_ context.Context, includeDeleted bool) ([]*document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	var out []*document.Document
	for _, doc := range m.docs {
		if doc.Deleted && !includeDeleted {
			continue
		}
		out = append(out, doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetByIDs(_ context.Context, ids []string) ([]*document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byIDs++
	var out []*document.Document
	for _, id := range ids {
		if doc, ok := m.docs[id]; ok {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

func (m *memStore) Put(_ context.Context, doc *document.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc.Clone()
	return nil
}

func (m *memStore) Update(_ context.Context, id string, fn func(doc *document.Document) error) (*document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, &syncerr.StorageError{Kind: syncerr.NotFound, Op: "update", ID: id}
	}
	next := doc.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	m.docs[id] = next.Clone()
	return next, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

func (m *memStore) counts() (gets, lists int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets, m.lists
}

func testDoc(id string) *document.Document {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &document.Document{ID: id, Title: "doc " + id, CreatedAt: now, UpdatedAt: now}
}

func TestFIFOEviction(t *testing.T) {
	ctx := context.Background()
	inner := newMemStore()
	c, err := New(inner, Options{})
	require.NoError(t, err)

	for i := 0; i < DefaultCapacity; i++ {
		require.NoError(t, c.Put(ctx, testDoc(fmt.Sprintf("id-%03d", i))))
	}
	assert.Equal(t, DefaultCapacity, c.Stats().Entries)

	// Reading the oldest entry must not protect it from eviction.
	_, err = c.Get(ctx, "id-000")
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, testDoc("id-200")))

	assert.Equal(t, DefaultCapacity, c.Stats().Entries)
	assert.False(t, c.Contains("id-000"), "first inserted id is evicted")
	assert.True(t, c.Contains("id-001"))
	assert.True(t, c.Contains("id-200"))

	gets, _ := inner.counts()
	_, err = c.Get(ctx, "id-000")
	require.NoError(t, err)
	after, _ := inner.counts()
	assert.Equal(t, gets+1, after, "evicted id is read from the backing store")
}

func TestRewriteCountsAsReinsertion(t *testing.T) {
	ctx := context.Background()
	c, err := New(newMemStore(), Options{Capacity: 2})
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, testDoc("a")))
	require.NoError(t, c.Put(ctx, testDoc("b")))
	require.NoError(t, c.Put(ctx, testDoc("a")))
	require.NoError(t, c.Put(ctx, testDoc("c")))

	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
}

func TestGetServesFromCache(t *testing.T) {
	ctx := context.Background()
	inner := newMemStore()
	require.NoError(t, inner.Put(ctx, testDoc("a")))

	c, err := New(inner, Options{})
	require.NoError(t, err)

	first, err := c.Get(ctx, "a")
	require.NoError(t, err)
	first.Title = "mutated by caller"

	second, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "doc a", second.Title, "callers get clones")

	gets, _ := inner.counts()
	assert.Equal(t, 1, gets)
	assert.Equal(t, uint64(1), c.Stats().Hits)
}

func TestListTTL(t *testing.T) {
	ctx := context.Background()
	inner := newMemStore()
	require.NoError(t, inner.Put(ctx, testDoc("a")))

	c, err := New(inner, Options{ListTTL: 50 * time.Millisecond})
	require.NoError(t, err)

	docs, err := c.GetAll(ctx, false)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	// Written behind the cache's back: only the TTL bounds staleness.
	require.NoError(t, inner.Put(ctx, testDoc("b")))

	docs, err = c.GetAll(ctx, false)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	time.Sleep(80 * time.Millisecond)

	docs, err = c.GetAll(ctx, false)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	_, lists := inner.counts()
	assert.Equal(t, 2, lists)
}

func TestMutationsFlushLists(t *testing.T) {
	ctx := context.Background()
	inner := newMemStore()
	c, err := New(inner, Options{ListTTL: time.Hour})
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, testDoc("a")))
	docs, err := c.GetAll(ctx, false)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	require.NoError(t, c.Put(ctx, testDoc("b")))
	docs, err = c.GetAll(ctx, false)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	_, err = c.Update(ctx, "a", func(doc *document.Document) error {
		doc.Deleted = true
		return nil
	})
	require.NoError(t, err)
	docs, err = c.GetAll(ctx, false)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	all, err := c.GetAll(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, c.Delete(ctx, "b"))
	_, err = c.Get(ctx, "b")
	assert.True(t, syncerr.IsNotFound(err))
}

func TestStaleFillIsDropped(t *testing.T) {
	ctx := context.Background()
	inner := newMemStore()
	require.NoError(t, inner.Put(ctx, testDoc("a")))

	c, err := New(inner, Options{})
	require.NoError(t, err)

	// A write lands while the read is between the backing store and the fill.
	inner.getHook = func(id string) {
		inner.getHook = nil
		updated := testDoc(id)
		updated.Title = "fresh"
		require.NoError(t, c.Put(ctx, updated))
	}

	_, err = c.Get(ctx, "a")
	require.NoError(t, err)

	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Title)
}

func TestGetByIDsMixesCacheAndStore(t *testing.T) {
	ctx := context.Background()
	inner := newMemStore()
	require.NoError(t, inner.Put(ctx, testDoc("a")))
	require.NoError(t, inner.Put(ctx, testDoc("b")))

	c, err := New(inner, Options{})
	require.NoError(t, err)

	_, err = c.Get(ctx, "b")
	require.NoError(t, err)

	docs, err := c.GetByIDs(ctx, []string{"b", "zz", "a"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[0].ID)
	assert.Equal(t, "a", docs[1].ID)
	assert.True(t, c.Contains("a"))
}
