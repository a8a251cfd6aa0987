// Package cache puts a bounded in-memory read cache in front of a
// store.Store.
//
// Single documents are kept in a FIFO cache: reads never reorder entries,
// and once capacity is reached the earliest inserted id is evicted. Writing
// an id again counts as a fresh insertion. Full listings are kept for a
// short TTL and dropped on every mutation.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/proscan/docsync/internal/document"
	"github.com/proscan/docsync/internal/store"
)

const (
	// DefaultCapacity is the number of single documents kept in memory.
	DefaultCapacity = 200

	// DefaultListTTL bounds how stale a cached listing may be.
	DefaultListTTL = 5 * time.Second
)

// Options configures a Store.
type Options struct {
	Capacity int
	ListTTL  time.Duration
	Logger   *zap.SugaredLogger
}

// Store is a caching store.Store.
type Store struct {
	inner  store.Store
	logger *zap.SugaredLogger

	mu    sync.Mutex
	docs  *simplelru.LRU[string, *document.Document]
	lists *gocache.Cache
	// gen is bumped by every mutation so a read that started before the
	// mutation committed never fills the cache with the old value.
	gen uint64

	hits, misses uint64
}

var _ store.Store = (*Store)(nil)

// New wraps inner with a read cache.
func New(inner store.Store, opts Options) (*Store, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.ListTTL <= 0 {
		opts.ListTTL = DefaultListTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	docs, err := simplelru.NewLRU[string, *document.Document](opts.Capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create document cache: %w", err)
	}

	return &Store{
		inner:  inner,
		logger: opts.Logger,
		docs:   docs,
		// No janitor: expired entries are ignored on read and replaced on fill.
		lists: gocache.New(opts.ListTTL, 0),
	}, nil
}

func listKey(includeDeleted bool) string {
	if includeDeleted {
		return "all+deleted"
	}
	return "all"
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, id string) (*document.Document, error) {
	s.mu.Lock()
	if doc, ok := s.docs.Peek(id); ok {
		s.hits++
		s.mu.Unlock()
		return doc.Clone(), nil
	}
	s.misses++
	gen := s.gen
	s.mu.Unlock()

	doc, err := s.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.gen == gen {
		s.docs.Add(id, doc.Clone())
	}
	s.mu.Unlock()

	return doc, nil
}

// GetAll implements store.Store.
func (s *Store) GetAll(ctx context.Context, includeDeleted bool) ([]*document.Document, error) {
	key := listKey(includeDeleted)

	s.mu.Lock()
	if cached, ok := s.lists.Get(key); ok {
		s.hits++
		s.mu.Unlock()
		return cloneAll(cached.([]*document.Document)), nil
	}
	s.misses++
	gen := s.gen
	s.mu.Unlock()

	docs, err := s.inner.GetAll(ctx, includeDeleted)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.gen == gen {
		s.lists.Set(key, cloneAll(docs), gocache.DefaultExpiration)
	}
	s.mu.Unlock()

	return docs, nil
}

// GetByIDs serves cached ids from memory and fetches the rest in one call.
func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]*document.Document, error) {
	found := make(map[string]*document.Document, len(ids))
	var missing []string

	s.mu.Lock()
	for _, id := range ids {
		if doc, ok := s.docs.Peek(id); ok {
			found[id] = doc.Clone()
			s.hits++
			continue
		}
		missing = append(missing, id)
	}
	gen := s.gen
	s.mu.Unlock()

	if len(missing) > 0 {
		s.mu.Lock()
		s.misses += uint64(len(missing))
		s.mu.Unlock()

		fetched, err := s.inner.GetByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		for _, doc := range fetched {
			found[doc.ID] = doc
			if s.gen == gen {
				s.docs.Add(doc.ID, doc.Clone())
			}
		}
		s.mu.Unlock()
	}

	docs := make([]*document.Document, 0, len(found))
	for _, id := range ids {
		if doc, ok := found[id]; ok {
			docs = append(docs, doc)
			delete(found, id)
		}
	}
	return docs, nil
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, doc *document.Document) error {
	if err := s.inner.Put(ctx, doc); err != nil {
		s.Invalidate(doc.ID)
		return err
	}

	s.mu.Lock()
	s.gen++
	s.docs.Remove(doc.ID)
	s.docs.Add(doc.ID, doc.Clone())
	s.lists.Flush()
	s.mu.Unlock()
	return nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, id string, fn func(doc *document.Document) error) (*document.Document, error) {
	doc, err := s.inner.Update(ctx, id, fn)
	if err != nil {
		s.Invalidate(id)
		return nil, err
	}

	s.mu.Lock()
	s.gen++
	s.docs.Remove(id)
	s.docs.Add(id, doc.Clone())
	s.lists.Flush()
	s.mu.Unlock()
	return doc, nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.inner.Delete(ctx, id)
	s.Invalidate(id)
	return err
}

// Invalidate drops id from the document cache and flushes all listings.
func (s *Store) Invalidate(id string) {
	s.mu.Lock()
	s.gen++
	s.docs.Remove(id)
	s.lists.Flush()
	s.mu.Unlock()
}

// Purge empties both caches.
func (s *Store) Purge() {
	s.mu.Lock()
	s.gen++
	s.docs.Purge()
	s.lists.Flush()
	s.mu.Unlock()
	s.logger.Debug("read cache purged")
}

// Stats reports cache occupancy and hit counters.
type Stats struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

// Stats returns a snapshot of the cache counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Entries: s.docs.Len(), Hits: s.hits, Misses: s.misses}
}

// Contains reports whether id is cached, without touching its position.
func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs.Contains(id)
}

func cloneAll(docs []*document.Document) []*document.Document {
	out := make([]*document.Document, len(docs))
	for i, doc := range docs {
		out[i] = doc.Clone()
	}
	return out
}
