// Package memory implements blobstore.Storage in process memory. Each named
// store is a W-TinyLFU cache backed by otter, keyed by URL and holding every
// Vary variant stored for it. Entries never expire by time, only by size
// pressure or by dropping the whole store.
package memory

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/maypok86/otter/v2"

	imgcache "github.com/ryzup/imgcache/internal"
	"github.com/ryzup/imgcache/internal/blobstore"
)

// entry pairs a snapshot with the request headers its Vary list names.
type entry struct {
	resp *imgcache.Response
	vary http.Header
}

// Storage holds named in-memory stores. It is safe for concurrent use.
type Storage struct {
	maxEntries int

	mu     sync.Mutex
	stores map[string]*Store
}

var _ blobstore.Storage = (*Storage)(nil)

// New creates an empty Storage whose stores each hold at most maxEntries.
func New(maxEntries int) *Storage {
	return &Storage{
		maxEntries: max(1, maxEntries),
		stores:     make(map[string]*Store),
	}
}

// Open returns the named store, creating it on first use.
func (s *Storage) Open(_ context.Context, name string) (blobstore.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.stores[name]; ok {
		return st, nil
	}
	c, err := otter.New(&otter.Options[string, []entry]{
		MaximumWeight: uint64(s.maxEntries),
		Weigher:       func(_ string, variants []entry) uint32 { return uint32(len(variants)) },
	})
	if err != nil {
		return nil, fmt.Errorf("create store %q: %w", name, err)
	}
	st := &Store{name: name, cache: c}
	s.stores[name] = st
	return st, nil
}

// Names returns the store names in lexical order.
func (s *Storage) Names(context.Context) ([]string, error) {
	s.mu.Lock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	s.mu.Unlock()
	slices.Sort(names)
	return names, nil
}

// Delete drops the named store. Handles still held by callers stop accepting
// writes.
func (s *Storage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	st, ok := s.stores[name]
	delete(s.stores, name)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	st.dropped.Store(true)
	st.cache.InvalidateAll()
	return true, nil
}

// Ping always succeeds.
func (s *Storage) Ping(context.Context) error { return nil }

// Close drops every store.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, st := range s.stores {
		st.dropped.Store(true)
		st.cache.InvalidateAll()
		delete(s.stores, name)
	}
	return nil
}

// Store is a single named in-memory store.
type Store struct {
	name    string
	cache   *otter.Cache[string, []entry]
	dropped atomic.Bool
}

// Name returns the store name.
func (st *Store) Name() string { return st.name }

// Match returns a copy of the first variant stored under req's URL whose Vary
// headers agree with req.
func (st *Store) Match(_ context.Context, req *imgcache.Request) (*imgcache.Response, bool, error) {
	if !req.Cacheable() || st.dropped.Load() {
		return nil, false, nil
	}
	variants, _ := st.cache.GetIfPresent(req.Key())
	for _, e := range variants {
		if imgcache.VaryMatches(req, e.resp, e.vary) {
			return e.resp.Clone(), true, nil
		}
	}
	return nil, false, nil
}

// Put stores a copy of resp under req's URL, replacing the variants req
// matches and keeping the rest.
func (st *Store) Put(_ context.Context, req *imgcache.Request, resp *imgcache.Response) error {
	if !req.Cacheable() {
		return fmt.Errorf("%w: cannot store %s request", imgcache.ErrBadRequest, req.Method)
	}
	if st.dropped.Load() {
		return fmt.Errorf("store %q: %w", st.name, imgcache.ErrNotFound)
	}
	e := entry{resp: resp.Clone(), vary: imgcache.VaryHeaders(req, resp)}
	st.cache.Compute(req.Key(), func(old []entry, _ bool) ([]entry, otter.ComputeOp) {
		variants := make([]entry, 0, len(old)+1)
		variants = append(variants, e)
		for _, v := range old {
			if !imgcache.VaryMatches(req, v.resp, v.vary) {
				variants = append(variants, v)
			}
		}
		return variants, otter.WriteOp
	})
	return nil
}

// Len returns the number of stored variants.
func (st *Store) Len(context.Context) (int, error) {
	n := 0
	for _, variants := range st.cache.All() {
		n += len(variants)
	}
	return n, nil
}
