package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	imgcache "github.com/ryzup/imgcache/internal"
	"github.com/ryzup/imgcache/internal/blobstore"
)

// ErrInjected is returned by CountingStorage for injected failures.
var ErrInjected = errors.New("injected failure")

// CountingStorage wraps a blobstore.Storage, counting store accesses and
// optionally failing operations.
type CountingStorage struct {
	blobstore.Storage

	Matches atomic.Int64
	Puts    atomic.Int64

	mu          sync.Mutex
	failOpen    bool
	failNames   bool
	failDeletes map[string]bool
}

// NewCountingStorage wraps inner.
func NewCountingStorage(inner blobstore.Storage) *CountingStorage {
	return &CountingStorage{Storage: inner, failDeletes: make(map[string]bool)}
}

// FailOpen makes Open fail.
func (s *CountingStorage) FailOpen(fail bool) {
	s.mu.Lock()
	s.failOpen = fail
	s.mu.Unlock()
}

// FailNames makes Names fail.
func (s *CountingStorage) FailNames(fail bool) {
	s.mu.Lock()
	s.failNames = fail
	s.mu.Unlock()
}

// FailDelete makes Delete of the named store fail.
func (s *CountingStorage) FailDelete(name string) {
	s.mu.Lock()
	s.failDeletes[name] = true
	s.mu.Unlock()
}

// Open wraps the inner store so its accesses are counted.
func (s *CountingStorage) Open(ctx context.Context, name string) (blobstore.Store, error) {
	s.mu.Lock()
	fail := s.failOpen
	s.mu.Unlock()
	if fail {
		return nil, ErrInjected
	}
	st, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingStore{Store: st, owner: s}, nil
}

// Names lists stores unless failing.
func (s *CountingStorage) Names(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	fail := s.failNames
	s.mu.Unlock()
	if fail {
		return nil, ErrInjected
	}
	return s.Storage.Names(ctx)
}

// Delete drops a store unless its deletion is set to fail.
func (s *CountingStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	fail := s.failDeletes[name]
	s.mu.Unlock()
	if fail {
		return false, ErrInjected
	}
	return s.Storage.Delete(ctx, name)
}

// Accesses returns the total number of Match and Put calls.
func (s *CountingStorage) Accesses() int64 {
	return s.Matches.Load() + s.Puts.Load()
}

type countingStore struct {
	blobstore.Store
	owner *CountingStorage
}

func (c *countingStore) Match(ctx context.Context, req *imgcache.Request) (*imgcache.Response, bool, error) {
	c.owner.Matches.Add(1)
	return c.Store.Match(ctx, req)
}

func (c *countingStore) Put(ctx context.Context, req *imgcache.Request, resp *imgcache.Response) error {
	c.owner.Puts.Add(1)
	return c.Store.Put(ctx, req, resp)
}

// SyncWriter applies writes inline so tests can observe them immediately.
type SyncWriter struct {
	mu   sync.Mutex
	errs []error
}

// Submit applies the write before returning.
func (w *SyncWriter) Submit(wr blobstore.Write) {
	err := wr.Apply(context.Background())
	w.mu.Lock()
	w.errs = append(w.errs, err)
	w.mu.Unlock()
}

// Writes returns the number of writes submitted.
func (w *SyncWriter) Writes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.errs)
}
