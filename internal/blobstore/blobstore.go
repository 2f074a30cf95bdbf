// Package blobstore defines the named key-value response store the image
// cache proxy persists snapshots in.
package blobstore

import (
	"context"

	imgcache "github.com/ryzup/imgcache/internal"
)

// Store is one named collection of cache entries (a store generation).
type Store interface {
	// Name returns the store name.
	Name() string
	// Match returns the snapshot stored for an equivalent request.
	// Non-GET requests never match.
	Match(ctx context.Context, req *imgcache.Request) (*imgcache.Response, bool, error)
	// Put writes resp under req's key, replacing any previous entry.
	Put(ctx context.Context, req *imgcache.Request, resp *imgcache.Response) error
	// Len returns the number of entries.
	Len(ctx context.Context) (int, error)
}

// Storage manages the set of named stores.
type Storage interface {
	// Open returns the store called name, creating it if absent.
	Open(ctx context.Context, name string) (Store, error)
	// Names lists all existing store names in lexical order.
	Names(ctx context.Context) ([]string, error)
	// Delete drops the store and all its entries. It reports false when no
	// store of that name existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Write is a pending store write: the detached half of a read-through miss.
type Write struct {
	Store     Store
	Request   *imgcache.Request
	Response  *imgcache.Response // already a private copy
	RequestID string
}

// Apply performs the write.
func (w Write) Apply(ctx context.Context) error {
	return w.Store.Put(ctx, w.Request, w.Response)
}
