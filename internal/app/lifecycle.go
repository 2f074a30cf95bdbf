// Package app implements application-level services for the imgcache proxy.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	imgcache "github.com/ryzup/imgcache/internal"
	"github.com/ryzup/imgcache/internal/blobstore"
	"github.com/ryzup/imgcache/internal/imagecache"
	"github.com/ryzup/imgcache/internal/telemetry"
)

// Generation is one deployed proxy generation.
type Generation struct {
	ID         string
	Proxy      *imagecache.Proxy
	DeployedAt time.Time

	// CleanupErr holds the joined failures of deleting superseded stores.
	// The generation is active regardless.
	CleanupErr error
}

// Options configures a Lifecycle.
type Options struct {
	Storage       blobstore.Storage
	Network       imagecache.Network
	Writer        imagecache.Writer
	Metrics       *telemetry.Metrics
	AssetPrefixes []string
}

// Lifecycle hosts the image cache proxy: it owns the active generation and
// drives install and activate whenever a new store version is deployed.
type Lifecycle struct {
	opts Options

	mu      sync.Mutex // serializes deploys and store deletions
	current atomic.Pointer[Generation]
}

// New returns a Lifecycle with no active generation.
func New(opts Options) *Lifecycle {
	return &Lifecycle{opts: opts}
}

// Current returns the active generation, or nil before the first deploy.
func (l *Lifecycle) Current() *Generation { return l.current.Load() }

// Deploy installs and activates a proxy for version, then makes it the
// active generation and retires the previous one. Deploying the version that
// is already active returns the current generation unchanged. An install
// failure leaves the previous generation in place.
func (l *Lifecycle) Deploy(ctx context.Context, version string) (*Generation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if version == "" {
		version = imagecache.DefaultVersion
	}
	prev := l.current.Load()
	if prev != nil && prev.Proxy.Version() == version {
		return prev, nil
	}

	p, err := imagecache.New(imagecache.Options{
		Version:       version,
		Storage:       l.opts.Storage,
		Network:       l.opts.Network,
		Writer:        l.opts.Writer,
		Metrics:       l.opts.Metrics,
		AssetPrefixes: l.opts.AssetPrefixes,
	})
	if err != nil {
		return nil, err
	}
	if err := p.Install(ctx); err != nil {
		return nil, fmt.Errorf("deploy %q: %w", version, err)
	}
	cleanupErr := p.Activate(ctx)
	if cleanupErr != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "superseded stores not fully deleted",
			slog.String("version", version),
			slog.String("error", cleanupErr.Error()),
		)
	}

	gen := &Generation{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Proxy:      p,
		DeployedAt: time.Now().UTC(),
		CleanupErr: cleanupErr,
	}
	l.current.Store(gen)
	if prev != nil {
		prev.Proxy.Retire()
	}

	attrs := []slog.Attr{
		slog.String("generation", gen.ID),
		slog.String("version", version),
	}
	if prev != nil {
		attrs = append(attrs, slog.String("previous_version", prev.Proxy.Version()))
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "generation deployed", attrs...)
	return gen, nil
}

// Fetch routes a fetch event to the active generation. Without one, nothing
// is intercepted.
func (l *Lifecycle) Fetch(ctx context.Context, req *imgcache.Request) (imagecache.Outcome, error) {
	gen := l.current.Load()
	if gen == nil {
		return imagecache.Outcome{Source: imgcache.SourceBypass}, nil
	}
	return gen.Proxy.Fetch(ctx, req)
}

// Status describes the active generation.
type Status struct {
	Generation    string    `json:"generation"`
	Version       string    `json:"version"`
	Phase         string    `json:"phase"`
	DeployedAt    time.Time `json:"deployed_at"`
	Entries       int       `json:"entries"`
	Stores        []string  `json:"stores"`
	AssetPrefixes []string  `json:"asset_prefixes"`
	CleanupError  string    `json:"cleanup_error,omitempty"`
}

// Status reports on the active generation. It returns ErrNotActive before the
// first successful deploy.
func (l *Lifecycle) Status(ctx context.Context) (*Status, error) {
	gen := l.current.Load()
	if gen == nil {
		return nil, imgcache.ErrNotActive
	}
	entries, err := gen.Proxy.Store().Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	names, err := l.opts.Storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	st := &Status{
		Generation:    gen.ID,
		Version:       gen.Proxy.Version(),
		Phase:         gen.Proxy.Phase().String(),
		DeployedAt:    gen.DeployedAt,
		Entries:       entries,
		Stores:        names,
		AssetPrefixes: gen.Proxy.AssetPrefixes(),
	}
	if gen.CleanupErr != nil {
		st.CleanupError = gen.CleanupErr.Error()
	}
	return st, nil
}

// StoreInfo describes one store in the backend.
type StoreInfo struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
}

// Stores lists every store in the backend, flagging the active one.
func (l *Lifecycle) Stores(ctx context.Context) ([]StoreInfo, error) {
	names, err := l.opts.Storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	current := l.currentVersion()
	out := make([]StoreInfo, 0, len(names))
	for _, name := range names {
		out = append(out, StoreInfo{Name: name, Current: name == current})
	}
	return out, nil
}

// DeleteStore drops a store left behind by an earlier generation. The active
// store cannot be deleted.
func (l *Lifecycle) DeleteStore(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if name == l.currentVersion() {
		return fmt.Errorf("%w: store %q is in use", imgcache.ErrConflict, name)
	}
	ok, err := l.opts.Storage.Delete(ctx, name)
	if err != nil {
		return fmt.Errorf("delete store %q: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("store %q: %w", name, imgcache.ErrNotFound)
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "store deleted", slog.String("store", name))
	return nil
}

func (l *Lifecycle) currentVersion() string {
	if gen := l.current.Load(); gen != nil {
		return gen.Proxy.Version()
	}
	return ""
}

// Ready reports whether a generation is active and its backend reachable.
func (l *Lifecycle) Ready(ctx context.Context) error {
	if l.current.Load() == nil {
		return imgcache.ErrNotActive
	}
	return l.opts.Storage.Ping(ctx)
}
