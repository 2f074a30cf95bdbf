// Package imagecache implements the image cache proxy: a read-through,
// write-once cache of image responses scoped to one named store generation.
//
// A Proxy reacts to three host-driven lifecycle events. Install opens the
// store named by the proxy's version, Activate deletes every other store, and
// Fetch serves image requests from the store or the network. The proxy never
// moves itself between phases; the host (see internal/app) does.
package imagecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	imgcache "github.com/ryzup/imgcache/internal"
	"github.com/ryzup/imgcache/internal/blobstore"
	"github.com/ryzup/imgcache/internal/telemetry"
)

// DefaultVersion is the store generation used when none is configured.
const DefaultVersion = "ryzup-images-v1"

// maxParallelDeletes bounds concurrent store deletions during activation.
const maxParallelDeletes = 8

// detachedWriteTimeout bounds a write performed by the default writer.
const detachedWriteTimeout = 10 * time.Second

// Network is the network collaborator: a real fetch of a request.
type Network interface {
	Fetch(ctx context.Context, req *imgcache.Request) (*imgcache.Response, error)
}

// Writer schedules a store write without waiting for it.
type Writer interface {
	Submit(w blobstore.Write)
}

// Options configures a Proxy.
type Options struct {
	Version string             // store generation name; "" = DefaultVersion
	Storage blobstore.Storage  // required
	Network Network            // required
	Writer  Writer             // nil = one detached goroutine per write
	Metrics *telemetry.Metrics // nil = no metrics

	// AssetPrefixes documents the intended cacheable asset roots. It is
	// reported in status output and never consulted when matching; the
	// filter is the request's resource kind.
	AssetPrefixes []string
}

// Outcome is the result of a fetch event.
type Outcome struct {
	Response *imgcache.Response // nil when Source is SourceBypass
	Source   imgcache.Source
}

// Intercepted reports whether the proxy handled the request. When false the
// caller must perform its default handling.
func (o Outcome) Intercepted() bool { return o.Source != imgcache.SourceBypass }

// Proxy is one generation of the image cache proxy.
type Proxy struct {
	version  string
	storage  blobstore.Storage
	network  Network
	writer   Writer
	metrics  *telemetry.Metrics
	prefixes []string
	tracer   trace.Tracer

	mu    sync.Mutex // serializes lifecycle transitions
	phase atomic.Int32
	store blobstore.Store // set by Install, read after phase >= installed
}

// New returns an uninstalled Proxy.
func New(opts Options) (*Proxy, error) {
	if opts.Storage == nil || opts.Network == nil {
		return nil, errors.New("imagecache: storage and network are required")
	}
	version := opts.Version
	if version == "" {
		version = DefaultVersion
	}
	writer := opts.Writer
	if writer == nil {
		writer = detachedWriter{}
	}
	return &Proxy{
		version:  version,
		storage:  opts.Storage,
		network:  opts.Network,
		writer:   writer,
		metrics:  opts.Metrics,
		prefixes: append([]string(nil), opts.AssetPrefixes...),
		tracer:   telemetry.Tracer("github.com/ryzup/imgcache/internal/imagecache"),
	}, nil
}

// Version returns the store generation this proxy serves.
func (p *Proxy) Version() string { return p.version }

// Phase returns the current lifecycle phase.
func (p *Proxy) Phase() Phase { return Phase(p.phase.Load()) }

// AssetPrefixes returns the informational asset roots.
func (p *Proxy) AssetPrefixes() []string { return append([]string(nil), p.prefixes...) }

// Store returns the current store, or nil before Install completes.
func (p *Proxy) Store() blobstore.Store {
	if p.Phase() < PhaseInstalled {
		return nil
	}
	return p.store
}

// Install handles the install event: it ensures the store named by the
// proxy's version exists. On failure the proxy returns to uninstalled and the
// error is left to the host's lifecycle policy.
func (p *Proxy) Install(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.transition(PhaseUninstalled, PhaseInstalling); err != nil {
		return err
	}

	ctx, span := p.tracer.Start(ctx, "imagecache.Install",
		trace.WithAttributes(attribute.String("imgcache.version", p.version)))
	defer span.End()

	st, err := p.storage.Open(ctx, p.version)
	if err != nil {
		p.phase.Store(int32(PhaseUninstalled))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("install %q: %w", p.version, err)
	}
	p.store = st
	p.phase.Store(int32(PhaseInstalled))

	slog.LogAttrs(ctx, slog.LevelInfo, "image cache installed",
		slog.String("version", p.version),
	)
	return nil
}

// Activate handles the activate event: every store whose name is not the
// proxy's version is deleted. Deletions run concurrently and independently;
// a failed deletion does not stop its siblings. The proxy becomes active
// even when some deletions fail; the failures are returned joined.
func (p *Proxy) Activate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.transition(PhaseInstalled, PhaseActivating); err != nil {
		return err
	}
	defer p.phase.Store(int32(PhaseActive))

	ctx, span := p.tracer.Start(ctx, "imagecache.Activate",
		trace.WithAttributes(attribute.String("imgcache.version", p.version)))
	defer span.End()

	names, err := p.storage.Names(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("activate %q: list stores: %w", p.version, err)
	}

	var (
		g       errgroup.Group
		errMu   sync.Mutex
		errs    []error
		deleted atomic.Int32
	)
	g.SetLimit(maxParallelDeletes)
	for _, name := range names {
		if name == p.version {
			continue
		}
		g.Go(func() error {
			ok, err := p.storage.Delete(ctx, name)
			if err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "delete superseded store failed",
					slog.String("store", name),
					slog.String("error", err.Error()),
				)
				p.observeDelete("error")
				errMu.Lock()
				errs = append(errs, fmt.Errorf("delete store %q: %w", name, err))
				errMu.Unlock()
				return nil
			}
			if ok {
				deleted.Add(1)
				p.observeDelete("ok")
			}
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.Int("imgcache.stores_deleted", int(deleted.Load())))
	slog.LogAttrs(ctx, slog.LevelInfo, "image cache activated",
		slog.String("version", p.version),
		slog.Int("stores_deleted", int(deleted.Load())),
	)

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "some stores could not be deleted")
		return err
	}
	return nil
}

// Retire marks the proxy redundant after a newer generation took over.
// A redundant proxy no longer intercepts requests.
func (p *Proxy) Retire() {
	p.mu.Lock()
	p.phase.Store(int32(PhaseRedundant))
	p.mu.Unlock()
}

// Fetch handles a fetch event. Non-image requests, and any request reaching a
// proxy that is not active, are not intercepted. Image requests are served
// from the store when present; otherwise they are fetched from the network
// and, when the response qualifies, a copy is written to the store in the
// background while the original is returned.
func (p *Proxy) Fetch(ctx context.Context, req *imgcache.Request) (Outcome, error) {
	if !req.IsImage() || p.Phase() != PhaseActive {
		p.count(func(m *telemetry.Metrics) { m.CacheBypass.Inc() })
		return Outcome{Source: imgcache.SourceBypass}, nil
	}
	st := p.store

	ctx, span := p.tracer.Start(ctx, "imagecache.Fetch",
		trace.WithAttributes(
			attribute.String("imgcache.version", p.version),
			attribute.String("url.full", req.Key()),
		))
	defer span.End()

	cached, hit, err := st.Match(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, fmt.Errorf("match %q: %w", req.Key(), err)
	}
	if hit {
		span.SetAttributes(attribute.String("imgcache.result", "hit"))
		p.count(func(m *telemetry.Metrics) { m.CacheHits.Inc() })
		return Outcome{Response: cached, Source: imgcache.SourceStore}, nil
	}

	span.SetAttributes(attribute.String("imgcache.result", "miss"))
	p.count(func(m *telemetry.Metrics) { m.CacheMisses.Inc() })

	start := time.Now()
	resp, err := p.network.Fetch(ctx, req)
	if err != nil {
		p.count(func(m *telemetry.Metrics) { m.UpstreamErrors.Inc() })
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}
	if resp != nil {
		p.count(func(m *telemetry.Metrics) {
			m.UpstreamDuration.WithLabelValues(statusLabel(resp.Status)).Observe(time.Since(start).Seconds())
		})
		span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	}

	if !resp.OK() {
		return Outcome{Response: resp, Source: imgcache.SourceNetwork}, nil
	}
	if !req.Cacheable() {
		slog.LogAttrs(ctx, slog.LevelDebug, "skip store write for non-GET request",
			slog.String("method", req.Method),
			slog.String("url", req.Key()),
		)
		return Outcome{Response: resp, Source: imgcache.SourceNetwork}, nil
	}

	p.writer.Submit(blobstore.Write{
		Store:     st,
		Request:   req,
		Response:  resp.Clone(),
		RequestID: imgcache.RequestIDFromContext(ctx),
	})
	return Outcome{Response: resp, Source: imgcache.SourceNetwork}, nil
}

// transition moves from one phase to the next or reports ErrInvalidTransition.
// The caller must hold p.mu.
func (p *Proxy) transition(from, to Phase) error {
	if cur := p.Phase(); cur != from {
		return fmt.Errorf("%w: %s -> %s from %s", imgcache.ErrInvalidTransition, from, to, cur)
	}
	p.phase.Store(int32(to))
	return nil
}

func (p *Proxy) count(f func(m *telemetry.Metrics)) {
	if p.metrics != nil {
		f(p.metrics)
	}
}

func (p *Proxy) observeDelete(result string) {
	p.count(func(m *telemetry.Metrics) { m.StoresDeleted.WithLabelValues(result).Inc() })
}

func statusLabel(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}

// detachedWriter runs every write on its own goroutine. Failures are logged
// and dropped.
type detachedWriter struct{}

func (detachedWriter) Submit(w blobstore.Write) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), detachedWriteTimeout)
		defer cancel()
		if err := w.Apply(ctx); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "store write failed",
				slog.String("url", w.Request.Key()),
				slog.String("request_id", w.RequestID),
				slog.String("error", err.Error()),
			)
		}
	}()
}
