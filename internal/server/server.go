// Package server implements the HTTP transport layer for the imgcache proxy.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	imgcache "github.com/ryzup/imgcache/internal"
	"github.com/ryzup/imgcache/internal/app"
	"github.com/ryzup/imgcache/internal/imagecache"
	"github.com/ryzup/imgcache/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Authenticator checks admin credentials on a request.
type Authenticator interface {
	Authenticate(r *http.Request) error
}

// Cache answers fetch events for image requests.
type Cache interface {
	Fetch(ctx context.Context, req *imgcache.Request) (imagecache.Outcome, error)
}

// Origin resolves incoming requests onto the site origin and forwards the
// ones the cache does not intercept.
type Origin interface {
	Resolve(r *http.Request) string
	Forward(ctx context.Context, w http.ResponseWriter, r *http.Request) error
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Cache          Cache
	Origin         Origin
	Lifecycle      *app.Lifecycle     // nil = no admin API
	AdminAuth      Authenticator      // nil = no admin API
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Admin API (admin key required)
	if deps.Lifecycle != nil && deps.AdminAuth != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.authenticate)
			r.Get("/status", s.handleStatus)
			r.Get("/stores", s.handleListStores)
			r.Delete("/stores/{name}", s.handleDeleteStore)
			r.Post("/deploy", s.handleDeploy)
		})
	}

	// Everything else goes through the image cache to the origin.
	r.Handle("/*", http.HandlerFunc(s.handleProxy))

	return r
}

type server struct {
	deps Deps
}
