package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ryzup/imgcache/internal/telemetry"
)

// statusLabels holds pre-formatted status code labels.
var statusLabels [600]string

func init() {
	for i := range statusLabels {
		statusLabels[i] = strconv.Itoa(i)
	}
}

func statusLabel(code int) string {
	if code >= 0 && code < len(statusLabels) {
		return statusLabels[code]
	}
	return strconv.Itoa(code)
}

// metricsMiddleware records request counts and latency per route and cache
// result, so store hits and origin misses can be compared directly.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.ActiveRequests.Inc()
			defer m.ActiveRequests.Dec()

			start := time.Now()
			sw := acquireStatusWriter(w)
			defer releaseStatusWriter(sw)

			next.ServeHTTP(sw, r)

			route := routePattern(r)
			cache := cacheResult(sw.Header())
			m.RequestsTotal.WithLabelValues(r.Method, route, statusLabel(sw.Status()), cache).Inc()
			m.RequestDuration.WithLabelValues(r.Method, route, cache).Observe(time.Since(start).Seconds())
		})
	}
}

// routePattern returns the matched chi pattern. Unmatched requests share one
// label to keep cardinality bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
