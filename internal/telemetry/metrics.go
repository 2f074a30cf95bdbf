// Package telemetry provides observability primitives for imgcache.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheBypass      prometheus.Counter
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   prometheus.Counter
	StoreWrites      *prometheus.CounterVec
	WriteQueueLength prometheus.Gauge
	StoresDeleted    *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgcache",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by cache result (HIT, MISS, BYPASS or empty).",
		}, []string{"method", "route", "status", "cache"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "imgcache",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "route", "cache"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "imgcache",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imgcache",
			Name:      "cache_hits_total",
			Help:      "Image requests served from the store.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imgcache",
			Name:      "cache_misses_total",
			Help:      "Image requests fetched from the origin.",
		}),

		CacheBypass: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imgcache",
			Name:      "cache_bypass_total",
			Help:      "Requests not intercepted by the cache.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "imgcache",
			Name:                            "upstream_duration_seconds",
			Help:                            "Origin fetch duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"status"}),

		UpstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imgcache",
			Name:      "upstream_errors_total",
			Help:      "Origin fetches that failed without a response.",
		}),

		StoreWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgcache",
			Name:      "store_writes_total",
			Help:      "Background store writes by result (ok, error, dropped).",
		}, []string{"result"}),

		WriteQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "imgcache",
			Name:      "write_queue_length",
			Help:      "Current number of queued store writes.",
		}),

		StoresDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgcache",
			Name:      "stores_deleted_total",
			Help:      "Superseded stores deleted on activation, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.CacheHits,
		m.CacheMisses,
		m.CacheBypass,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.StoreWrites,
		m.WriteQueueLength,
		m.StoresDeleted,
	)

	return m
}
