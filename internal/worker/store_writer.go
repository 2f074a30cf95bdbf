package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/ryzup/imgcache/internal/blobstore"
	"github.com/ryzup/imgcache/internal/telemetry"
)

const (
	defaultWriteQueue = 256
	writeTimeout      = 10 * time.Second
	writeDrainTime    = 30 * time.Second
)

// StoreWriter applies store writes in the background, off the response path.
// Writes are dropped if the queue is full (back-pressure on a slow store);
// a dropped write only costs a later cache miss.
type StoreWriter struct {
	ch      chan blobstore.Write
	metrics *telemetry.Metrics // nil = no metrics
}

// NewStoreWriter creates a StoreWriter with the given queue size.
func NewStoreWriter(queueSize int, metrics *telemetry.Metrics) *StoreWriter {
	if queueSize <= 0 {
		queueSize = defaultWriteQueue
	}
	return &StoreWriter{
		ch:      make(chan blobstore.Write, queueSize),
		metrics: metrics,
	}
}

// Name returns the worker identifier.
func (s *StoreWriter) Name() string { return "store_writer" }

// Submit enqueues a write. It never blocks; drops on full queue.
func (s *StoreWriter) Submit(w blobstore.Write) {
	select {
	case s.ch <- w:
		if s.metrics != nil {
			s.metrics.WriteQueueLength.Set(float64(len(s.ch)))
		}
	default:
		slog.Warn("store write dropped, queue full",
			"url", w.Request.Key(),
			"request_id", w.RequestID,
		)
		s.observe("dropped")
	}
}

// Run applies writes until ctx is cancelled, then drains the queue. A write
// already dequeued is not cut short by the cancellation.
func (s *StoreWriter) Run(ctx context.Context) error {
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case w := <-s.ch:
			s.apply(writeCtx, w)
		case <-ctx.Done():
			s.drain()
			return nil
		}
	}
}

func (s *StoreWriter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), writeDrainTime)
	defer cancel()

	for {
		select {
		case w := <-s.ch:
			s.apply(ctx, w)
		default:
			return
		}
	}
}

func (s *StoreWriter) apply(ctx context.Context, w blobstore.Write) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if s.metrics != nil {
		s.metrics.WriteQueueLength.Set(float64(len(s.ch)))
	}
	if err := w.Apply(ctx); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "store write failed",
			slog.String("store", w.Store.Name()),
			slog.String("url", w.Request.Key()),
			slog.String("request_id", w.RequestID),
			slog.String("error", err.Error()),
		)
		s.observe("error")
		return
	}
	s.observe("ok")
}

func (s *StoreWriter) observe(result string) {
	if s.metrics != nil {
		s.metrics.StoreWrites.WithLabelValues(result).Inc()
	}
}
