package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner runs a fixed set of workers as a group.
type Runner struct {
	workers []Worker
}

// NewRunner returns a Runner for workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run starts every worker and blocks until all have returned. The first
// failure cancels the rest and is returned. A worker that returns before ctx
// is cancelled counts as a failure, since the proxy relies on all of them for
// its whole lifetime.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		g.Go(func() error {
			slog.LogAttrs(gctx, slog.LevelInfo, "worker started", slog.String("name", w.Name()))
			err := w.Run(gctx)
			slog.LogAttrs(gctx, slog.LevelInfo, "worker stopped", slog.String("name", w.Name()))
			switch {
			case err != nil:
				return fmt.Errorf("worker %s: %w", w.Name(), err)
			case ctx.Err() == nil && gctx.Err() == nil:
				return fmt.Errorf("worker %s exited early", w.Name())
			default:
				return nil
			}
		})
	}
	return g.Wait()
}
