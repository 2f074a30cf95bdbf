// Package worker runs the proxy's background tasks: detached store writes
// and DNS cache refreshes.
package worker

import "context"

// Worker is a long-running background task. Run returns nil only once ctx is
// cancelled.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}
