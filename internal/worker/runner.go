package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner supervises the background loops. One failing worker cancels the
// rest; the first error wins.
type Runner struct {
	workers []Worker
}

// NewRunner creates a Runner over the given workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run starts every worker and blocks until all have returned. Failures are
// tagged with the worker's name; shutdown cancellation is passed through
// untagged so callers can discriminate.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		slog.Info("worker started", "worker", w.Name())
		g.Go(func() error {
			err := w.Run(ctx)
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("%s: %w", w.Name(), err)
			}
			return err
		})
	}
	return g.Wait()
}
