package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultRollupInterval = time.Minute
	rollupWindow          = 5 * time.Minute
)

// RollupStore is the persistence interface consumed by MetricsRollupWorker.
type RollupStore interface {
	RollupMetrics(ctx context.Context, since time.Time) error
}

// MetricsRollupWorker periodically aggregates attempt logs into the
// per-(model, provider) health metrics consumed by the routing engine.
type MetricsRollupWorker struct {
	store    RollupStore
	interval time.Duration
}

// NewMetricsRollupWorker creates a rollup worker. A non-positive interval
// falls back to the default.
func NewMetricsRollupWorker(store RollupStore, interval time.Duration) *MetricsRollupWorker {
	if interval <= 0 {
		interval = defaultRollupInterval
	}
	return &MetricsRollupWorker{store: store, interval: interval}
}

// Name implements Worker.
func (w *MetricsRollupWorker) Name() string { return "metrics_rollup" }

// Run performs an initial rollup, then aggregates on a periodic schedule
// until ctx is cancelled.
func (w *MetricsRollupWorker) Run(ctx context.Context) error {
	w.rollup(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.rollup(ctx)
		}
	}
}

func (w *MetricsRollupWorker) rollup(ctx context.Context) {
	since := time.Now().UTC().Add(-rollupWindow)
	if err := w.store.RollupMetrics(ctx, since); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "metrics rollup failed",
			slog.String("error", err.Error()),
		)
	}
}
