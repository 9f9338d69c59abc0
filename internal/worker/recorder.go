package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/telemetry"
)

const (
	logChanSize   = 1000
	logBatchSize  = 100
	logFlushEvery = 5 * time.Second
	logDrainTime  = 30 * time.Second
)

// LogStore is the persistence interface consumed by LogRecorder.
type LogStore interface {
	InsertAttemptLogs(ctx context.Context, logs []*gateway.AttemptLog) error
}

// LogRecorder buffers attempt logs and batch-flushes them to the store.
// Records are dropped if the channel is full (back-pressure on slow DB).
type LogRecorder struct {
	ch      chan *gateway.AttemptLog
	store   LogStore
	metrics *telemetry.Metrics
}

// NewLogRecorder creates a LogRecorder backed by store. Metrics may be nil.
func NewLogRecorder(store LogStore, metrics *telemetry.Metrics) *LogRecorder {
	return &LogRecorder{
		ch:      make(chan *gateway.AttemptLog, logChanSize),
		store:   store,
		metrics: metrics,
	}
}

// Name implements Worker.
func (u *LogRecorder) Name() string { return "log_recorder" }

// Record enqueues an attempt log. It never blocks; drops on full channel.
func (u *LogRecorder) Record(log *gateway.AttemptLog) {
	select {
	case u.ch <- log:
		if u.metrics != nil {
			u.metrics.LogQueueLength.Set(float64(len(u.ch)))
		}
	default:
		if u.metrics != nil {
			u.metrics.LogRecordsDropped.Inc()
		}
		slog.Warn("attempt log dropped, channel full", "request_id", log.RequestID)
	}
}

// Run batches incoming logs until ctx is cancelled, then drains what is
// still queued.
func (u *LogRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(logFlushEvery)
	defer ticker.Stop()

	buf := make([]*gateway.AttemptLog, 0, logBatchSize)
	for {
		select {
		case r := <-u.ch:
			buf = u.add(ctx, buf, r)
		case <-ticker.C:
			u.flush(ctx, buf)
			buf = buf[:0]
		case <-ctx.Done():
			u.drain(buf)
			return nil
		}
	}
}

// add appends one record and flushes when the batch fills, returning the
// buffer ready for reuse.
func (u *LogRecorder) add(ctx context.Context, buf []*gateway.AttemptLog, r *gateway.AttemptLog) []*gateway.AttemptLog {
	buf = append(buf, r)
	if len(buf) >= logBatchSize {
		u.flush(ctx, buf)
		return buf[:0]
	}
	return buf
}

// drain writes out everything already queued, bounded by logDrainTime so a
// wedged store cannot hold up shutdown.
func (u *LogRecorder) drain(buf []*gateway.AttemptLog) {
	ctx, cancel := context.WithTimeout(context.Background(), logDrainTime)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			buf = u.add(ctx, buf, r)
		default:
			u.flush(ctx, buf)
			return
		}
	}
}

func (u *LogRecorder) flush(ctx context.Context, buf []*gateway.AttemptLog) {
	if len(buf) == 0 {
		return
	}
	// The buffer is reused after flush returns; hand the store its own copy
	// in case inserts are retried asynchronously.
	batch := make([]*gateway.AttemptLog, len(buf))
	copy(batch, buf)

	if err := u.store.InsertAttemptLogs(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "attempt log flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
	if u.metrics != nil {
		u.metrics.LogQueueLength.Set(float64(len(u.ch)))
	}
}
