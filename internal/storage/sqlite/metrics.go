package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// metricsStaleAfter bounds how old a rollup row may be before the pair is
// treated as unsampled and scored at full uptime again.
const metricsStaleAfter = 10 * time.Minute

// RecentMetrics returns the latest health rollup for a (model, provider)
// pair. Missing or stale rows report full uptime so new or idle mappings are
// not penalized by old failures.
func (s *Store) RecentMetrics(ctx context.Context, model, provider string) (gateway.ProviderMetrics, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT uptime, avg_latency, throughput, updated_at
		 FROM provider_metrics WHERE model = ? AND provider = ?`,
		model, provider,
	)
	var m gateway.ProviderMetrics
	var updatedAt string
	err := row.Scan(&m.Uptime, &m.AvgLatency, &m.Throughput, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ProviderMetrics{Uptime: 100}, nil
	}
	if err != nil {
		return gateway.ProviderMetrics{}, err
	}
	if at, err := time.Parse(time.RFC3339, updatedAt); err != nil || time.Since(at) > metricsStaleAfter {
		return gateway.ProviderMetrics{Uptime: 100}, nil
	}
	return m, nil
}

// RollupMetrics aggregates attempt logs created since the given time into
// per-(model, provider) health rows. Cache hits are excluded since they
// never reached an upstream.
func (s *Store) RollupMetrics(ctx context.Context, since time.Time) error {
	rows, err := s.read.QueryContext(ctx,
		`SELECT used_model, used_provider,
		 100.0 * SUM(CASE WHEN has_error = 0 THEN 1 ELSE 0 END) / COUNT(*),
		 COALESCE(AVG(CASE WHEN ttft_ms > 0 THEN ttft_ms END), 0),
		 COALESCE(AVG(CASE WHEN duration_ms > 0 AND completion_tokens > 0
			THEN 1000.0 * completion_tokens / duration_ms END), 0),
		 COUNT(*)
		 FROM attempt_logs
		 WHERE created_at >= ? AND cached = 0 AND used_model <> '' AND used_provider <> ''
		 GROUP BY used_model, used_provider`,
		since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	type sample struct {
		model, provider                string
		uptime, avgLatency, throughput float64
		count                          int64
	}
	var samples []sample
	for rows.Next() {
		var sm sample
		if err := rows.Scan(&sm.model, &sm.provider, &sm.uptime, &sm.avgLatency, &sm.throughput, &sm.count); err != nil {
			return err
		}
		samples = append(samples, sm)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, sm := range samples {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO provider_metrics (model, provider, uptime, avg_latency, throughput, sample_count, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(model, provider) DO UPDATE SET
			 uptime = excluded.uptime, avg_latency = excluded.avg_latency,
			 throughput = excluded.throughput, sample_count = excluded.sample_count,
			 updated_at = excluded.updated_at`,
			sm.model, sm.provider, sm.uptime, sm.avgLatency, sm.throughput, sm.count, now,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
