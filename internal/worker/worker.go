// Package worker runs the gateway's background loops: attempt-log batch
// persistence, billing deltas, and the health-metric rollup.
package worker

import "context"

// Worker is a long-running background loop.
type Worker interface {
	// Name labels the worker in logs and errors.
	Name() string
	// Run blocks until ctx is cancelled or the loop hits an unrecoverable
	// error. Cancellation is a clean exit.
	Run(ctx context.Context) error
}
