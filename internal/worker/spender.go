package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	spendChanSize  = 1000
	spendDrainTime = 10 * time.Second

	// Matches the credential source the proxy records for env-pool attempts.
	credentialEnv = "env"
)

// SpendStore is the persistence interface consumed by SpendWorker.
type SpendStore interface {
	AddKeyUsage(ctx context.Context, keyID string, amount float64) error
	DeductCredits(ctx context.Context, orgID string, amount float64) error
}

type spendOp struct {
	orgID      string
	keyID      string
	credential string
	amount     float64
}

// SpendWorker applies billing deltas off the request path. Key usage accrues
// on every billable request; org credits are deducted only when the attempt
// ran on an env-pool token.
type SpendWorker struct {
	ch    chan spendOp
	store SpendStore
}

// NewSpendWorker creates a SpendWorker backed by store.
func NewSpendWorker(store SpendStore) *SpendWorker {
	return &SpendWorker{
		ch:    make(chan spendOp, spendChanSize),
		store: store,
	}
}

// Name implements Worker.
func (w *SpendWorker) Name() string { return "spend" }

// Spend enqueues a billing delta. It never blocks; drops on full channel.
// Zero amounts are ignored.
func (w *SpendWorker) Spend(orgID, keyID, credential string, amount float64) {
	if amount <= 0 {
		return
	}
	select {
	case w.ch <- spendOp{orgID: orgID, keyID: keyID, credential: credential, amount: amount}:
	default:
		slog.Warn("spend dropped, channel full", "org_id", orgID)
	}
}

// Run applies queued deltas until ctx is cancelled, then drains the queue.
func (w *SpendWorker) Run(ctx context.Context) error {
	for {
		select {
		case op := <-w.ch:
			w.apply(ctx, op)
		case <-ctx.Done():
			w.drain()
			return nil
		}
	}
}

func (w *SpendWorker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), spendDrainTime)
	defer cancel()

	for {
		select {
		case op := <-w.ch:
			w.apply(ctx, op)
		default:
			return
		}
	}
}

func (w *SpendWorker) apply(ctx context.Context, op spendOp) {
	if err := w.store.AddKeyUsage(ctx, op.keyID, op.amount); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "key usage update failed",
			slog.String("key_id", op.keyID),
			slog.String("error", err.Error()),
		)
	}
	if op.credential != credentialEnv {
		return
	}
	if err := w.store.DeductCredits(ctx, op.orgID, op.amount); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "credit deduction failed",
			slog.String("org_id", op.orgID),
			slog.String("error", err.Error()),
		)
	}
}
