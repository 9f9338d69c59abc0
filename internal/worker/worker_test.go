package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
)

type fakeLogStore struct {
	mu      sync.Mutex
	batches [][]*gateway.AttemptLog
}

func (s *fakeLogStore) InsertAttemptLogs(_ context.Context, logs []*gateway.AttemptLog) error {
	s.mu.Lock()
	s.batches = append(s.batches, logs)
	s.mu.Unlock()
	return nil
}

func (s *fakeLogStore) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestLogRecorder_BatchOnSize(t *testing.T) {
	t.Parallel()
	store := &fakeLogStore{}
	rec := NewLogRecorder(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	for i := range logBatchSize {
		rec.Record(&gateway.AttemptLog{ID: string(rune('a' + i%26))})
	}

	waitFor(t, 2*time.Second, func() bool { return store.total() >= logBatchSize },
		"batch not flushed on reaching batch size")

	cancel()
	<-done
}

func TestLogRecorder_DropOnFull(t *testing.T) {
	t.Parallel()
	rec := &LogRecorder{
		ch:    make(chan *gateway.AttemptLog, 2),
		store: &fakeLogStore{},
	}

	rec.Record(&gateway.AttemptLog{ID: "1"})
	rec.Record(&gateway.AttemptLog{ID: "2"})
	rec.Record(&gateway.AttemptLog{ID: "3"}) // dropped

	if len(rec.ch) != 2 {
		t.Errorf("channel len = %d, want 2", len(rec.ch))
	}
}

func TestLogRecorder_DrainOnShutdown(t *testing.T) {
	t.Parallel()
	store := &fakeLogStore{}
	rec := NewLogRecorder(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Record(&gateway.AttemptLog{ID: "drain-1"})
	rec.Record(&gateway.AttemptLog{ID: "drain-2"})

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if store.total() < 2 {
		t.Errorf("drained records = %d, want at least 2", store.total())
	}
}

type fakeSpendStore struct {
	mu      sync.Mutex
	usage   map[string]float64
	credits map[string]float64
}

func newFakeSpendStore() *fakeSpendStore {
	return &fakeSpendStore{usage: map[string]float64{}, credits: map[string]float64{}}
}

func (s *fakeSpendStore) AddKeyUsage(_ context.Context, keyID string, amount float64) error {
	s.mu.Lock()
	s.usage[keyID] += amount
	s.mu.Unlock()
	return nil
}

func (s *fakeSpendStore) DeductCredits(_ context.Context, orgID string, amount float64) error {
	s.mu.Lock()
	s.credits[orgID] += amount
	s.mu.Unlock()
	return nil
}

func (s *fakeSpendStore) usageFor(keyID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[keyID]
}

func (s *fakeSpendStore) creditsFor(orgID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credits[orgID]
}

func TestSpendWorker_EnvCredentialDeductsCredits(t *testing.T) {
	t.Parallel()
	store := newFakeSpendStore()
	w := NewSpendWorker(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Spend("org-1", "key-1", "env", 0.25)
	waitFor(t, 2*time.Second, func() bool { return store.creditsFor("org-1") > 0 },
		"env-pool spend did not deduct credits")

	if got := store.usageFor("key-1"); got != 0.25 {
		t.Errorf("key usage = %v, want 0.25", got)
	}

	cancel()
	<-done
}

func TestSpendWorker_StoredKeySkipsCredits(t *testing.T) {
	t.Parallel()
	store := newFakeSpendStore()
	w := NewSpendWorker(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Spend("org-1", "key-1", "stored", 0.5)
	waitFor(t, 2*time.Second, func() bool { return store.usageFor("key-1") > 0 },
		"stored-key spend did not accrue usage")

	if got := store.creditsFor("org-1"); got != 0 {
		t.Errorf("credits deducted = %v for a stored-key attempt, want 0", got)
	}

	cancel()
	<-done
}

func TestSpendWorker_IgnoresNonPositive(t *testing.T) {
	t.Parallel()
	w := NewSpendWorker(newFakeSpendStore())
	w.Spend("org-1", "key-1", "env", 0)
	w.Spend("org-1", "key-1", "env", -1)
	if len(w.ch) != 0 {
		t.Errorf("queued ops = %d, want 0", len(w.ch))
	}
}

type fakeRollupStore struct {
	mu    sync.Mutex
	calls int
	since time.Time
}

func (s *fakeRollupStore) RollupMetrics(_ context.Context, since time.Time) error {
	s.mu.Lock()
	s.calls++
	s.since = since
	s.mu.Unlock()
	return nil
}

func (s *fakeRollupStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestMetricsRollupWorker_RunsImmediatelyThenOnTicks(t *testing.T) {
	t.Parallel()
	store := &fakeRollupStore{}
	w := NewMetricsRollupWorker(store, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool { return store.count() >= 2 },
		"rollup did not run on startup plus tick")

	cancel()
	<-done

	store.mu.Lock()
	since := store.since
	store.mu.Unlock()
	if window := time.Since(since); window < 4*time.Minute || window > 6*time.Minute {
		t.Errorf("rollup window = %v, want about 5 minutes", window)
	}
}

type fakeWorker struct {
	name  string
	runFn func(ctx context.Context) error
}

func (f *fakeWorker) Name() string { return f.name }

func (f *fakeWorker) Run(ctx context.Context) error {
	if f.runFn != nil {
		return f.runFn(ctx)
	}
	<-ctx.Done()
	return nil
}

func TestRunner_StopOnCancel(t *testing.T) {
	t.Parallel()
	r := NewRunner(&fakeWorker{name: "idle"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestRunner_TagsWorkerErrors(t *testing.T) {
	t.Parallel()
	testErr := errors.New("db gone")
	failing := &fakeWorker{name: "flaky", runFn: func(context.Context) error { return testErr }}
	r := NewRunner(failing, &fakeWorker{name: "idle"})

	err := r.Run(context.Background())
	if !errors.Is(err, testErr) {
		t.Fatalf("err = %v, want wrapped %v", err, testErr)
	}
	if !strings.Contains(err.Error(), "flaky") {
		t.Errorf("err = %q, want the worker name in the message", err)
	}
}
