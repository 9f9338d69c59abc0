package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// fakeStore is a map-backed Store that ignores TTLs.
type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte)}
}

func (s *fakeStore) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[key]
	return b, ok
}

func (s *fakeStore) Set(_ context.Context, key string, val []byte, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = val
}

func (s *fakeStore) Delete(_ context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

func TestKey_Deterministic(t *testing.T) {
	t.Parallel()
	temp := 0.7
	req := &gateway.ChatRequest{
		Messages:    []gateway.Message{{Role: "user", Content: []byte(`"hi"`)}},
		Temperature: &temp,
	}

	k1 := Key("openai", "gpt-4o", req)
	k2 := Key("openai", "gpt-4o", req)
	if k1 != k2 {
		t.Errorf("same request produced different keys: %q vs %q", k1, k2)
	}
	if len(k1) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(k1))
	}
}

func TestKey_Discriminators(t *testing.T) {
	t.Parallel()
	base := func() *gateway.ChatRequest {
		return &gateway.ChatRequest{
			Messages: []gateway.Message{{Role: "user", Content: []byte(`"hi"`)}},
		}
	}
	k := Key("openai", "gpt-4o", base())

	tests := []struct {
		name     string
		provider string
		model    string
		mutate   func(*gateway.ChatRequest)
	}{
		{"provider", "anthropic", "gpt-4o", func(*gateway.ChatRequest) {}},
		{"model", "openai", "gpt-4o-mini", func(*gateway.ChatRequest) {}},
		{"message", "openai", "gpt-4o", func(r *gateway.ChatRequest) {
			r.Messages[0].Content = []byte(`"bye"`)
		}},
		{"temperature", "openai", "gpt-4o", func(r *gateway.ChatRequest) {
			temp := 0.1
			r.Temperature = &temp
		}},
		{"streaming", "openai", "gpt-4o", func(r *gateway.ChatRequest) { r.Stream = true }},
		{"reasoning effort", "openai", "gpt-4o", func(r *gateway.ChatRequest) { r.ReasoningEffort = "high" }},
	}
	for _, tt := range tests {
		req := base()
		tt.mutate(req)
		if got := Key(tt.provider, tt.model, req); got == k {
			t.Errorf("%s change did not change the key", tt.name)
		}
	}
}

func TestKey_IgnoresNonShapeFields(t *testing.T) {
	t.Parallel()
	req := &gateway.ChatRequest{
		Messages: []gateway.Message{{Role: "user", Content: []byte(`"hi"`)}},
	}
	k1 := Key("openai", "gpt-4o", req)

	req.User = "someone-else"
	req.WebSearch = false
	k2 := Key("openai", "gpt-4o", req)
	if k1 != k2 {
		t.Error("non-shape field changed the key")
	}
}

func TestResponses_UnaryRoundTrip(t *testing.T) {
	t.Parallel()
	r := NewResponses(newFakeStore())
	ctx := context.Background()

	resp := &gateway.ChatResponse{
		ID:    "chatcmpl-1",
		Model: "gpt-4o",
		Choices: []gateway.Choice{{
			Message:      gateway.Message{Role: "assistant", Content: []byte(`"cached"`)},
			FinishReason: "stop",
		}},
	}
	r.PutUnary(ctx, "k", resp, time.Minute)

	got, ok := r.GetUnary(ctx, "k")
	if !ok {
		t.Fatal("GetUnary miss after Put")
	}
	if got.ID != "chatcmpl-1" || len(got.Choices) != 1 {
		t.Errorf("got = %+v", got)
	}

	if _, ok := r.GetUnary(ctx, "missing"); ok {
		t.Error("GetUnary hit on missing key")
	}
}

func TestResponses_CorruptEntryEvicted(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	r := NewResponses(store)
	ctx := context.Background()

	store.Set(ctx, "bad", []byte("not json"), time.Minute)
	if _, ok := r.GetUnary(ctx, "bad"); ok {
		t.Fatal("corrupt entry served")
	}
	if _, ok := store.Get(ctx, "bad"); ok {
		t.Error("corrupt entry not deleted")
	}
}

func TestResponses_StreamCompletedOnly(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	r := NewResponses(store)
	ctx := context.Background()

	// Incomplete recordings are never stored.
	r.PutStream(ctx, "k", &StreamEntry{Meta: StreamMeta{Completed: false}}, time.Minute)
	if _, ok := store.Get(ctx, "k"); ok {
		t.Fatal("incomplete stream stored")
	}

	entry := &StreamEntry{
		Chunks: []StreamChunk{{Data: `{"n":1}`, EventID: 0}},
		Meta:   StreamMeta{Model: "gpt-4o", Provider: "openai", FinishReason: "stop", Completed: true},
	}
	r.PutStream(ctx, "k", entry, time.Minute)

	got, ok := r.GetStream(ctx, "k")
	if !ok {
		t.Fatal("GetStream miss after Put")
	}
	if len(got.Chunks) != 1 || got.Meta.FinishReason != "stop" {
		t.Errorf("got = %+v", got)
	}
}

func TestStreamEntry_ReplayPacingCapped(t *testing.T) {
	t.Parallel()
	entry := &StreamEntry{
		Chunks: []StreamChunk{
			{Data: "a", RelativeMS: 0},
			{Data: "b", RelativeMS: 10},
			{Data: "c", RelativeMS: 60_000}, // original gap of nearly a minute
		},
		Meta: StreamMeta{Completed: true},
	}

	var got []string
	start := time.Now()
	err := entry.Replay(context.Background(), func(c StreamChunk) error {
		got = append(got, c.Data)
		return nil
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("chunks = %v", got)
	}
	// The 60s recorded gap replays in at most one second (plus slack).
	if elapsed > 3*time.Second {
		t.Errorf("replay took %v, want gap capped at 1s", elapsed)
	}
}

func TestStreamEntry_ReplayCanceled(t *testing.T) {
	t.Parallel()
	entry := &StreamEntry{
		Chunks: []StreamChunk{
			{Data: "a", RelativeMS: 0},
			{Data: "b", RelativeMS: 800},
		},
		Meta: StreamMeta{Completed: true},
	}

	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	errCh := make(chan error, 1)
	go func() {
		errCh <- entry.Replay(ctx, func(c StreamChunk) error {
			got = append(got, c.Data)
			if len(got) == 1 {
				cancel()
			}
			return nil
		})
	}()

	err := <-errCh
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(got) != 1 {
		t.Errorf("chunks emitted = %d, want 1", len(got))
	}
}

func TestStreamRecorder(t *testing.T) {
	t.Parallel()
	rec := NewStreamRecorder("gpt-4o", "openai")
	rec.Record(`{"n":1}`, "")
	rec.Record(`{"n":2}`, "")

	entry := rec.Finish("stop")
	if entry == nil {
		t.Fatal("Finish returned nil")
	}
	if !entry.Meta.Completed {
		t.Error("Completed = false")
	}
	if len(entry.Chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(entry.Chunks))
	}
	if entry.Chunks[0].EventID != 0 || entry.Chunks[1].EventID != 1 {
		t.Errorf("event ids = %d/%d, want 0/1", entry.Chunks[0].EventID, entry.Chunks[1].EventID)
	}
}

func TestStreamRecorder_FailedStreamNotCached(t *testing.T) {
	t.Parallel()
	rec := NewStreamRecorder("gpt-4o", "openai")
	rec.Record(`{"n":1}`, "")
	rec.Fail()

	if entry := rec.Finish("stop"); entry != nil {
		t.Error("failed recording produced an entry")
	}
}

func TestMemory_RoundTrip(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, time.Minute)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	ctx := context.Background()

	m.Set(ctx, "k", []byte("v"), time.Minute)
	got, ok := m.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Errorf("Get = %q/%v, want v/true", got, ok)
	}

	m.Delete(ctx, "k")
	if _, ok := m.Get(ctx, "k"); ok {
		t.Error("Get hit after Delete")
	}
}

func TestMemory_PerEntryTTL(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100, time.Hour)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	ctx := context.Background()

	m.Set(ctx, "k", []byte("v"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if _, ok := m.Get(ctx, "k"); ok {
		t.Error("entry served past its TTL")
	}
}
