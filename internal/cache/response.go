package cache

import (
	"context"
	"encoding/json"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// maxReplayGap caps the inter-chunk delay during streaming replay so a
// cached stream never replays slower than one chunk per second.
const maxReplayGap = time.Second

// Responses caches complete client-format responses and recorded streams.
type Responses struct {
	store Store
}

// NewResponses wraps a byte store.
func NewResponses(store Store) *Responses {
	return &Responses{store: store}
}

// GetUnary returns a cached unary response.
func (r *Responses) GetUnary(ctx context.Context, key string) (*gateway.ChatResponse, bool) {
	b, ok := r.store.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var resp gateway.ChatResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		r.store.Delete(ctx, key)
		return nil, false
	}
	return &resp, true
}

// PutUnary stores a unary response under the project TTL.
func (r *Responses) PutUnary(ctx context.Context, key string, resp *gateway.ChatResponse, ttl time.Duration) {
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	r.store.Set(ctx, key, b, ttl)
}

// StreamChunk is one recorded chunk with its offset from stream start.
type StreamChunk struct {
	Data       string `json:"data"`
	EventID    int    `json:"event_id"`
	Event      string `json:"event,omitempty"`
	RelativeMS int64  `json:"relative_timestamp_ms"`
}

// StreamMeta describes a recorded stream.
type StreamMeta struct {
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	FinishReason string `json:"finish_reason"`
	DurationMS   int64  `json:"duration_ms"`
	Completed    bool   `json:"completed"`
}

// StreamEntry is a fully recorded stream.
type StreamEntry struct {
	Chunks []StreamChunk `json:"chunks"`
	Meta   StreamMeta    `json:"metadata"`
}

// GetStream returns a recorded stream.
func (r *Responses) GetStream(ctx context.Context, key string) (*StreamEntry, bool) {
	b, ok := r.store.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var entry StreamEntry
	if err := json.Unmarshal(b, &entry); err != nil || !entry.Meta.Completed {
		r.store.Delete(ctx, key)
		return nil, false
	}
	return &entry, true
}

// PutStream stores a recorded stream. Incomplete recordings are dropped.
func (r *Responses) PutStream(ctx context.Context, key string, entry *StreamEntry, ttl time.Duration) {
	if !entry.Meta.Completed {
		return
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	r.store.Set(ctx, key, b, ttl)
}

// Replay emits the recorded chunks with their original pacing, each gap
// capped at maxReplayGap. Returns early when ctx is canceled.
func (e *StreamEntry) Replay(ctx context.Context, emit func(StreamChunk) error) error {
	var prev int64
	for _, c := range e.Chunks {
		gap := time.Duration(c.RelativeMS-prev) * time.Millisecond
		if gap > maxReplayGap {
			gap = maxReplayGap
		}
		prev = c.RelativeMS
		if gap > 0 {
			t := time.NewTimer(gap)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err := emit(c); err != nil {
			return err
		}
	}
	return nil
}

// StreamRecorder accumulates chunks during a live stream for later caching.
type StreamRecorder struct {
	start  time.Time
	chunks []StreamChunk
	nextID int
	failed bool
	meta   StreamMeta
}

// NewStreamRecorder starts a recording.
func NewStreamRecorder(model, provider string) *StreamRecorder {
	return &StreamRecorder{
		start: time.Now(),
		meta:  StreamMeta{Model: model, Provider: provider},
	}
}

// Record appends one emitted chunk.
func (r *StreamRecorder) Record(data, event string) {
	r.chunks = append(r.chunks, StreamChunk{
		Data:       data,
		EventID:    r.nextID,
		Event:      event,
		RelativeMS: time.Since(r.start).Milliseconds(),
	})
	r.nextID++
}

// Fail marks the recording unusable; Finish will then return nothing.
func (r *StreamRecorder) Fail() { r.failed = true }

// Finish closes the recording. Returns nil when the stream errored.
func (r *StreamRecorder) Finish(finishReason string) *StreamEntry {
	if r.failed {
		return nil
	}
	r.meta.FinishReason = finishReason
	r.meta.DurationMS = time.Since(r.start).Milliseconds()
	r.meta.Completed = true
	return &StreamEntry{Chunks: r.chunks, Meta: r.meta}
}
