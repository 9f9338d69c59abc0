package stream

import (
	"context"
	"errors"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/cache"
	"github.com/llmgateway/llmgateway/internal/heal"
	"github.com/llmgateway/llmgateway/internal/provider/sseutil"
)

// keepaliveInterval is how often a comment is written while the upstream is
// silent, keeping intermediaries from dropping the connection.
const keepaliveInterval = 15 * time.Second

var (
	doneData     = []byte("[DONE]")
	canceledData = []byte(`{"message":"request canceled by client"}`)
)

// Sink is the serialized per-request writer for outbound SSE.
type Sink interface {
	Send(data []byte, event string) error
	Comment(text string) error
}

// Options configures one pipeline run.
type Options struct {
	ChunkID  string // id echoed in synthesized chunks
	Model    string // catalog model id echoed to the client
	HealJSON bool   // buffer content and emit a single healed chunk
	// EstimateUsage fills in usage when the upstream never reported any.
	EstimateUsage func(acc *Accumulator) *gateway.Usage
	Recorder      *cache.StreamRecorder // nil disables cache capture
}

// Result is the post-stream state handed to cost accounting and logging.
type Result struct {
	Acc            *Accumulator
	Healed         *heal.Result
	UsageEstimated bool
	Canceled       bool
	Err            error
}

// Run relays adapter chunks to the sink until Done, an error chunk, or
// cancellation. The error cases mark the recorder failed so partial streams
// never reach the cache.
func Run(ctx context.Context, chunks <-chan gateway.StreamChunk, sink Sink, opts Options) *Result {
	res := &Result{Acc: NewAccumulator(time.Now())}
	var finishSent, usageSent bool

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	fail := func(err error) *Result {
		if opts.Recorder != nil {
			opts.Recorder.Fail()
		}
		res.Err = err
		return res
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fail(&gateway.RequestError{
					Kind:    gateway.KindTimeout,
					Code:    "upstream_timeout",
					Message: "stream exceeded the maximum duration",
				})
			}
			res.Canceled = true
			// The client usually went away, but buffering proxies may
			// still deliver the closing frames.
			_ = sink.Send(canceledData, "canceled")
			_ = sink.Send(doneData, "done")
			return fail(&gateway.RequestError{
				Kind:    gateway.KindCanceled,
				Code:    "request_canceled",
				Message: "client disconnected",
			})

		case <-keepalive.C:
			if err := sink.Comment("ping"); err != nil {
				res.Canceled = true
				return fail(err)
			}

		case chunk, ok := <-chunks:
			if !ok {
				// Channel closed without a Done sentinel: treat as complete.
				return finalize(res, sink, opts, finishSent, usageSent)
			}
			keepalive.Reset(keepaliveInterval)

			switch {
			case chunk.Err != nil:
				return fail(chunk.Err)

			case chunk.Done:
				return finalize(res, sink, opts, finishSent, usageSent)

			default:
				res.Acc.Observe(chunk.Data)
				if chunk.Usage != nil {
					res.Acc.Usage = chunk.Usage
				}
				facts := inspect(chunk.Data)
				if opts.HealJSON && (facts.content || facts.finish) {
					// Healing holds content and finish back so the repaired
					// payload goes out as a single chunk at stream end.
					continue
				}
				if err := emit(sink, opts.Recorder, chunk.Data, chunk.Event); err != nil {
					res.Canceled = true
					return fail(err)
				}
				finishSent = finishSent || facts.finish
				usageSent = usageSent || facts.usage
			}
		}
	}
}

// finalize runs the end-of-stream checks, emits any held-back content and
// the finish/usage chunks the upstream never produced, then the terminator.
func finalize(res *Result, sink Sink, opts Options, finishSent, usageSent bool) *Result {
	acc := res.Acc

	abort := func(err error) *Result {
		if opts.Recorder != nil {
			opts.Recorder.Fail()
		}
		res.Canceled = true
		res.Err = err
		return res
	}

	// A finished stream with zero output is an upstream failure unless it
	// ended on a safety filter, which adapters surface as content_filter.
	if acc.Empty() && acc.FinishReason != "content_filter" {
		if opts.Recorder != nil {
			opts.Recorder.Fail()
		}
		res.Err = &gateway.RequestError{
			Kind:    gateway.KindEmpty,
			Code:    "upstream_error",
			Message: "upstream produced no output",
		}
		return res
	}

	if opts.HealJSON && acc.Text() != "" {
		healed := heal.Heal(acc.Text())
		res.Healed = &healed
		chunk := sseutil.BuildDeltaChunk(opts.ChunkID, opts.Model,
			map[string]any{"content": healed.Content}, "")
		if err := emit(sink, opts.Recorder, chunk, ""); err != nil {
			return abort(err)
		}
	}

	if !finishSent {
		reason := acc.FinishReason
		if reason == "" {
			reason = "stop"
			if len(acc.ToolCalls()) > 0 {
				reason = "tool_calls"
			}
			acc.FinishReason = reason
		}
		chunk := sseutil.BuildFinishChunk(opts.ChunkID, opts.Model, reason)
		if err := emit(sink, opts.Recorder, chunk, ""); err != nil {
			return abort(err)
		}
	}

	if !usageSent {
		usage := acc.Usage
		if usage == nil && opts.EstimateUsage != nil {
			usage = opts.EstimateUsage(acc)
			if usage != nil {
				acc.Usage = usage
				res.UsageEstimated = true
			}
		}
		if usage != nil {
			chunk := sseutil.BuildUsageChunk(opts.ChunkID, opts.Model, usage)
			if err := emit(sink, opts.Recorder, chunk, ""); err != nil {
				return abort(err)
			}
		}
	}

	// The terminator bypasses the recorder: replays append their own so a
	// cached stream always ends correctly regardless of capture cutoff.
	if err := sink.Send(doneData, "done"); err != nil {
		return abort(err)
	}
	return res
}

func emit(sink Sink, rec *cache.StreamRecorder, data []byte, event string) error {
	if err := sink.Send(data, event); err != nil {
		return err
	}
	if rec != nil {
		rec.Record(string(data), event)
	}
	return nil
}

// chunkFacts is what the relay needs to know about an outbound chunk
// without re-parsing it downstream.
type chunkFacts struct {
	content bool
	finish  bool
	usage   bool
}

func inspect(data []byte) chunkFacts {
	var f chunkFacts
	r := gjson.ParseBytes(data)
	if u := r.Get("usage"); u.Exists() && u.Type != gjson.Null {
		f.usage = true
	}
	choice := r.Get("choices.0")
	if !choice.Exists() {
		return f
	}
	if fr := choice.Get("finish_reason"); fr.Exists() && fr.Type == gjson.String {
		f.finish = true
	}
	if c := choice.Get("delta.content"); c.Exists() && c.String() != "" {
		f.content = true
	}
	return f
}

// ErrIsCancel reports whether a pipeline error is a client cancellation.
func ErrIsCancel(err error) bool {
	var reqErr *gateway.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Kind == gateway.KindCanceled
	}
	return errors.Is(err, context.Canceled)
}
