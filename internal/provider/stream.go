package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/tidwall/gjson"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/provider/sseutil"
)

// EventHandler turns one upstream SSE event into zero or more client-format
// chunks. Returning a chunk with Done set ends the stream.
type EventHandler func(ev sseutil.Event) []gateway.StreamChunk

// StreamSSE runs the shared SSE read loop for an upstream response body:
// bytes go through the reassembly framer, complete events through handle,
// and the resulting chunks onto the returned channel. The channel is closed
// after a Done sentinel or an error chunk.
func StreamSSE(ctx context.Context, providerID string, body io.ReadCloser, maxBuffer int, handle EventHandler, finish func() []gateway.StreamChunk) <-chan gateway.StreamChunk {
	ch := make(chan gateway.StreamChunk, 8)
	go func() {
		defer close(ch)
		defer body.Close()

		framer := sseutil.NewFramer(maxBuffer)
		buf := make([]byte, 32*1024)

		emit := func(chunks []gateway.StreamChunk) bool {
			for _, c := range chunks {
				select {
				case ch <- c:
					if c.Done || c.Err != nil {
						return false
					}
				case <-ctx.Done():
					ch <- gateway.StreamChunk{Err: WrapTransportError(providerID, ctx.Err())}
					return false
				}
			}
			return true
		}

		for {
			n, readErr := body.Read(buf)
			if n > 0 {
				if err := framer.Write(buf[:n]); err != nil {
					ch <- gateway.StreamChunk{Err: &gateway.RequestError{
						Kind:    gateway.KindInternal,
						Code:    "buffer_overflow",
						Message: err.Error(),
					}}
					return
				}
				for {
					ev, res := framer.Next()
					if res == sseutil.NeedMore {
						break
					}
					if res == sseutil.InvalidFrame {
						continue
					}
					// Malformed payloads are recorded and skipped, never fatal.
					if ev.Data != "" && ev.Data != "[DONE]" && !gjson.Valid(ev.Data) {
						slog.LogAttrs(ctx, slog.LevelWarn, "json_parse_error",
							slog.String("provider", providerID),
							slog.Int("bytes", len(ev.Data)))
						continue
					}
					if !emit(handle(ev)) {
						return
					}
				}
			}
			if readErr != nil {
				if errors.Is(readErr, io.EOF) {
					if ev, ok := framer.Flush(); ok {
						if !emit(handle(ev)) {
							return
						}
					}
					if finish != nil {
						emit(finish())
					}
					return
				}
				ch <- gateway.StreamChunk{Err: WrapTransportError(providerID, readErr)}
				return
			}
		}
	}()
	return ch
}
