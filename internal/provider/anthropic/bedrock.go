package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/provider"
)

// Truncation caps keep a hostile exception frame from ballooning error text
// stored in attempt logs.
const (
	maxExceptionType = 64
	maxExceptionBody = 512
)

// bedrockFrames pulls Anthropic event JSON out of an AWS binary event
// stream. Each event frame's payload is {"bytes":"<base64>"} wrapping one
// standard Anthropic SSE event.
type bedrockFrames struct {
	body    io.Reader
	decoder *eventstream.Decoder
}

// next returns the decoded event JSON of the next event frame, skipping
// frame types the gateway does not consume. io.EOF signals a clean end;
// exception frames surface as typed request errors.
func (f *bedrockFrames) next() ([]byte, error) {
	for {
		msg, err := f.decoder.Decode(f.body, nil)
		if err != nil {
			return nil, err
		}
		switch stringHeader(msg.Headers, ":message-type") {
		case "event":
			return decodeFramePayload(msg.Payload)
		case "exception":
			return nil, exceptionError(msg)
		}
	}
}

// readBedrockStream feeds decoded Bedrock events to the shared Anthropic
// stream state machine until the stream ends or a terminal chunk is emitted.
func readBedrockStream(ctx context.Context, providerID string, body io.ReadCloser, state *streamState, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer body.Close()

	frames := &bedrockFrames{body: body, decoder: eventstream.NewDecoder()}
	for {
		event, err := frames.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var reqErr *gateway.RequestError
			if !errors.As(err, &reqErr) {
				err = provider.WrapTransportError(providerID, err)
			}
			ch <- gateway.StreamChunk{Err: err}
			return
		}

		eventType := gjson.GetBytes(event, "type").String()
		if eventType == "" {
			continue
		}
		for _, c := range state.handleEvent(eventType, string(event)) {
			select {
			case ch <- c:
				if c.Done || c.Err != nil {
					return
				}
			case <-ctx.Done():
				ch <- gateway.StreamChunk{Err: provider.WrapTransportError(providerID, ctx.Err())}
				return
			}
		}
	}
}

func exceptionError(msg eventstream.Message) error {
	kind := stringHeader(msg.Headers, ":exception-type")
	if len(kind) > maxExceptionType {
		kind = kind[:maxExceptionType]
	}
	body := msg.Payload
	if len(body) > maxExceptionBody {
		body = body[:maxExceptionBody]
	}
	return &gateway.RequestError{
		Kind:    gateway.KindTransient,
		Code:    "upstream_stream_error",
		Message: "bedrock exception: " + kind,
		Body:    string(body),
	}
}

// stringHeader reads a string-typed frame header, or "" when absent.
func stringHeader(headers eventstream.Headers, name string) string {
	if sv, ok := headers.Get(name).(eventstream.StringValue); ok {
		return string(sv)
	}
	return ""
}

// decodeFramePayload unwraps the {"bytes":"<base64>"} envelope.
func decodeFramePayload(payload []byte) ([]byte, error) {
	b64 := gjson.GetBytes(payload, "bytes").String()
	if b64 == "" {
		return nil, &gateway.RequestError{
			Kind:    gateway.KindTransient,
			Code:    "upstream_stream_error",
			Message: "bedrock frame is missing the bytes field",
		}
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, &gateway.RequestError{
			Kind:    gateway.KindTransient,
			Code:    "upstream_stream_error",
			Message: fmt.Sprintf("bedrock frame payload: %v", err),
		}
	}
	return raw, nil
}
