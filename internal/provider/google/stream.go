package google

import (
	"encoding/base64"
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/provider/sseutil"
)

// streamState converts streamGenerateContent SSE chunks into client-format
// chunks. Gemini sends no terminator event, so the finish chunks are emitted
// from finish() at stream end.
type streamState struct {
	id           string
	model        string
	usage        *gateway.Usage
	nativeFinish string
	toolCount    int
	imageBytes   int64
	imageCount   int
	grounding    int
	started      bool
	sigs         *Signatures
}

func newStreamState(model string, sigs *Signatures) *streamState {
	return &streamState{model: model, sigs: sigs}
}

// handleChunk processes one GenerateContentResponse chunk.
func (s *streamState) handleChunk(data string) []gateway.StreamChunk {
	r := gjson.Parse(data)
	var out []gateway.StreamChunk

	if s.id == "" {
		if rid := r.Get("responseId").String(); rid != "" {
			s.id = "chatcmpl-" + rid
		} else {
			s.id = "chatcmpl-" + s.model
		}
	}
	if !s.started {
		s.started = true
		out = append(out, gateway.StreamChunk{
			Data: sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"role": "assistant"}, ""),
		})
	}

	r.Get("candidates.0.content.parts").ForEach(func(_, p gjson.Result) bool {
		if text := p.Get("text"); text.Exists() && text.String() != "" {
			field := "content"
			if p.Get("thought").Bool() {
				field = "reasoning_content"
			}
			out = append(out, gateway.StreamChunk{
				Data: sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{field: text.String()}, ""),
			})
		}
		if fc := p.Get("functionCall"); fc.Exists() {
			name := fc.Get("name").String()
			s.sigs.Put(name, p.Get("thoughtSignature").String())
			chunk := sseutil.BuildToolCallDeltaChunk(s.id, s.model, s.toolCount, name, name, fc.Get("args").Raw)
			s.toolCount++
			out = append(out, gateway.StreamChunk{Data: chunk})
		}
		if img := p.Get("inlineData"); img.Exists() {
			out = append(out, s.onImage(img))
		}
		return true
	})

	// Grounding chunks arrive cumulatively; only the tail past the last
	// emitted count is new.
	if chunks := r.Get("candidates.0.groundingMetadata.groundingChunks"); chunks.Exists() {
		if anns := groundingAnnotations(chunks); len(anns) > s.grounding {
			out = append(out, gateway.StreamChunk{
				Data: sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"annotations": anns[s.grounding:]}, ""),
			})
			s.grounding = len(anns)
		}
	}

	if fr := r.Get("candidates.0.finishReason").String(); fr != "" {
		s.nativeFinish = fr
	}
	if br := r.Get("promptFeedback.blockReason").String(); br != "" && s.nativeFinish == "" {
		// Prompt-level blocks carry no candidates at all, only feedback.
		s.nativeFinish = br
	}
	if u := r.Get("usageMetadata"); u.Exists() {
		s.usage = parseUsage(u)
	}
	return out
}

// onImage emits a generated image as a data-URL delta and tracks its size.
func (s *streamState) onImage(img gjson.Result) gateway.StreamChunk {
	mimeType := img.Get("mimeType").String()
	data := img.Get("data").String()
	s.imageCount++
	if decoded, err := base64.StdEncoding.DecodeString(data); err == nil {
		s.imageBytes += int64(len(decoded))
	}
	delta := map[string]any{
		"images": []map[string]any{{
			"type": "image_url",
			"image_url": map[string]any{
				"url": fmt.Sprintf("data:%s;base64,%s", mimeType, data),
			},
		}},
	}
	return gateway.StreamChunk{Data: sseutil.BuildDeltaChunk(s.id, s.model, delta, "")}
}

// finish emits the finish, usage, and done chunks at stream end.
func (s *streamState) finish() []gateway.StreamChunk {
	finishReason := mapFinishReason(s.nativeFinish)
	if finishReason == "" {
		finishReason = "stop"
	}
	if s.toolCount > 0 && finishReason == "stop" {
		finishReason = "tool_calls"
	}

	out := []gateway.StreamChunk{
		{Data: sseutil.BuildFinishChunk(s.id, s.model, finishReason)},
	}
	if s.usage != nil {
		out = append(out, gateway.StreamChunk{
			Data:  sseutil.BuildUsageChunk(s.id, s.model, s.usage),
			Usage: s.usage,
		})
	}
	return append(out, gateway.StreamChunk{Done: true})
}

// ImageStats reports generated image counters for cost accounting.
func (s *streamState) ImageStats() (count int, bytes int64) {
	return s.imageCount, s.imageBytes
}

// NativeFinish returns the raw Gemini finish reason.
func (s *streamState) NativeFinish() string { return s.nativeFinish }
