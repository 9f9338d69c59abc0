// Package tokencount provides token estimation for context-size checks,
// routing, and billing fallback. GPT-family models use tiktoken encodings;
// other families fall back to a ~4 chars per token heuristic.
package tokencount

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// Counter estimates token counts for requests and text.
// Safe for concurrent use; encodings are loaded lazily and cached.
type Counter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// encodingForFamily maps a model family to a tiktoken encoding name.
// Families without a known encoding return "" and use the heuristic.
func encodingForFamily(family string) string {
	switch {
	case strings.HasPrefix(family, "gpt"), strings.HasPrefix(family, "o1"),
		strings.HasPrefix(family, "o3"), strings.HasPrefix(family, "o4"):
		return "o200k_base"
	default:
		return ""
	}
}

func (c *Counter) encoding(family string) *tiktoken.Tiktoken {
	name := encodingForFamily(family)
	if name == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[name]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		// Offline or unknown encoding: remember the miss and fall back.
		enc = nil
	}
	c.encodings[name] = enc
	return enc
}

// CountText counts tokens for a plain text string using the family's
// tokenizer, or the chars/4 heuristic when none is available.
func (c *Counter) CountText(family, text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoding(family); enc != nil {
		return max(len(enc.Encode(text, nil, nil)), 1)
	}
	return max(estimateTokens(text), 1)
}

// EstimateRequest estimates the total prompt token count for a chat
// completion request, including tools. Accounts for per-message overhead
// per the OpenAI tokenization spec.
func (c *Counter) EstimateRequest(family string, req *gateway.ChatRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += messageOverhead
		total += c.CountText(family, m.Role)
		total += c.CountText(family, ContentText(m.Content))
		if m.Name != "" {
			total += c.CountText(family, m.Name) + 1 // name costs 1 extra token
		}
		if len(m.ToolCalls) > 0 {
			total += c.CountText(family, string(m.ToolCalls))
		}
		if m.ToolCallID != "" {
			total += c.CountText(family, m.ToolCallID)
		}
	}
	for _, t := range req.Tools {
		total += c.CountText(family, string(t.Function))
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// messageOverhead is the per-message token overhead for current chat models.
const messageOverhead = 4

// ContentText flattens a content field (string or parts array) to the text
// that contributes to prompt tokens. Image parts are priced separately.
func ContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}

// estimateTokens uses the ~4 characters per token heuristic.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
