// Package google implements the provider adapter for the Gemini API.
package google

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/provider"
)

// Thinking budgets by reasoning effort, in tokens.
var effortBudgets = map[string]int{
	"minimal": 512,
	"low":     1024,
	"medium":  8192,
	"high":    24576,
}

// Gemini finish reasons mapped to the content_filter finish. Everything on
// this list is a safety termination, not an upstream failure; the mapping
// keeps empty safety-terminated responses from being reclassified as errors
// on both the unary and streaming paths.
var safetyFinishReasons = map[string]bool{
	"SAFETY":             true,
	"PROHIBITED_CONTENT": true,
	"RECITATION":         true,
	"BLOCKLIST":          true,
	"SPII":               true,
	"OTHER":              true,
}

type nativeRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Tools             []tool            `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string          `json:"text,omitempty"`
	InlineData       *inlineData     `json:"inlineData,omitempty"`
	FileData         *fileData       `json:"fileData,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
	ThoughtSignature string          `json:"thoughtSignature,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type fileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type tool struct {
	FunctionDeclarations json.RawMessage `json:"functionDeclarations,omitempty"`
	GoogleSearch         json.RawMessage `json:"googleSearch,omitempty"`
}

type generationConfig struct {
	Temperature        *float64        `json:"temperature,omitempty"`
	TopP               *float64        `json:"topP,omitempty"`
	MaxOutputTokens    *int            `json:"maxOutputTokens,omitempty"`
	StopSequences      json.RawMessage `json:"stopSequences,omitempty"`
	ResponseMimeType   string          `json:"responseMimeType,omitempty"`
	ResponseSchema     json.RawMessage `json:"responseSchema,omitempty"`
	ThinkingConfig     *thinkingConfig `json:"thinkingConfig,omitempty"`
	ResponseModalities []string        `json:"responseModalities,omitempty"`
}

type thinkingConfig struct {
	ThinkingBudget  int  `json:"thinkingBudget"`
	IncludeThoughts bool `json:"includeThoughts"`
}

// translateRequest converts a client-format request to generateContent.
func translateRequest(a *provider.Attempt, sigs *Signatures) *nativeRequest {
	req := a.Request
	m := a.Mapping
	out := &nativeRequest{}

	cfg := &generationConfig{
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   translateStop(req.Stop),
	}
	if m.SupportsParam("temperature") {
		cfg.Temperature = req.Temperature
	}
	if m.SupportsParam("top_p") {
		cfg.TopP = req.TopP
	}
	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "json_object":
			cfg.ResponseMimeType = "application/json"
		case "json_schema":
			cfg.ResponseMimeType = "application/json"
			cfg.ResponseSchema = rf.Schema
		}
	}
	if effort := req.EffectiveReasoningEffort(); effort != "" && m.Reasoning {
		budget := effortBudgets[effort]
		if budget == 0 {
			budget = effortBudgets["medium"]
		}
		if rmt := req.ReasoningMaxTokens(); rmt != nil {
			budget = *rmt
		}
		cfg.ThinkingConfig = &thinkingConfig{ThinkingBudget: budget, IncludeThoughts: true}
	} else if req.NoReasoning && m.Reasoning {
		cfg.ThinkingConfig = &thinkingConfig{ThinkingBudget: 0}
	}
	if req.ImageConfig != nil {
		cfg.ResponseModalities = []string{"TEXT", "IMAGE"}
	}
	out.GenerationConfig = cfg

	if fns := req.FunctionTools(); len(fns) > 0 {
		decls := make([]json.RawMessage, 0, len(fns))
		for _, t := range fns {
			decls = append(decls, t.Function)
		}
		raw, _ := json.Marshal(decls)
		out.Tools = append(out.Tools, tool{FunctionDeclarations: raw})
	}
	if req.HasWebSearchTool() {
		out.Tools = append(out.Tools, tool{GoogleSearch: json.RawMessage(`{}`)})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			text := contentAsText(msg.Content)
			if out.SystemInstruction == nil {
				out.SystemInstruction = &content{Parts: []part{{Text: text}}}
			} else {
				out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, part{Text: text})
			}
		case "user":
			out.Contents = append(out.Contents, content{Role: "user", Parts: translateParts(msg.Content)})
		case "assistant":
			out.Contents = append(out.Contents, translateAssistant(msg, sigs))
		case "tool":
			fr, _ := json.Marshal(map[string]any{
				"name":     msg.ToolCallID,
				"response": map[string]any{"result": json.RawMessage(normalizeJSON(msg.Content))},
			})
			out.Contents = append(out.Contents, content{
				Role:  "user",
				Parts: []part{{FunctionResponse: fr}},
			})
		}
	}
	return out
}

// translateParts converts string-or-parts content, mapping image parts to
// inlineData or fileData.
func translateParts(raw json.RawMessage) []part {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] != '[' {
		return []part{{Text: contentAsText(raw)}}
	}
	var parts []part
	gjson.ParseBytes(raw).ForEach(func(_, p gjson.Result) bool {
		switch p.Get("type").String() {
		case "text":
			parts = append(parts, part{Text: p.Get("text").String()})
		case "image_url", "input_image":
			url := p.Get("image_url.url").String()
			if url == "" {
				url = p.Get("image_url").String()
			}
			if data, ok := strings.CutPrefix(url, "data:"); ok {
				mimeType, b64, found := strings.Cut(data, ";base64,")
				if found {
					parts = append(parts, part{InlineData: &inlineData{MimeType: mimeType, Data: b64}})
				}
			} else if url != "" {
				parts = append(parts, part{FileData: &fileData{FileURI: url}})
			}
		}
		return true
	})
	return parts
}

// translateAssistant converts a prior assistant turn, replaying stored tool
// calls as functionCall parts with their captured thought signatures.
func translateAssistant(msg gateway.Message, sigs *Signatures) content {
	c := content{Role: "model"}
	if text := contentAsText(msg.Content); text != "" {
		c.Parts = append(c.Parts, part{Text: text})
	}
	if len(msg.ToolCalls) > 0 {
		gjson.ParseBytes(msg.ToolCalls).ForEach(func(_, tc gjson.Result) bool {
			name := tc.Get("function.name").String()
			fc, _ := json.Marshal(map[string]any{
				"name": name,
				"args": json.RawMessage(normalizeJSON([]byte(tc.Get("function.arguments").String()))),
			})
			c.Parts = append(c.Parts, part{FunctionCall: fc, ThoughtSignature: sigs.Get(name)})
			return true
		})
	}
	if len(c.Parts) == 0 {
		c.Parts = []part{{Text: ""}}
	}
	return c
}

// normalizeJSON guarantees valid JSON, quoting raw text payloads.
func normalizeJSON(raw []byte) []byte {
	if json.Valid(raw) {
		return raw
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}

func translateStop(stop json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(stop))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		return json.RawMessage("[" + trimmed + "]")
	}
	return stop
}

func contentAsText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var b strings.Builder
	gjson.ParseBytes(raw).ForEach(func(_, p gjson.Result) bool {
		if p.Get("type").String() == "text" {
			b.WriteString(p.Get("text").String())
		}
		return true
	})
	return b.String()
}

// translateResponse converts a generateContent JSON response to client format.
func translateResponse(model string, data []byte, sigs *Signatures) (*gateway.ChatResponse, error) {
	r := gjson.ParseBytes(data)

	nativeFinish := r.Get("candidates.0.finishReason").String()
	if nativeFinish == "" {
		// Prompt-level blocks carry no candidates at all, only feedback.
		nativeFinish = r.Get("promptFeedback.blockReason").String()
	}
	stopReason := mapFinishReason(nativeFinish)

	var contentText, reasoningText strings.Builder
	var toolCalls []json.RawMessage
	r.Get("candidates.0.content.parts").ForEach(func(_, p gjson.Result) bool {
		if text := p.Get("text"); text.Exists() {
			if p.Get("thought").Bool() {
				reasoningText.WriteString(text.String())
			} else {
				contentText.WriteString(text.String())
			}
		}
		if fc := p.Get("functionCall"); fc.Exists() {
			name := fc.Get("name").String()
			sigs.Put(name, p.Get("thoughtSignature").String())
			tc, _ := json.Marshal(map[string]any{
				"id":   name, // Gemini has no separate call ids
				"type": "function",
				"function": map[string]any{
					"name":      name,
					"arguments": fc.Get("args").Raw,
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	msg := gateway.Message{Role: "assistant", ReasoningContent: reasoningText.String()}
	if contentText.Len() > 0 {
		ct, _ := json.Marshal(contentText.String())
		msg.Content = ct
	}
	if len(toolCalls) > 0 {
		tc, _ := json.Marshal(toolCalls)
		msg.ToolCalls = tc
		if stopReason == "" || stopReason == "stop" {
			stopReason = "tool_calls"
		}
	}
	if anns := groundingAnnotations(r.Get("candidates.0.groundingMetadata.groundingChunks")); len(anns) > 0 {
		raw, _ := json.Marshal(anns)
		msg.Annotations = raw
	}

	var usage *gateway.Usage
	if u := r.Get("usageMetadata"); u.Exists() {
		usage = parseUsage(u)
	}

	return &gateway.ChatResponse{
		ID:      "chatcmpl-" + r.Get("responseId").String(),
		Object:  "chat.completion",
		Model:   model,
		Choices: []gateway.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   usage,
	}, nil
}

// groundingAnnotations converts grounding chunks to url_citation annotations.
// The accountant charges one web search per annotation entry.
func groundingAnnotations(chunks gjson.Result) []map[string]any {
	var anns []map[string]any
	chunks.ForEach(func(_, ch gjson.Result) bool {
		anns = append(anns, map[string]any{
			"type": "url_citation",
			"url_citation": map[string]string{
				"url":   ch.Get("web.uri").String(),
				"title": ch.Get("web.title").String(),
			},
		})
		return true
	})
	return anns
}

// parseUsage converts Gemini usageMetadata, folding thought tokens into the
// reasoning counter and cached content into the cached prompt detail.
func parseUsage(u gjson.Result) *gateway.Usage {
	usage := &gateway.Usage{
		PromptTokens:     int(u.Get("promptTokenCount").Int()),
		CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
		TotalTokens:      int(u.Get("totalTokenCount").Int()),
		ReasoningTokens:  int(u.Get("thoughtsTokenCount").Int()),
	}
	if cached := u.Get("cachedContentTokenCount"); cached.Exists() && cached.Int() > 0 {
		usage.PromptTokensDetails = &gateway.PromptTokensDetails{CachedTokens: int(cached.Int())}
	}
	return usage
}

// mapFinishReason converts Gemini finish reasons to OpenAI finish reasons.
func mapFinishReason(reason string) string {
	switch {
	case reason == "STOP":
		return "stop"
	case reason == "MAX_TOKENS":
		return "length"
	case safetyFinishReasons[reason]:
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}
