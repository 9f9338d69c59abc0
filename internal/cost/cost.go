// Package cost computes the USD cost breakdown for a completed attempt from
// upstream usage counters and catalog prices. Pure computation; credit
// deduction and persistence happen elsewhere.
package cost

import (
	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/tokencount"
)

// imageInputTokens approximates the prompt tokens consumed by one input
// image, used for providers whose reported prompt_tokens exclude images.
const imageInputTokens = 560

// webSearchPrice is the flat USD price per web search invocation.
const webSearchPrice = 0.01

// dataStoragePricePerMTok is the USD price per million tokens stored when
// the organization retains payloads.
const dataStoragePricePerMTok = 0.05

// Inputs carries everything the accountant needs for one attempt.
type Inputs struct {
	Mapping *gateway.ProviderMapping
	Family  string // model family, selects the tokenizer

	Usage *gateway.Usage // upstream-reported, may be nil or partial

	// Tokenization fallback material when upstream usage is absent.
	Request    *gateway.ChatRequest
	OutputText string

	InputImages      int
	OutputImages     int
	ImageBytes       int64
	WebSearchCount   int
	ImagesNotCounted bool // provider excludes image tokens from prompt_tokens

	Retain   bool // organization retention_level == retain
	Canceled bool
	// BillCanceled applies prompt-token cost (plus one web-search unit when
	// the tool was active) to canceled attempts.
	BillCanceled bool
}

// Breakdown is the full cost result for one attempt.
type Breakdown struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int

	InputCost       float64
	OutputCost      float64
	CachedInputCost float64
	RequestCost     float64
	WebSearchCost   float64
	ImageInputCost  float64
	ImageOutputCost float64
	DataStorageCost float64
	TotalCost       float64

	EstimatedCost bool    // token counts came from the tokenizer fallback
	Discount      float64 // USD saved by the mapping discount
}

// Calculator computes cost breakdowns using a shared tokenizer.
type Calculator struct {
	counter *tokencount.Counter
}

// New returns a Calculator.
func New(counter *tokencount.Counter) *Calculator {
	return &Calculator{counter: counter}
}

// Compute produces the cost breakdown for one attempt.
func (c *Calculator) Compute(in Inputs) Breakdown {
	var b Breakdown
	m := in.Mapping

	b.PromptTokens, b.CompletionTokens, b.CachedTokens, b.EstimatedCost = c.canonicalTokens(in)

	if in.Canceled && !in.BillCanceled {
		return b
	}

	promptTokens := b.PromptTokens
	if in.ImagesNotCounted && in.InputImages > 0 {
		extra := in.InputImages * imageInputTokens
		promptTokens += extra
		b.PromptTokens = promptTokens
	}

	billable := promptTokens - b.CachedTokens
	if billable < 0 {
		billable = 0
	}
	b.InputCost = float64(billable) * m.InputPrice
	b.CachedInputCost = float64(b.CachedTokens) * m.CachedInputPrice

	webSearches := in.WebSearchCount
	if in.Canceled {
		// Canceled billing covers the prompt plus at most one search.
		if webSearches > 1 {
			webSearches = 1
		}
	} else {
		b.OutputCost = float64(b.CompletionTokens) * m.OutputPrice
		b.RequestCost = m.RequestPrice
		b.ImageInputCost = float64(in.InputImages) * m.ImageInputPrice
		b.ImageOutputCost = float64(in.OutputImages) * m.ImageOutputPrice
	}
	b.WebSearchCost = float64(webSearches) * webSearchPrice

	if in.Retain {
		stored := b.PromptTokens + b.CompletionTokens
		b.DataStorageCost = float64(stored) / 1e6 * dataStoragePricePerMTok
	}

	applyDiscount(&b, m.Discount)

	b.TotalCost = b.InputCost + b.OutputCost + b.CachedInputCost + b.RequestCost +
		b.WebSearchCost + b.ImageInputCost + b.ImageOutputCost + b.DataStorageCost
	return b
}

// EstimateUsage builds a usage block from tokenizer estimates, for streams
// whose upstream never reported usage.
func (c *Calculator) EstimateUsage(family string, req *gateway.ChatRequest, outputText string) *gateway.Usage {
	prompt := c.counter.EstimateRequest(family, req)
	completion := 0
	if outputText != "" {
		completion = c.counter.CountText(family, outputText)
	}
	return &gateway.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// canonicalTokens resolves token counts, preferring upstream usage and
// falling back to tokenizer estimates.
func (c *Calculator) canonicalTokens(in Inputs) (prompt, completion, cached int, estimated bool) {
	if in.Usage != nil {
		prompt = in.Usage.PromptTokens
		completion = in.Usage.CompletionTokens
		cached = in.Usage.CachedTokens()
	}
	if prompt == 0 && in.Request != nil {
		prompt = c.counter.EstimateRequest(in.Family, in.Request)
		estimated = true
	}
	if completion == 0 && in.OutputText != "" {
		completion = c.counter.CountText(in.Family, in.OutputText)
		estimated = true
	}
	return prompt, completion, cached, estimated
}

// applyDiscount reduces each price component by (1-d) for d in (0,1) and
// records the USD savings relative to the discounted amount.
func applyDiscount(b *Breakdown, d float64) {
	if d <= 0 || d >= 1 {
		return
	}
	factor := 1 - d
	components := []*float64{
		&b.InputCost, &b.OutputCost, &b.CachedInputCost, &b.RequestCost,
		&b.ImageInputCost, &b.ImageOutputCost,
	}
	var saved float64
	for _, p := range components {
		discounted := *p * factor
		saved += *p - discounted
		*p = discounted
	}
	b.Discount = saved
}

// FillUsage copies the breakdown into an OpenAI-format usage block.
func (b *Breakdown) FillUsage(u *gateway.Usage) {
	u.PromptTokens = b.PromptTokens
	u.CompletionTokens = b.CompletionTokens
	u.TotalTokens = b.PromptTokens + b.CompletionTokens
	if b.CachedTokens > 0 {
		u.PromptTokensDetails = &gateway.PromptTokensDetails{CachedTokens: b.CachedTokens}
	}
	u.CostTotal = b.TotalCost
	u.CostInput = b.InputCost
	u.CostOutput = b.OutputCost
	u.CostCachedInput = b.CachedInputCost
	u.CostRequest = b.RequestCost
	u.CostImageInput = b.ImageInputCost
	u.CostImageOutput = b.ImageOutputCost
}
