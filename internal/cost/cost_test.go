package cost

import (
	"math"
	"testing"

	gateway "github.com/llmgateway/llmgateway/internal"
	"github.com/llmgateway/llmgateway/internal/tokencount"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func testMapping() *gateway.ProviderMapping {
	return &gateway.ProviderMapping{
		ProviderID:       "openai",
		ModelName:        "gpt-4o",
		InputPrice:       0.000002,
		OutputPrice:      0.00001,
		CachedInputPrice: 0.000001,
		RequestPrice:     0.0001,
	}
}

func TestCompute_UpstreamUsage(t *testing.T) {
	t.Parallel()
	calc := New(tokencount.NewCounter())

	b := calc.Compute(Inputs{
		Mapping: testMapping(),
		Family:  "claude",
		Usage:   &gateway.Usage{PromptTokens: 1000, CompletionTokens: 500},
	})

	if b.PromptTokens != 1000 || b.CompletionTokens != 500 {
		t.Errorf("tokens = %d/%d, want 1000/500", b.PromptTokens, b.CompletionTokens)
	}
	if b.EstimatedCost {
		t.Error("EstimatedCost = true, want false for upstream usage")
	}
	if !almostEqual(b.InputCost, 1000*0.000002) {
		t.Errorf("InputCost = %v", b.InputCost)
	}
	if !almostEqual(b.OutputCost, 500*0.00001) {
		t.Errorf("OutputCost = %v", b.OutputCost)
	}
	if !almostEqual(b.RequestCost, 0.0001) {
		t.Errorf("RequestCost = %v", b.RequestCost)
	}
	wantTotal := 1000*0.000002 + 500*0.00001 + 0.0001
	if !almostEqual(b.TotalCost, wantTotal) {
		t.Errorf("TotalCost = %v, want %v", b.TotalCost, wantTotal)
	}
}

func TestCompute_CachedTokensBilledSeparately(t *testing.T) {
	t.Parallel()
	calc := New(tokencount.NewCounter())

	b := calc.Compute(Inputs{
		Mapping: testMapping(),
		Family:  "claude",
		Usage: &gateway.Usage{
			PromptTokens:        1000,
			CompletionTokens:    0,
			PromptTokensDetails: &gateway.PromptTokensDetails{CachedTokens: 400},
		},
	})

	if !almostEqual(b.InputCost, 600*0.000002) {
		t.Errorf("InputCost = %v, want billable 600 tokens", b.InputCost)
	}
	if !almostEqual(b.CachedInputCost, 400*0.000001) {
		t.Errorf("CachedInputCost = %v", b.CachedInputCost)
	}
}

func TestCompute_CanceledUnbilled(t *testing.T) {
	t.Parallel()
	calc := New(tokencount.NewCounter())

	b := calc.Compute(Inputs{
		Mapping:  testMapping(),
		Family:   "claude",
		Usage:    &gateway.Usage{PromptTokens: 1000, CompletionTokens: 500},
		Canceled: true,
	})

	if b.TotalCost != 0 {
		t.Errorf("TotalCost = %v, want 0 for unbilled cancel", b.TotalCost)
	}
	if b.PromptTokens != 1000 {
		t.Errorf("PromptTokens = %d, token counts should still resolve", b.PromptTokens)
	}
}

func TestCompute_CanceledBilled(t *testing.T) {
	t.Parallel()
	calc := New(tokencount.NewCounter())

	b := calc.Compute(Inputs{
		Mapping:        testMapping(),
		Family:         "claude",
		Usage:          &gateway.Usage{PromptTokens: 1000, CompletionTokens: 500},
		WebSearchCount: 3,
		Canceled:       true,
		BillCanceled:   true,
	})

	if !almostEqual(b.InputCost, 1000*0.000002) {
		t.Errorf("InputCost = %v", b.InputCost)
	}
	if b.OutputCost != 0 {
		t.Errorf("OutputCost = %v, want 0 on cancel", b.OutputCost)
	}
	if b.RequestCost != 0 {
		t.Errorf("RequestCost = %v, want 0 on cancel", b.RequestCost)
	}
	// Canceled billing covers at most one search.
	if !almostEqual(b.WebSearchCost, 0.01) {
		t.Errorf("WebSearchCost = %v, want one search unit", b.WebSearchCost)
	}
}

func TestCompute_ImageTokensAddedWhenNotCounted(t *testing.T) {
	t.Parallel()
	calc := New(tokencount.NewCounter())

	b := calc.Compute(Inputs{
		Mapping:          testMapping(),
		Family:           "claude",
		Usage:            &gateway.Usage{PromptTokens: 100},
		InputImages:      2,
		ImagesNotCounted: true,
	})

	want := 100 + 2*imageInputTokens
	if b.PromptTokens != want {
		t.Errorf("PromptTokens = %d, want %d", b.PromptTokens, want)
	}
	if !almostEqual(b.InputCost, float64(want)*0.000002) {
		t.Errorf("InputCost = %v", b.InputCost)
	}
}

func TestCompute_TokenizerFallback(t *testing.T) {
	t.Parallel()
	calc := New(tokencount.NewCounter())

	b := calc.Compute(Inputs{
		Mapping: testMapping(),
		Family:  "claude",
		Request: &gateway.ChatRequest{
			Messages: []gateway.Message{{Role: "user", Content: []byte(`"hello"`)}},
		},
		OutputText: "abcdefgh",
	})

	if !b.EstimatedCost {
		t.Error("EstimatedCost = false, want true for tokenizer fallback")
	}
	if b.PromptTokens == 0 || b.CompletionTokens == 0 {
		t.Errorf("tokens = %d/%d, want non-zero estimates", b.PromptTokens, b.CompletionTokens)
	}
}

func TestCompute_RetentionStorageCost(t *testing.T) {
	t.Parallel()
	calc := New(tokencount.NewCounter())

	b := calc.Compute(Inputs{
		Mapping: testMapping(),
		Family:  "claude",
		Usage:   &gateway.Usage{PromptTokens: 500_000, CompletionTokens: 500_000},
		Retain:  true,
	})

	if !almostEqual(b.DataStorageCost, 0.05) {
		t.Errorf("DataStorageCost = %v, want 0.05 for 1M stored tokens", b.DataStorageCost)
	}
}

func TestCompute_DiscountAppliesToMeteredComponents(t *testing.T) {
	t.Parallel()
	calc := New(tokencount.NewCounter())

	m := testMapping()
	m.Discount = 0.5
	b := calc.Compute(Inputs{
		Mapping:        m,
		Family:         "claude",
		Usage:          &gateway.Usage{PromptTokens: 1000, CompletionTokens: 500},
		WebSearchCount: 1,
	})

	if !almostEqual(b.InputCost, 1000*0.000002*0.5) {
		t.Errorf("InputCost = %v, want halved", b.InputCost)
	}
	if !almostEqual(b.OutputCost, 500*0.00001*0.5) {
		t.Errorf("OutputCost = %v, want halved", b.OutputCost)
	}
	// Web search is a gateway charge, never discounted.
	if !almostEqual(b.WebSearchCost, 0.01) {
		t.Errorf("WebSearchCost = %v, want undiscounted", b.WebSearchCost)
	}
	wantSaved := 1000*0.000002*0.5 + 500*0.00001*0.5 + 0.0001*0.5
	if !almostEqual(b.Discount, wantSaved) {
		t.Errorf("Discount = %v, want %v", b.Discount, wantSaved)
	}
}

func TestApplyDiscount_Bounds(t *testing.T) {
	t.Parallel()
	for _, d := range []float64{0, -0.5, 1, 1.5} {
		b := Breakdown{InputCost: 1}
		applyDiscount(&b, d)
		if b.InputCost != 1 || b.Discount != 0 {
			t.Errorf("discount %v mutated breakdown: %+v", d, b)
		}
	}
}

func TestEstimateUsage(t *testing.T) {
	t.Parallel()
	calc := New(tokencount.NewCounter())

	u := calc.EstimateUsage("claude", &gateway.ChatRequest{
		Messages: []gateway.Message{{Role: "user", Content: []byte(`"hello there"`)}},
	}, "some output text")

	if u.PromptTokens == 0 || u.CompletionTokens == 0 {
		t.Errorf("usage = %d/%d, want non-zero", u.PromptTokens, u.CompletionTokens)
	}
	if u.TotalTokens != u.PromptTokens+u.CompletionTokens {
		t.Errorf("TotalTokens = %d, want sum", u.TotalTokens)
	}
}

func TestFillUsage(t *testing.T) {
	t.Parallel()
	b := Breakdown{
		PromptTokens:     100,
		CompletionTokens: 50,
		CachedTokens:     10,
		InputCost:        0.001,
		OutputCost:       0.002,
		TotalCost:        0.003,
	}
	var u gateway.Usage
	b.FillUsage(&u)

	if u.TotalTokens != 150 {
		t.Errorf("TotalTokens = %d, want 150", u.TotalTokens)
	}
	if u.PromptTokensDetails == nil || u.PromptTokensDetails.CachedTokens != 10 {
		t.Errorf("PromptTokensDetails = %+v", u.PromptTokensDetails)
	}
	if !almostEqual(u.CostTotal, 0.003) {
		t.Errorf("CostTotal = %v", u.CostTotal)
	}
}
