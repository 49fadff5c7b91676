package pricing

import (
	"math"
	"testing"
)

func TestEstimateCost_KnownModel(t *testing.T) {
	cost := EstimateCost("gpt-4o", 1000, 500)
	if cost < 0.007 || cost > 0.008 {
		t.Fatalf("expected ~0.0075, got %f", cost)
	}
}

func TestEstimateCost_UnknownModel(t *testing.T) {
	cost := EstimateCost("unknown-model-xyz", 1000, 500)
	if cost != 0.0 {
		t.Fatalf("expected 0.0 for unknown model, got %f", cost)
	}
}

func TestLookup_LongestPrefix(t *testing.T) {
	tests := []struct {
		model  string
		prompt float64
		ok     bool
	}{
		{"gpt-4o-mini-2024-07-18", 0.15, true},
		{"gpt-4o-2024-08-06", 2.50, true},
		{"claude-sonnet-4-20250514", 3.00, true},
		{"Gemini-2.5-Flash-Lite", 0.0, true},
		{"llama-3", 0, false},
	}
	for _, tt := range tests {
		p, ok := Lookup(tt.model)
		if ok != tt.ok || p.PromptPer1M != tt.prompt {
			t.Errorf("Lookup(%q) = %+v, %v", tt.model, p, ok)
		}
	}
}

func TestPromptCost(t *testing.T) {
	cost, ok := PromptCost("claude-sonnet-4", 200_000)
	if !ok || math.Abs(cost-0.6) > 1e-9 {
		t.Fatalf("PromptCost = %f, %v", cost, ok)
	}
	if _, ok := PromptCost("test-model", 1000); ok {
		t.Fatal("unpriced model reported a cost")
	}
}
