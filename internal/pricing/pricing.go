// Package pricing estimates what resending a context window costs.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Known model pricing as of Feb 2026. Longest prefix wins.
var knownModels = map[string]ModelPricing{
	// Gemini
	"gemini-1.5-pro":        {1.25, 5.00},
	"gemini-2.0-flash":      {0.10, 0.40},
	"gemini-2.5-flash":      {0.075, 0.30},
	"gemini-2.5-flash-lite": {0.0, 0.0},
	// Anthropic
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-opus-4":     {15.00, 75.00},
	"claude-haiku-4":    {1.00, 5.00},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
}

// Lookup returns the pricing of the longest known prefix of model.
func Lookup(model string) (ModelPricing, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	best, found := "", false
	for prefix := range knownModels {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, found = prefix, true
		}
	}
	if !found {
		return ModelPricing{}, false
	}
	return knownModels[best], true
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown models.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}

// PromptCost is the cost of sending a window of tokens as the prompt of one
// request, and whether the model is priced.
func PromptCost(model string, tokens int) (float64, bool) {
	if _, ok := Lookup(model); !ok {
		return 0, false
	}
	return EstimateCost(model, tokens, 0), true
}
