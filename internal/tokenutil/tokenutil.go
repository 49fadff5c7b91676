// Package tokenutil counts tokens for text under a per-model scheme.
//
// Exact counts come from a BPE vocabulary or the provider's counting API.
// Everything else is a documented heuristic and the result says so.
package tokenutil

import (
	"context"
	"math"
	"strings"
	"unicode/utf8"
)

// Scheme names how a model family turns text into a token count.
type Scheme string

const (
	SchemeBPE       Scheme = "bpe"
	SchemeChars     Scheme = "chars"
	SchemeWords     Scheme = "words"
	SchemeAnthropic Scheme = "anthropic"
)

// Valid reports whether s is a known scheme.
func (s Scheme) Valid() bool {
	switch s {
	case SchemeBPE, SchemeChars, SchemeWords, SchemeAnthropic:
		return true
	}
	return false
}

// Result is a token count and how it was obtained.
type Result struct {
	Tokens    int
	Estimated bool
	Scheme    Scheme
}

// Counter maps (text, model) to a token count. Implementations never fail:
// anything they cannot count exactly is estimated and marked as such.
type Counter interface {
	Count(ctx context.Context, text, model string) Result
}

// CounterFunc adapts a plain function to Counter.
type CounterFunc func(ctx context.Context, text, model string) Result

func (f CounterFunc) Count(ctx context.Context, text, model string) Result {
	return f(ctx, text, model)
}

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// EstimateChars returns ceil(runes/charsPerToken). A non-positive ratio
// falls back to DefaultCharsPerToken.
func EstimateChars(content string, charsPerToken float64) int {
	if content == "" {
		return 0
	}
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	n := utf8.RuneCountInString(content)
	return int(math.Ceil(float64(n) / charsPerToken))
}
