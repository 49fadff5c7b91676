package tokenutil

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// DefaultCharsPerToken is the chars heuristic ratio used when a family
	// does not set one.
	DefaultCharsPerToken = 4.0

	// ConservativeCharsPerToken bounds the ratio used for unknown models.
	// A lower ratio over-counts, which keeps budget checks on the safe side.
	ConservativeCharsPerToken = 3.0

	// DefaultMaxTokens is the budget assumed for models missing from the table.
	DefaultMaxTokens = 128_000
)

// Family describes one model or model-id prefix. A Match ending in "*" is
// a prefix pattern; anything else must equal the model id.
type Family struct {
	Match         string
	MaxTokens     int
	Scheme        Scheme
	Encoding      string
	CharsPerToken float64
}

func (f Family) prefix() (string, bool) {
	if strings.HasSuffix(f.Match, "*") {
		return strings.TrimSuffix(f.Match, "*"), true
	}
	return "", false
}

func (f Family) ratio() float64 {
	if f.CharsPerToken > 0 {
		return f.CharsPerToken
	}
	return DefaultCharsPerToken
}

// ModelTable resolves model ids to families. It is built once and only read
// afterwards, so it is safe to share between sessions.
type ModelTable struct {
	exact    map[string]Family
	prefixes []Family // longest prefix first
	minRatio float64
}

// DefaultFamilies is the built-in table used when configuration adds nothing.
func DefaultFamilies() []Family {
	return []Family{
		{Match: "gpt-4o*", MaxTokens: 128_000, Scheme: SchemeBPE, Encoding: "o200k_base"},
		{Match: "o1*", MaxTokens: 128_000, Scheme: SchemeBPE, Encoding: "o200k_base"},
		{Match: "o3*", MaxTokens: 128_000, Scheme: SchemeBPE, Encoding: "o200k_base"},
		{Match: "gpt-4*", MaxTokens: 128_000, Scheme: SchemeBPE, Encoding: "cl100k_base"},
		{Match: "gpt-3.5-turbo*", MaxTokens: 16_385, Scheme: SchemeBPE, Encoding: "cl100k_base"},
		{Match: "claude-*", MaxTokens: 200_000, Scheme: SchemeChars, CharsPerToken: 3.5},
		{Match: "gemini-*", MaxTokens: 1_048_576, Scheme: SchemeChars, CharsPerToken: 4.0},
		{Match: "llama-3.1-70b-versatile", MaxTokens: 131_072, Scheme: SchemeWords},
		{Match: "mistral-large-latest", MaxTokens: 128_000, Scheme: SchemeChars, CharsPerToken: 3.5},
	}
}

// NewModelTable validates families and indexes them. Later entries with the
// same Match replace earlier ones, so overrides can be appended to defaults.
func NewModelTable(families []Family) (*ModelTable, error) {
	t := &ModelTable{
		exact:    make(map[string]Family),
		minRatio: ConservativeCharsPerToken,
	}
	byPrefix := make(map[string]Family)
	for _, f := range families {
		f.Match = strings.ToLower(strings.TrimSpace(f.Match))
		if f.Match == "" || f.Match == "*" {
			return nil, fmt.Errorf("model family: empty match")
		}
		if f.MaxTokens <= 0 {
			return nil, fmt.Errorf("model family %q: max_tokens must be positive", f.Match)
		}
		if f.Scheme == "" {
			f.Scheme = SchemeChars
		}
		if !f.Scheme.Valid() {
			return nil, fmt.Errorf("model family %q: unknown tokenizer %q", f.Match, f.Scheme)
		}
		if f.Scheme == SchemeBPE && f.Encoding == "" {
			return nil, fmt.Errorf("model family %q: bpe tokenizer needs an encoding", f.Match)
		}
		if f.CharsPerToken < 0 {
			return nil, fmt.Errorf("model family %q: chars_per_token must not be negative", f.Match)
		}
		if r := f.ratio(); r < t.minRatio {
			t.minRatio = r
		}
		if p, ok := f.prefix(); ok {
			byPrefix[p] = f
			continue
		}
		t.exact[f.Match] = f
	}
	for _, f := range byPrefix {
		t.prefixes = append(t.prefixes, f)
	}
	sort.Slice(t.prefixes, func(i, j int) bool {
		return len(t.prefixes[i].Match) > len(t.prefixes[j].Match)
	})
	return t, nil
}

// Lookup returns the family for a model id: exact match first, then the
// longest matching prefix.
func (t *ModelTable) Lookup(model string) (Family, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if f, ok := t.exact[model]; ok {
		return f, true
	}
	for _, f := range t.prefixes {
		p, _ := f.prefix()
		if strings.HasPrefix(model, p) {
			return f, true
		}
	}
	return Family{}, false
}

// MaxTokens returns the context budget for a model. Unknown models get
// DefaultMaxTokens and ok=false.
func (t *ModelTable) MaxTokens(model string) (int, bool) {
	if f, ok := t.Lookup(model); ok {
		return f.MaxTokens, true
	}
	return DefaultMaxTokens, false
}

// ConservativeRatio is the smallest chars-per-token ratio in the table,
// capped at ConservativeCharsPerToken.
func (t *ModelTable) ConservativeRatio() float64 {
	return t.minRatio
}

// Families returns every entry, exact ids first, sorted for display.
func (t *ModelTable) Families() []Family {
	out := make([]Family, 0, len(t.exact)+len(t.prefixes))
	for _, f := range t.exact {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Match < out[j].Match })
	prefixes := append([]Family(nil), t.prefixes...)
	sort.Slice(prefixes, func(i, j int) bool { return prefixes[i].Match < prefixes[j].Match })
	return append(out, prefixes...)
}
