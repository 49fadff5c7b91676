// Package inspect renders read-only views of a tracker. Every view is
// computed from the tracker state at call time.
package inspect

import (
	"fmt"
	"strings"

	"github.com/basket/ctxwin/internal/window"
)

// DefaultPreviewLen is the preview width used by ItemsList when previewLen
// is not positive.
const DefaultPreviewLen = 60

// StatusSummary returns a single-line usage string.
func StatusSummary(t *window.Tracker) string {
	st := t.Status()
	line := fmt.Sprintf("%s [%s]: %d/%d tokens (%.1f%%), %d items, %d pinned tokens",
		st.SessionID, st.Model, st.TotalTokens, st.MaxTokens, st.UsagePercent*100, st.ItemCount, st.PinnedTokens)
	if st.EstimatedItems > 0 {
		line += fmt.Sprintf(", %d estimated", st.EstimatedItems)
	}
	if st.Full {
		line += " FULL"
	}
	return line
}

// ItemsList returns one line per item in conversation order: id, kind, pin
// marker, a preview of at most previewLen runes and the token count.
func ItemsList(t *window.Tracker, previewLen int) []string {
	if previewLen <= 0 {
		previewLen = DefaultPreviewLen
	}
	var lines []string
	t.View(func(items []window.Item, _ window.Status) {
		lines = make([]string, 0, len(items))
		for _, it := range items {
			marker := " "
			switch {
			case it.Kind == window.KindSystemPrompt:
				marker = "S"
			case it.Pinned:
				marker = "*"
			}
			tokens := fmt.Sprintf("%d", it.Tokens)
			if it.Estimated {
				tokens = "~" + tokens
			}
			lines = append(lines, fmt.Sprintf("#%-5d %-17s %s %-*s %8s tokens",
				it.ID, it.Kind, marker, previewLen, Preview(it.Content, previewLen), tokens))
		}
	})
	return lines
}

// Preview flattens whitespace and truncates s to n runes, marking the cut
// with an ellipsis.
func Preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// KindTotals is the share of one item kind.
type KindTotals struct {
	Kind   window.Kind
	Items  int
	Tokens int
}

// Breakdown groups a tracker's tokens by kind and by pin state.
type Breakdown struct {
	SessionID string
	Model     string
	MaxTokens int

	Kinds []KindTotals // every known kind, in declaration order

	SystemTokens  int
	MessageTokens int
	ToolTokens    int

	PinnedTokens   int
	PinnedItems    int
	UnpinnedTokens int
	UnpinnedItems  int

	SummaryItems    int
	SummarizedItems int // originals replaced by the current summaries

	TotalTokens  int
	ItemCount    int
	UsagePercent float64
}

// DetailedBreakdown computes a Breakdown from a single consistent view.
func DetailedBreakdown(t *window.Tracker) Breakdown {
	var b Breakdown
	t.View(func(items []window.Item, st window.Status) {
		b = Breakdown{
			SessionID:     st.SessionID,
			Model:         st.Model,
			MaxTokens:     st.MaxTokens,
			SystemTokens:  st.SystemTokens,
			MessageTokens: st.MessageTokens,
			ToolTokens:    st.ToolTokens,
			TotalTokens:   st.TotalTokens,
			ItemCount:     st.ItemCount,
			UsagePercent:  st.UsagePercent,
		}
		byKind := make(map[window.Kind]*KindTotals, len(window.Kinds))
		b.Kinds = make([]KindTotals, len(window.Kinds))
		for i, k := range window.Kinds {
			b.Kinds[i].Kind = k
			byKind[k] = &b.Kinds[i]
		}
		for _, it := range items {
			if kt := byKind[it.Kind]; kt != nil {
				kt.Items++
				kt.Tokens += it.Tokens
			}
			if it.Pinned {
				b.PinnedTokens += it.Tokens
				b.PinnedItems++
			} else {
				b.UnpinnedTokens += it.Tokens
				b.UnpinnedItems++
			}
			if it.Kind == window.KindSummary {
				b.SummaryItems++
				if it.Provenance != nil {
					b.SummarizedItems += len(it.Provenance.ReplacedIDs)
				}
			}
		}
	})
	return b
}

// Remaining is the number of tokens left before the window is full, never
// negative.
func (b Breakdown) Remaining() int {
	if b.TotalTokens >= b.MaxTokens {
		return 0
	}
	return b.MaxTokens - b.TotalTokens
}

var kindLabels = map[window.Kind]string{
	window.KindSystemPrompt:     "System Prompt:",
	window.KindUserMessage:      "User:",
	window.KindAssistantMessage: "Assistant:",
	window.KindToolCall:         "Tool Calls:",
	window.KindToolResult:       "Tool Results:",
	window.KindSummary:          "Summaries:",
}

// Format returns a human-readable breakdown.
func (b Breakdown) Format() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Context Window for %s (%s, %d tokens)\n", b.SessionID, b.Model, b.MaxTokens))
	sb.WriteString("─────────────────────────────────────────────\n")

	for _, kt := range b.Kinds {
		if kt.Items == 0 {
			continue
		}
		if kt.Kind == window.KindSummary && b.SummarizedItems > 0 {
			sb.WriteString(fmt.Sprintf("%-18s%7d tokens (%d items, %d summarized)\n",
				kindLabels[kt.Kind], kt.Tokens, kt.Items, b.SummarizedItems))
			continue
		}
		sb.WriteString(fmt.Sprintf("%-18s%7d tokens (%d items)\n", kindLabels[kt.Kind], kt.Tokens, kt.Items))
	}

	sb.WriteString("─────────────────────────────────────────────\n")
	sb.WriteString(fmt.Sprintf("%-18s%7d tokens (%d items)\n", "Pinned:", b.PinnedTokens, b.PinnedItems))
	sb.WriteString(fmt.Sprintf("%-18s%7d tokens (%d items)\n", "Unpinned:", b.UnpinnedTokens, b.UnpinnedItems))
	sb.WriteString("─────────────────────────────────────────────\n")
	sb.WriteString(fmt.Sprintf("%-18s%7d / %d (%.1f%%)\n", "Total Used:", b.TotalTokens, b.MaxTokens, b.UsagePercent*100))
	sb.WriteString(fmt.Sprintf("%-18s%7d tokens\n", "Remaining:", b.Remaining()))

	return sb.String()
}
