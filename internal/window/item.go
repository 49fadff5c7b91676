package window

import (
	"time"
)

// Kind classifies a context item.
type Kind string

const (
	KindSystemPrompt     Kind = "system_prompt"
	KindUserMessage      Kind = "user_message"
	KindAssistantMessage Kind = "assistant_message"
	KindToolCall         Kind = "tool_call"
	KindToolResult       Kind = "tool_result"
	// KindSummary marks an item produced by compaction.
	KindSummary Kind = "summary"
)

// Kinds lists every kind in display order.
var Kinds = []Kind{
	KindSystemPrompt,
	KindUserMessage,
	KindAssistantMessage,
	KindToolCall,
	KindToolResult,
	KindSummary,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSystemPrompt, KindUserMessage, KindAssistantMessage, KindToolCall, KindToolResult, KindSummary:
		return true
	}
	return false
}

// IsTool reports whether k is a tool call or tool result.
func (k Kind) IsTool() bool {
	return k == KindToolCall || k == KindToolResult
}

// Group is the coarse bucket a kind is reported under in Status.
type Group string

const (
	GroupSystem  Group = "system"
	GroupMessage Group = "message"
	GroupTool    Group = "tool"
)

func (k Kind) Group() Group {
	switch {
	case k == KindSystemPrompt:
		return GroupSystem
	case k.IsTool():
		return GroupTool
	default:
		return GroupMessage
	}
}

const (
	DefaultImportance = 0.5
	SystemImportance  = 1.0
)

// Provenance records what a summary item replaced.
type Provenance struct {
	FirstID        uint64
	LastID         uint64
	ReplacedIDs    []uint64
	OriginalTokens int
	Digest         string
	Summarizer     string
}

// Item is one entry in a context window. Items are values: the tracker
// never hands out a pointer into its own storage.
type Item struct {
	ID         uint64
	Kind       Kind
	Content    string
	Tokens     int
	Estimated  bool
	CreatedAt  time.Time
	Pinned     bool
	Importance float64
	Provenance *Provenance
}

// clone returns a copy that shares no memory with it.
func (it Item) clone() Item {
	if it.Provenance != nil {
		prov := *it.Provenance
		prov.ReplacedIDs = append([]uint64(nil), prov.ReplacedIDs...)
		it.Provenance = &prov
	}
	return it
}

// Protected reports whether bulk pruning and compaction must skip the item.
func (it Item) Protected() bool {
	return it.Pinned || it.Kind == KindSystemPrompt
}

// ItemOption adjusts an item before it is appended.
type ItemOption func(*Item)

// Pinned marks the item as pinned.
func Pinned() ItemOption {
	return func(it *Item) { it.Pinned = true }
}

// WithImportance sets the importance, clamped to [0,1].
func WithImportance(v float64) ItemOption {
	return func(it *Item) { it.Importance = clamp01(v) }
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
