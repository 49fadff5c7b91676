package compact

import (
	"context"
	"fmt"
	"strings"
)

// SummaryRequest is what a summarizer receives for one span.
type SummaryRequest struct {
	SessionID      string
	Text           string
	ItemCount      int
	OriginalTokens int
	// TargetTokens is a length hint, not a hard limit.
	TargetTokens int
}

// Summarizer compresses a span of conversation into shorter text. It is a
// black box: the compactor only relies on the returned text and error.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, req SummaryRequest) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	return f(ctx, req)
}

// StaticSummarizer provides a deterministic summary without an LLM.
// Used for testing or when no provider is configured.
type StaticSummarizer struct{}

func (StaticSummarizer) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	if req.ItemCount == 0 {
		return "", nil
	}
	return fmt.Sprintf("[Summary of %d earlier messages]", req.ItemCount), nil
}

func (StaticSummarizer) Name() string { return "static" }

var _ Summarizer = StaticSummarizer{}

// summarizerName returns the Name() of s when it has one.
func summarizerName(s Summarizer) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

const systemPrompt = `You compress conversation history for an AI agent whose context window is nearly full.
Write a dense summary that a future turn can rely on instead of the original messages.`

// BuildPrompt renders the user prompt sent to LLM-backed summarizers.
func BuildPrompt(req SummaryRequest) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation history into a concise summary that preserves:\n")
	sb.WriteString("- Key facts, decisions, and conclusions\n")
	sb.WriteString("- User preferences and constraints mentioned\n")
	sb.WriteString("- Any ongoing tasks or action items\n")
	sb.WriteString("- Tool results that later turns depend on\n")
	if req.TargetTokens > 0 {
		sb.WriteString(fmt.Sprintf("\nKeep the summary under roughly %d tokens.\n", req.TargetTokens))
	}
	sb.WriteString("\nConversation:\n")
	sb.WriteString(req.Text)
	return sb.String()
}
