package compact

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

const defaultSummaryMaxTokens = 2048

// AnthropicSummarizer streams a summary from the Messages API.
type AnthropicSummarizer struct {
	client    *anthropic.Client
	model     string
	maxTokens int
}

func NewAnthropicSummarizer(client *anthropic.Client, model string, maxTokens int) *AnthropicSummarizer {
	if maxTokens <= 0 {
		maxTokens = defaultSummaryMaxTokens
	}
	return &AnthropicSummarizer{client: client, model: model, maxTokens: maxTokens}
}

func (s *AnthropicSummarizer) Name() string { return "anthropic:" + s.model }

// Summarize implements Summarizer.
func (s *AnthropicSummarizer) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	maxTokens := s.maxTokens
	if req.TargetTokens > 0 && req.TargetTokens*2 < maxTokens {
		maxTokens = req.TargetTokens * 2
	}

	stream := s.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: int64(maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildPrompt(req))),
		},
	})

	message := anthropic.Message{}
	for stream.Next() {
		if err := message.Accumulate(stream.Current()); err != nil {
			return "", fmt.Errorf("accumulate stream: %w", err)
		}
	}
	if err := stream.Err(); err != nil {
		return "", err
	}

	var summary strings.Builder
	for _, block := range message.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			summary.WriteString(text.Text)
		}
	}
	if summary.Len() == 0 {
		return "", fmt.Errorf("empty response from summarizer")
	}
	return strings.TrimSpace(summary.String()), nil
}
