package tokenutil

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
)

// AnthropicCounter counts tokens with the Messages count_tokens endpoint.
type AnthropicCounter struct {
	client *anthropic.Client
}

func NewAnthropicCounter(client *anthropic.Client) *AnthropicCounter {
	return &AnthropicCounter{client: client}
}

// CountTokens implements RemoteCounter. The text is sent as a single user
// turn, so the count includes the small per-message framing overhead.
func (c *AnthropicCounter) CountTokens(ctx context.Context, model, text string) (int, error) {
	if c.client == nil {
		return 0, fmt.Errorf("anthropic counter: no client")
	}
	resp, err := c.client.Messages.CountTokens(ctx, anthropic.MessageCountTokensParams{
		Model: anthropic.Model(model),
		Messages: []anthropic.MessageParam{
			{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(text),
				},
			},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return int(resp.InputTokens), nil
}
