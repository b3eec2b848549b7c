package mockclient

import (
	"context"
	"fmt"
	"strings"

	"pprog/internal/llm"
	"pprog/internal/state"
)

// Client is a deterministic llm.Client used for tests and CI.
type Client struct {
	prefix string
}

// New returns a mock client that echoes the last user text.
func New() *Client {
	return &Client{prefix: "MOCK"}
}

// Chat satisfies the llm.Client interface.
func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return llm.ChatResponse{}, err
	}
	text := fmt.Sprintf("%s RESPONSE", c.prefix)
	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if !msg.IsUserText() {
			continue
		}
		if last := strings.TrimSpace(msg.Text()); last != "" {
			text = fmt.Sprintf("%s RESPONSE: %s", c.prefix, last)
		}
		break
	}

	return llm.ChatResponse{
		Message:    state.AssistantText(text),
		StopReason: "end_turn",
		Usage: &llm.Usage{
			PromptTokens:     42,
			CompletionTokens: 7,
			TotalTokens:      49,
		},
	}, nil
}

// CountTokens uses the character estimate.
func (c *Client) CountTokens(_ context.Context, req llm.ChatRequest) (int, error) {
	return llm.EstimateRequest(req), nil
}
