package llm

import (
	"unicode/utf8"

	"pprog/internal/state"
)

// CharsPerToken is the divisor of the character-based estimate. Source code packs
// fewer characters into a token than prose, so the estimate errs high.
const CharsPerToken = 2

// EstimateTokens returns ceil(chars/CharsPerToken) over the system prompt, every text
// block, every tool request name and input, and every tool result content.
func EstimateTokens(system string, messages []state.Message) int {
	chars := utf8.RuneCountInString(system)
	for _, msg := range messages {
		chars += MessageChars(msg)
	}
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// EstimateRequest estimates a full request.
func EstimateRequest(req ChatRequest) int {
	return EstimateTokens(req.System, req.Messages)
}

// MessageChars counts the characters that contribute to the estimate.
func MessageChars(msg state.Message) int {
	n := 0
	for _, block := range msg.Content {
		switch block.Type {
		case state.BlockText:
			n += utf8.RuneCountInString(block.Text)
		case state.BlockToolUse:
			n += utf8.RuneCountInString(block.Name) + utf8.RuneCount(block.Input)
		case state.BlockToolResult:
			n += utf8.RuneCountInString(block.Content)
		}
	}
	return n
}
