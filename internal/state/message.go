package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType tags the variant held by a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is a closed union of text, tool requests and tool results.
// Only the fields belonging to Type are meaningful.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool request. A nil input is stored as an empty object.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds the resolution of a prior tool request.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is one role-tagged entry of a conversation.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UserText returns a user message holding a single text block.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// AssistantText returns an assistant message holding a single text block.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock(text)}}
}

// ToolResultMessage wraps a single tool result in its own user-role message.
func ToolResultMessage(block ContentBlock) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{block}}
}

// ToolUses returns the tool requests of the message in emission order.
func (m Message) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, block := range m.Content {
		if block.Type == BlockToolUse {
			out = append(out, block)
		}
	}
	return out
}

// ToolResults returns the tool results carried by the message.
func (m Message) ToolResults() []ContentBlock {
	var out []ContentBlock
	for _, block := range m.Content {
		if block.Type == BlockToolResult {
			out = append(out, block)
		}
	}
	return out
}

// IsUserText reports whether the message is user-authored text, the boundary of a turn.
func (m Message) IsUserText() bool {
	if m.Role != RoleUser || len(m.Content) == 0 {
		return false
	}
	for _, block := range m.Content {
		if block.Type != BlockText {
			return false
		}
	}
	return true
}

// Text concatenates the text blocks of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, block := range m.Content {
		if block.Type == BlockText {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// Validate checks the structural rules every stored message obeys.
func (m Message) Validate() error {
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return fmt.Errorf("invalid role %q", m.Role)
	}
	if len(m.Content) == 0 {
		return errors.New("message content is empty")
	}
	for i, block := range m.Content {
		switch block.Type {
		case BlockText:
		case BlockToolUse:
			if m.Role != RoleAssistant {
				return fmt.Errorf("block %d: tool_use in %s message", i, m.Role)
			}
			if block.ID == "" || block.Name == "" {
				return fmt.Errorf("block %d: tool_use requires id and name", i)
			}
		case BlockToolResult:
			if m.Role != RoleUser {
				return fmt.Errorf("block %d: tool_result in %s message", i, m.Role)
			}
			if block.ToolUseID == "" {
				return fmt.Errorf("block %d: tool_result requires tool_use_id", i)
			}
		default:
			return fmt.Errorf("block %d: unknown type %q", i, block.Type)
		}
	}
	return nil
}

// ValidatePairing verifies that every tool request is resolved by exactly one
// result before the next user text message, and that no result is orphaned.
func ValidatePairing(messages []Message) error {
	pending := make(map[string]bool)
	seen := make(map[string]bool)
	for i, msg := range messages {
		if msg.IsUserText() && len(pending) > 0 {
			return fmt.Errorf("message %d: user text before %d tool result(s)", i, len(pending))
		}
		for _, block := range msg.Content {
			switch block.Type {
			case BlockToolUse:
				if seen[block.ID] {
					return fmt.Errorf("message %d: duplicate tool_use id %s", i, block.ID)
				}
				seen[block.ID] = true
				pending[block.ID] = true
			case BlockToolResult:
				if !pending[block.ToolUseID] {
					return fmt.Errorf("message %d: tool_result %s has no open tool_use", i, block.ToolUseID)
				}
				delete(pending, block.ToolUseID)
			}
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("%d tool_use block(s) without result", len(pending))
	}
	return nil
}
