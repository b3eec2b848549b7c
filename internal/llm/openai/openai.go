// Package openai adapts OpenAI-compatible chat completion APIs (OpenAI, DeepSeek,
// OpenRouter). None of them expose a token counting endpoint, so counts are estimated.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"pprog/internal/llm"
	"pprog/internal/state"
	"pprog/internal/tooling"
)

// Flavour names accepted by New.
const (
	FlavourOpenAI     = "openai"
	FlavourDeepSeek   = "deepseek"
	FlavourOpenRouter = "openrouter"
)

var defaultBaseURLs = map[string]string{
	FlavourOpenAI:     "https://api.openai.com/v1",
	FlavourDeepSeek:   "https://api.deepseek.com",
	FlavourOpenRouter: "https://openrouter.ai/api/v1",
}

var defaultContexts = map[string]int{
	FlavourOpenAI:     128000,
	FlavourDeepSeek:   64000,
	FlavourOpenRouter: 128000,
}

// DefaultBaseURL returns the endpoint used when config leaves base_url empty.
func DefaultBaseURL(flavour string) (string, bool) {
	u, ok := defaultBaseURLs[flavour]
	return u, ok
}

// Adapter speaks /chat/completions.
type Adapter struct {
	flavour string
	baseURL string
	apiKey  string
}

// New returns an adapter for the given flavour.
func New(flavour, baseURL, apiKey string) (*Adapter, error) {
	flavour = strings.ToLower(strings.TrimSpace(flavour))
	def, ok := defaultBaseURLs[flavour]
	if !ok {
		return nil, fmt.Errorf("unknown openai-compatible provider %q", flavour)
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	base = strings.TrimSuffix(base, "/chat/completions")
	if base == "" {
		base = def
	}
	return &Adapter{flavour: flavour, baseURL: base, apiKey: apiKey}, nil
}

func (a *Adapter) Name() string { return a.flavour }

func (a *Adapter) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		ExactTokenCount:  false,
		ToolResultRole:   "tool",
		MergeToolResults: false,
		SystemInline:     true,
		MaxContext:       defaultContexts[a.flavour],
	}
}

type wireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireFunctionCall `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireRequest struct {
	Model       string                   `json:"model"`
	Messages    []wireMessage            `json:"messages"`
	Tools       []tooling.ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int                      `json:"max_tokens,omitempty"`
	Temperature *float64                 `json:"temperature,omitempty"`
}

type wireChoice struct {
	Index        int          `json:"index"`
	Message      *wireMessage `json:"message"`
	FinishReason string       `json:"finish_reason"`
}

type wireResponse struct {
	Choices []wireChoice    `json:"choices"`
	Usage   *llm.Usage      `json:"usage,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func strPtr(s string) *string { return &s }

// Encode builds the chat completion request.
func (a *Adapter) Encode(req llm.ChatRequest) (llm.WireRequest, error) {
	body := wireRequest{
		Model:     req.Model,
		Messages:  encodeMessages(req.System, req.Messages),
		Tools:     req.Tools,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	data, err := json.Marshal(body)
	if err != nil {
		return llm.WireRequest{}, fmt.Errorf("marshal request: %w", err)
	}
	h := llm.JSONHeader()
	if a.apiKey != "" {
		h.Set("Authorization", "Bearer "+a.apiKey)
	}
	return llm.WireRequest{
		Method: http.MethodPost,
		URL:    a.baseURL + "/chat/completions",
		Header: h,
		Body:   data,
	}, nil
}

func encodeMessages(system string, messages []state.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages)+1)
	if strings.TrimSpace(system) != "" {
		out = append(out, wireMessage{Role: "system", Content: strPtr(system)})
	}
	for _, msg := range messages {
		var (
			text    strings.Builder
			hasText bool
			calls   []wireToolCall
		)
		for _, block := range msg.Content {
			switch block.Type {
			case state.BlockText:
				hasText = true
				text.WriteString(block.Text)
			case state.BlockToolUse:
				args := string(block.Input)
				if args == "" {
					args = "{}"
				}
				calls = append(calls, wireToolCall{
					ID:       block.ID,
					Type:     "function",
					Function: wireFunctionCall{Name: block.Name, Arguments: args},
				})
			case state.BlockToolResult:
				out = append(out, wireMessage{Role: "tool", ToolCallID: block.ToolUseID, Content: strPtr(toolResultContent(block))})
			}
		}
		if !hasText && len(calls) == 0 {
			continue
		}
		wm := wireMessage{Role: string(msg.Role), ToolCalls: calls}
		if hasText || msg.Role == state.RoleUser {
			wm.Content = strPtr(text.String())
		}
		out = append(out, wm)
	}
	return out
}

func toolResultContent(block state.ContentBlock) string {
	if block.IsError && !strings.HasPrefix(block.Content, "Error") {
		return "Error: " + block.Content
	}
	return block.Content
}

// Decode parses the first choice of a chat completion reply.
func (a *Adapter) Decode(resp llm.WireResponse) (llm.ChatResponse, error) {
	if resp.StatusCode >= 300 {
		return llm.ChatResponse{}, llm.StatusError(a.flavour, resp.StatusCode, resp.Body, resp.Header)
	}
	op := "decode " + a.flavour + " response"
	var parsed wireResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return llm.ChatResponse{}, &llm.Error{Kind: llm.KindProtocol, Op: op, Err: err}
	}
	if len(parsed.Error) > 0 && string(parsed.Error) != "null" {
		// OpenRouter reports upstream failures inside a 200 body.
		return llm.ChatResponse{}, llm.StatusError(a.flavour, http.StatusBadGateway, resp.Body, resp.Header)
	}
	if len(parsed.Choices) == 0 {
		return llm.ChatResponse{}, llm.ProtocolErrorf(op, "response has no choices")
	}
	choice := parsed.Choices[0]
	if choice.Message == nil {
		return llm.ChatResponse{}, llm.ProtocolErrorf(op, "choice has no message")
	}
	if role := choice.Message.Role; role != "" && role != "assistant" {
		return llm.ChatResponse{}, llm.ProtocolErrorf(op, "unexpected role %q", role)
	}
	msg := state.Message{Role: state.RoleAssistant}
	if choice.Message.Content != nil && *choice.Message.Content != "" {
		msg.Content = append(msg.Content, state.TextBlock(*choice.Message.Content))
	}
	for i, call := range choice.Message.ToolCalls {
		if call.Type != "" && call.Type != "function" {
			return llm.ChatResponse{}, llm.ProtocolErrorf(op, "tool_calls[%d]: unsupported type %q", i, call.Type)
		}
		if call.ID == "" || call.Function.Name == "" {
			return llm.ChatResponse{}, llm.ProtocolErrorf(op, "tool_calls[%d]: missing id or name", i)
		}
		args := strings.TrimSpace(call.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return llm.ChatResponse{}, llm.ProtocolErrorf(op, "tool_calls[%d]: arguments are not valid JSON", i)
		}
		msg.Content = append(msg.Content, state.ToolUseBlock(call.ID, call.Function.Name, json.RawMessage(args)))
	}
	if len(msg.Content) == 0 {
		msg.Content = []state.ContentBlock{state.TextBlock("")}
	}
	return llm.ChatResponse{Message: msg, StopReason: choice.FinishReason, Usage: parsed.Usage}, nil
}

// CountTokens estimates locally without a network call.
func (a *Adapter) CountTokens(ctx context.Context, req llm.ChatRequest) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return llm.EstimateRequest(req), nil
}
