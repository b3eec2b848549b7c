package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"pprog/internal/llm"
	"pprog/internal/state"
	"pprog/internal/tooling"
)

const (
	// DefaultBaseURL is used when the config leaves base_url empty.
	DefaultBaseURL = "https://api.anthropic.com/v1"
	// APIVersion is sent as the anthropic-version header.
	APIVersion = "2023-06-01"

	providerName      = "anthropic"
	defaultMaxTokens  = 8096
	defaultMaxContext = 200000

	// The Messages API rejects empty text blocks, so an empty stored text
	// (the pruning placeholder) travels as this stand-in.
	emptyTextStandIn = "(earlier tool exchange omitted)"
)

// Adapter speaks the Anthropic Messages API and counts tokens exactly through
// the count_tokens endpoint.
type Adapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *log.Logger
}

// New configures the adapter. The HTTP client is used for token counting.
func New(baseURL, apiKey string, httpClient *http.Client, logger *log.Logger) *Adapter {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	base = strings.TrimSuffix(base, "/messages")
	if base == "" {
		base = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Adapter{baseURL: base, apiKey: apiKey, httpClient: httpClient, logger: logger}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		ExactTokenCount:  true,
		ToolResultRole:   "user",
		MergeToolResults: true,
		SystemInline:     false,
		MaxContext:       defaultMaxContext,
	}
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	System      string        `json:"system,omitempty"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type wireResponse struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Role       string      `json:"role"`
	Content    []wireBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type countResponse struct {
	InputTokens *int `json:"input_tokens"`
}

// Encode builds the POST /messages request.
func (a *Adapter) Encode(req llm.ChatRequest) (llm.WireRequest, error) {
	body := a.buildBody(req)
	body.MaxTokens = req.MaxTokens
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	data, err := json.Marshal(body)
	if err != nil {
		return llm.WireRequest{}, fmt.Errorf("marshal request: %w", err)
	}
	return llm.WireRequest{
		Method: http.MethodPost,
		URL:    a.baseURL + "/messages",
		Header: a.headers(),
		Body:   data,
	}, nil
}

func (a *Adapter) headers() http.Header {
	h := llm.JSONHeader()
	h.Set("x-api-key", a.apiKey)
	h.Set("anthropic-version", APIVersion)
	return h
}

func (a *Adapter) buildBody(req llm.ChatRequest) wireRequest {
	return wireRequest{
		Model:    req.Model,
		System:   req.System,
		Messages: encodeMessages(req.Messages),
		Tools:    encodeTools(req.Tools),
	}
}

func encodeMessages(messages []state.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, msg := range messages {
		blocks := make([]wireBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			switch block.Type {
			case state.BlockText:
				text := block.Text
				if strings.TrimSpace(text) == "" {
					text = emptyTextStandIn
				}
				blocks = append(blocks, wireBlock{Type: "text", Text: text})
			case state.BlockToolUse:
				input := block.Input
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, wireBlock{Type: "tool_use", ID: block.ID, Name: block.Name, Input: input})
			case state.BlockToolResult:
				blocks = append(blocks, wireBlock{Type: "tool_result", ToolUseID: block.ToolUseID, Content: block.Content, IsError: block.IsError})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		// Consecutive tool result messages travel together as one user turn.
		if n := len(out); n > 0 && isToolResultOnly(blocks) && isToolResultOnly(out[n-1].Content) {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, wireMessage{Role: string(msg.Role), Content: blocks})
	}
	return out
}

func isToolResultOnly(blocks []wireBlock) bool {
	if len(blocks) == 0 {
		return false
	}
	for _, b := range blocks {
		if b.Type != "tool_result" {
			return false
		}
	}
	return true
}

func encodeTools(defs []tooling.ToolDefinition) []wireTool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(defs))
	for _, def := range defs {
		schema := def.Function.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, wireTool{
			Name:        def.Function.Name,
			Description: def.Function.Description,
			InputSchema: schema,
		})
	}
	return out
}

// Decode turns a Messages API reply into an assistant message.
func (a *Adapter) Decode(resp llm.WireResponse) (llm.ChatResponse, error) {
	if resp.StatusCode >= 300 {
		return llm.ChatResponse{}, llm.StatusError(providerName, resp.StatusCode, resp.Body, resp.Header)
	}
	var parsed wireResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return llm.ChatResponse{}, &llm.Error{Kind: llm.KindProtocol, Op: "decode anthropic response", Err: err}
	}
	if parsed.Type != "message" {
		return llm.ChatResponse{}, llm.ProtocolErrorf("decode anthropic response", "unexpected type %q", parsed.Type)
	}
	if parsed.Role != "assistant" {
		return llm.ChatResponse{}, llm.ProtocolErrorf("decode anthropic response", "unexpected role %q", parsed.Role)
	}
	msg := state.Message{Role: state.RoleAssistant}
	for i, block := range parsed.Content {
		switch block.Type {
		case "text":
			msg.Content = append(msg.Content, state.TextBlock(block.Text))
		case "tool_use":
			if block.ID == "" || block.Name == "" {
				return llm.ChatResponse{}, llm.ProtocolErrorf("decode anthropic response", "content[%d]: tool_use without id or name", i)
			}
			if len(block.Input) > 0 && !json.Valid(block.Input) {
				return llm.ChatResponse{}, llm.ProtocolErrorf("decode anthropic response", "content[%d]: invalid tool input", i)
			}
			msg.Content = append(msg.Content, state.ToolUseBlock(block.ID, block.Name, block.Input))
		default:
			return llm.ChatResponse{}, llm.ProtocolErrorf("decode anthropic response", "content[%d]: unsupported block type %q", i, block.Type)
		}
	}
	if len(msg.Content) == 0 {
		msg.Content = []state.ContentBlock{state.TextBlock("")}
	}
	out := llm.ChatResponse{Message: msg, StopReason: parsed.StopReason}
	if parsed.Usage != nil {
		out.Usage = &llm.Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		}
	}
	return out, nil
}

// CountTokens asks the count_tokens endpoint for the exact input size.
func (a *Adapter) CountTokens(ctx context.Context, req llm.ChatRequest) (int, error) {
	data, err := json.Marshal(a.buildBody(req))
	if err != nil {
		return 0, fmt.Errorf("marshal count request: %w", err)
	}
	resp, err := llm.Do(ctx, a.httpClient, llm.WireRequest{
		Method: http.MethodPost,
		URL:    a.baseURL + "/messages/count_tokens",
		Header: a.headers(),
		Body:   data,
	})
	if err != nil {
		return 0, err
	}
	if resp.StatusCode >= 300 {
		return 0, llm.StatusError(providerName, resp.StatusCode, resp.Body, resp.Header)
	}
	var parsed countResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return 0, &llm.Error{Kind: llm.KindProtocol, Op: "decode count_tokens response", Err: err}
	}
	if parsed.InputTokens == nil || *parsed.InputTokens < 0 {
		return 0, llm.ProtocolErrorf("decode count_tokens response", "missing input_tokens")
	}
	a.logger.Printf("anthropic count_tokens: %d", *parsed.InputTokens)
	return *parsed.InputTokens, nil
}
