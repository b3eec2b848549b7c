// Package gemini adapts the Gemini generateContent API. Gemini does not return
// identifiers for function calls, so the adapter mints them.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"pprog/internal/llm"
	"pprog/internal/state"
	"pprog/internal/tooling"
)

const (
	// DefaultBaseURL is used when the config leaves base_url empty.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	providerName      = "gemini"
	defaultMaxContext = 1000000
)

// Adapter speaks models/{model}:generateContent.
type Adapter struct {
	baseURL string
	apiKey  string
	newID   func() string
}

// New configures the adapter.
func New(baseURL, apiKey string) *Adapter {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return &Adapter{
		baseURL: base,
		apiKey:  apiKey,
		newID:   func() string { return "call_" + uuid.NewString() },
	}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		ExactTokenCount:  false,
		ToolResultRole:   "user",
		MergeToolResults: true,
		SystemInline:     false,
		MaxContext:       defaultMaxContext,
	}
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type part struct {
	Text             *string           `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type tool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type wireRequest struct {
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Contents          []content        `json:"contents"`
	Tools             []tool           `json:"tools,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type candidate struct {
	Content      *content `json:"content"`
	FinishReason string   `json:"finishReason"`
}

type wireResponse struct {
	Candidates     []candidate `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// emptyTextStandIn fills a turn whose only text is blank, such as a pruning
// placeholder.
const emptyTextStandIn = "(earlier tool exchange omitted)"

func strPtr(s string) *string { return &s }

// Encode builds the generateContent request.
func (a *Adapter) Encode(req llm.ChatRequest) (llm.WireRequest, error) {
	if strings.TrimSpace(req.Model) == "" {
		return llm.WireRequest{}, fmt.Errorf("gemini model is required")
	}
	contents, err := encodeContents(req.Messages)
	if err != nil {
		return llm.WireRequest{}, err
	}
	body := wireRequest{
		Contents:         contents,
		Tools:            encodeTools(req.Tools),
		GenerationConfig: generationConfig{MaxOutputTokens: req.MaxTokens},
	}
	if strings.TrimSpace(req.System) != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: strPtr(req.System)}}}
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.GenerationConfig.Temperature = &t
	}
	data, err := json.Marshal(body)
	if err != nil {
		return llm.WireRequest{}, fmt.Errorf("marshal request: %w", err)
	}
	h := llm.JSONHeader()
	h.Set("x-goog-api-key", a.apiKey)
	return llm.WireRequest{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/models/%s:generateContent", a.baseURL, url.PathEscape(req.Model)),
		Header: h,
		Body:   data,
	}, nil
}

func encodeContents(messages []state.Message) ([]content, error) {
	names := make(map[string]string)
	out := make([]content, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Role == state.RoleAssistant {
			role = "model"
		}
		parts := make([]part, 0, len(msg.Content))
		responsesOnly := true
		for _, block := range msg.Content {
			switch block.Type {
			case state.BlockText:
				responsesOnly = false
				// Gemini rejects empty text parts.
				if strings.TrimSpace(block.Text) != "" {
					parts = append(parts, part{Text: strPtr(block.Text)})
				}
			case state.BlockToolUse:
				responsesOnly = false
				names[block.ID] = block.Name
				args := block.Input
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				parts = append(parts, part{FunctionCall: &functionCall{Name: block.Name, Args: args}})
			case state.BlockToolResult:
				name, ok := names[block.ToolUseID]
				if !ok {
					return nil, fmt.Errorf("tool result %s has no matching function call", block.ToolUseID)
				}
				key := "content"
				if block.IsError {
					key = "error"
				}
				parts = append(parts, part{FunctionResponse: &functionResponse{
					Name:     name,
					Response: map[string]any{key: block.Content},
				}})
			}
		}
		if len(parts) == 0 {
			if len(msg.Content) == 0 {
				continue
			}
			parts = append(parts, part{Text: strPtr(emptyTextStandIn)})
		}
		if n := len(out); n > 0 && responsesOnly && role == "user" && isResponsesOnly(out[n-1]) {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			continue
		}
		out = append(out, content{Role: role, Parts: parts})
	}
	return out, nil
}

func isResponsesOnly(c content) bool {
	if c.Role != "user" || len(c.Parts) == 0 {
		return false
	}
	for _, p := range c.Parts {
		if p.FunctionResponse == nil {
			return false
		}
	}
	return true
}

func encodeTools(defs []tooling.ToolDefinition) []tool {
	if len(defs) == 0 {
		return nil
	}
	decls := make([]functionDeclaration, 0, len(defs))
	for _, def := range defs {
		params := def.Function.Parameters
		if props, ok := params["properties"].(map[string]any); ok && len(props) == 0 {
			// Gemini rejects object schemas without properties.
			params = nil
		}
		decls = append(decls, functionDeclaration{
			Name:        def.Function.Name,
			Description: def.Function.Description,
			Parameters:  params,
		})
	}
	return []tool{{FunctionDeclarations: decls}}
}

// Decode reads the first candidate.
func (a *Adapter) Decode(resp llm.WireResponse) (llm.ChatResponse, error) {
	if resp.StatusCode >= 300 {
		return llm.ChatResponse{}, llm.StatusError(providerName, resp.StatusCode, resp.Body, resp.Header)
	}
	const op = "decode gemini response"
	var parsed wireResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return llm.ChatResponse{}, &llm.Error{Kind: llm.KindProtocol, Op: op, Err: err}
	}
	if len(parsed.Candidates) == 0 {
		if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
			return llm.ChatResponse{}, llm.NewProviderError(providerName, llm.ErrorTypeModeration, parsed.PromptFeedback.BlockReason, "prompt blocked: "+parsed.PromptFeedback.BlockReason)
		}
		return llm.ChatResponse{}, llm.ProtocolErrorf(op, "response has no candidates")
	}
	cand := parsed.Candidates[0]
	msg := state.Message{Role: state.RoleAssistant}
	if cand.Content != nil {
		if cand.Content.Role != "" && cand.Content.Role != "model" {
			return llm.ChatResponse{}, llm.ProtocolErrorf(op, "unexpected role %q", cand.Content.Role)
		}
		for i, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				if p.FunctionCall.Name == "" {
					return llm.ChatResponse{}, llm.ProtocolErrorf(op, "parts[%d]: function call without name", i)
				}
				msg.Content = append(msg.Content, state.ToolUseBlock(a.newID(), p.FunctionCall.Name, p.FunctionCall.Args))
			case p.Text != nil:
				if p.Thought {
					continue
				}
				msg.Content = append(msg.Content, state.TextBlock(*p.Text))
			default:
				return llm.ChatResponse{}, llm.ProtocolErrorf(op, "parts[%d]: unsupported part", i)
			}
		}
	}
	if len(msg.Content) == 0 {
		msg.Content = []state.ContentBlock{state.TextBlock("")}
	}
	out := llm.ChatResponse{Message: msg, StopReason: cand.FinishReason}
	if u := parsed.UsageMetadata; u != nil {
		out.Usage = &llm.Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return out, nil
}

// CountTokens estimates locally.
func (a *Adapter) CountTokens(ctx context.Context, req llm.ChatRequest) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return llm.EstimateRequest(req), nil
}
