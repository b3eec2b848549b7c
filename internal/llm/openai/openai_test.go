package openai

import (
	"context"
	"encoding/json"
	"testing"

	"pprog/internal/llm"
	"pprog/internal/state"
)

func TestNewFlavours(t *testing.T) {
	tests := []struct {
		flavour string
		base    string
		wantURL string
		wantErr bool
	}{
		{flavour: "openai", wantURL: "https://api.openai.com/v1/chat/completions"},
		{flavour: "DeepSeek", wantURL: "https://api.deepseek.com/chat/completions"},
		{flavour: "openrouter", base: "https://proxy.local/v1/chat/completions", wantURL: "https://proxy.local/v1/chat/completions"},
		{flavour: "claude", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.flavour, func(t *testing.T) {
			a, err := New(tt.flavour, tt.base, "sk")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			wire, err := a.Encode(llm.ChatRequest{Model: "m", Messages: []state.Message{state.UserText("x")}})
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if wire.URL != tt.wantURL {
				t.Fatalf("url = %s, want %s", wire.URL, tt.wantURL)
			}
			if wire.Header.Get("Authorization") != "Bearer sk" {
				t.Fatalf("auth header = %q", wire.Header.Get("Authorization"))
			}
		})
	}
}

func TestEncodeShapes(t *testing.T) {
	a, err := New(FlavourOpenAI, "", "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	msgs := []state.Message{
		state.UserText("write it"),
		{Role: state.RoleAssistant, Content: []state.ContentBlock{
			state.ToolUseBlock("call_1", "write_file", json.RawMessage(`{"path":"index.js","content":"x"}`)),
			state.ToolUseBlock("call_2", "compile_check", nil),
		}},
		state.ToolResultMessage(state.ToolResultBlock("call_1", "File written successfully", false)),
		state.ToolResultMessage(state.ToolResultBlock("call_2", "permission denied", true)),
	}
	wire, err := a.Encode(llm.ChatRequest{Model: "gpt", System: "sys", Messages: msgs})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var body wireRequest
	if err := json.Unmarshal(wire.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Messages) != 5 {
		t.Fatalf("expected 5 wire messages, got %d", len(body.Messages))
	}
	if body.Messages[0].Role != "system" || *body.Messages[0].Content != "sys" {
		t.Fatalf("system message missing: %+v", body.Messages[0])
	}
	asst := body.Messages[2]
	if asst.Content != nil {
		t.Fatalf("tool-only assistant message should have null content, got %q", *asst.Content)
	}
	if len(asst.ToolCalls) != 2 || asst.ToolCalls[1].Function.Arguments != "{}" {
		t.Fatalf("unexpected tool calls: %+v", asst.ToolCalls)
	}
	if body.Messages[3].Role != "tool" || body.Messages[3].ToolCallID != "call_1" {
		t.Fatalf("unexpected tool message: %+v", body.Messages[3])
	}
	if got := *body.Messages[4].Content; got != "Error: permission denied" {
		t.Fatalf("error result content = %q", got)
	}
}

func TestDecode(t *testing.T) {
	a, _ := New(FlavourDeepSeek, "", "")
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind llm.Kind
		check    func(t *testing.T, msg state.Message)
	}{
		{
			name:   "tool call",
			status: 200,
			body:   `{"choices":[{"index":0,"message":{"role":"assistant","content":null,"tool_calls":[{"id":"c1","type":"function","function":{"name":"read_file","arguments":"{\"path\":\"a\"}"}}]},"finish_reason":"tool_calls"}]}`,
			check: func(t *testing.T, msg state.Message) {
				uses := msg.ToolUses()
				if len(uses) != 1 || uses[0].ID != "c1" || string(uses[0].Input) != `{"path":"a"}` {
					t.Fatalf("unexpected tool uses: %+v", uses)
				}
			},
		},
		{
			name:   "text",
			status: 200,
			body:   `{"choices":[{"message":{"role":"assistant","content":"Done."},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`,
			check: func(t *testing.T, msg state.Message) {
				if msg.Text() != "Done." {
					t.Fatalf("text = %q", msg.Text())
				}
			},
		},
		{name: "no choices", status: 200, body: `{"choices":[]}`, wantKind: llm.KindProtocol},
		{name: "bad arguments", status: 200, body: `{"choices":[{"message":{"role":"assistant","tool_calls":[{"id":"c","type":"function","function":{"name":"x","arguments":"{nope"}}]}}]}`, wantKind: llm.KindProtocol},
		{name: "unknown call type", status: 200, body: `{"choices":[{"message":{"role":"assistant","tool_calls":[{"id":"c","type":"retrieval","function":{"name":"x"}}]}}]}`, wantKind: llm.KindProtocol},
		{name: "embedded error", status: 200, body: `{"error":{"message":"upstream failed"}}`, wantKind: llm.KindNetwork},
		{name: "rate limit", status: 429, body: `{"error":{"message":"slow"}}`, wantKind: llm.KindNetwork},
		{name: "bad request", status: 400, body: `{"error":{"message":"bad"}}`, wantKind: llm.KindProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := a.Decode(llm.WireResponse{StatusCode: tt.status, Body: []byte(tt.body)})
			if tt.wantKind != "" {
				if got := llm.KindOf(err); got != tt.wantKind {
					t.Fatalf("kind = %q, want %q (%v)", got, tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			tt.check(t, resp.Message)
		})
	}
}

func TestCountTokensEstimates(t *testing.T) {
	a, _ := New(FlavourOpenAI, "", "")
	req := llm.ChatRequest{Messages: []state.Message{state.UserText("abcdef")}}
	n, err := a.CountTokens(context.Background(), req)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}
	if a.Capabilities().ExactTokenCount {
		t.Fatal("openai adapter must not claim exact counts")
	}
}
