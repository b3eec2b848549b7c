package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"pprog/internal/llm"
	"pprog/internal/state"
	"pprog/internal/tooling"
)

func toolTurn() []state.Message {
	return []state.Message{
		state.UserText("check both"),
		{Role: state.RoleAssistant, Content: []state.ContentBlock{
			state.ToolUseBlock("tu_a", "read_file", json.RawMessage(`{"path":"a.go"}`)),
			state.ToolUseBlock("tu_b", "read_file", json.RawMessage(`{"path":"b.go"}`)),
		}},
		state.ToolResultMessage(state.ToolResultBlock("tu_a", "package a", false)),
		state.ToolResultMessage(state.ToolResultBlock("tu_b", "no such file", true)),
	}
}

func TestEncodeMergesToolResults(t *testing.T) {
	a := New("", "key", nil, nil)
	wire, err := a.Encode(llm.ChatRequest{Model: "claude", System: "be brief", Messages: toolTurn()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if wire.URL != DefaultBaseURL+"/messages" {
		t.Fatalf("url = %s", wire.URL)
	}
	if wire.Header.Get("x-api-key") != "key" || wire.Header.Get("anthropic-version") != APIVersion {
		t.Fatalf("missing auth headers: %v", wire.Header)
	}
	var body wireRequest
	if err := json.Unmarshal(wire.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.System != "be brief" || body.MaxTokens != defaultMaxTokens {
		t.Fatalf("unexpected header fields: %+v", body)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("expected 3 wire messages, got %d", len(body.Messages))
	}
	results := body.Messages[2]
	if results.Role != "user" || len(results.Content) != 2 {
		t.Fatalf("tool results not merged: %+v", results)
	}
	if results.Content[0].ToolUseID != "tu_a" || results.Content[1].ToolUseID != "tu_b" || !results.Content[1].IsError {
		t.Fatalf("merged results out of order: %+v", results.Content)
	}
}

func TestEncodeEmptyTextStandIn(t *testing.T) {
	a := New("", "", nil, nil)
	wire, err := a.Encode(llm.ChatRequest{Model: "m", Messages: []state.Message{state.UserText("hi"), state.AssistantText("")}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var body wireRequest
	if err := json.Unmarshal(wire.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got := body.Messages[1].Content[0].Text; got != emptyTextStandIn {
		t.Fatalf("placeholder text = %q", got)
	}
}

func TestEncodeTools(t *testing.T) {
	a := New("", "", nil, nil)
	defs := []tooling.ToolDefinition{{Type: "function", Function: tooling.ToolFunction{Name: "compile_check", Description: "run checks"}}}
	wire, err := a.Encode(llm.ChatRequest{Model: "m", Messages: []state.Message{state.UserText("x")}, Tools: defs})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(wire.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	tools := body["tools"].([]any)
	tool := tools[0].(map[string]any)
	if tool["name"] != "compile_check" {
		t.Fatalf("tool name = %v", tool["name"])
	}
	if _, ok := tool["input_schema"].(map[string]any); !ok {
		t.Fatalf("input_schema missing: %v", tool)
	}
}

func TestDecode(t *testing.T) {
	a := New("", "", nil, nil)
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  llm.Kind
		wantBlock []state.BlockType
	}{
		{
			name:      "text and tool use",
			status:    200,
			body:      `{"type":"message","role":"assistant","content":[{"type":"text","text":"ok"},{"type":"tool_use","id":"tu_1","name":"execute","input":{"command":"ls"}}],"stop_reason":"tool_use"}`,
			wantBlock: []state.BlockType{state.BlockText, state.BlockToolUse},
		},
		{
			name:      "empty content becomes empty text",
			status:    200,
			body:      `{"type":"message","role":"assistant","content":[],"stop_reason":"end_turn"}`,
			wantBlock: []state.BlockType{state.BlockText},
		},
		{name: "not json", status: 200, body: `<html>`, wantKind: llm.KindProtocol},
		{name: "wrong type", status: 200, body: `{"type":"completion","role":"assistant","content":[]}`, wantKind: llm.KindProtocol},
		{name: "unknown block", status: 200, body: `{"type":"message","role":"assistant","content":[{"type":"image"}]}`, wantKind: llm.KindProtocol},
		{name: "tool use without id", status: 200, body: `{"type":"message","role":"assistant","content":[{"type":"tool_use","name":"x"}]}`, wantKind: llm.KindProtocol},
		{name: "overloaded", status: 529, body: `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, wantKind: llm.KindNetwork},
		{name: "bad key", status: 401, body: `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`, wantKind: llm.KindProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := a.Decode(llm.WireResponse{StatusCode: tt.status, Body: []byte(tt.body)})
			if tt.wantKind != "" {
				if err == nil {
					t.Fatalf("expected %s error", tt.wantKind)
				}
				if got := llm.KindOf(err); got != tt.wantKind {
					t.Fatalf("kind = %s, want %s (%v)", got, tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Message.Role != state.RoleAssistant {
				t.Fatalf("role = %s", resp.Message.Role)
			}
			if len(resp.Message.Content) != len(tt.wantBlock) {
				t.Fatalf("got %d blocks, want %d", len(resp.Message.Content), len(tt.wantBlock))
			}
			for i, bt := range tt.wantBlock {
				if resp.Message.Content[i].Type != bt {
					t.Fatalf("block %d type = %s, want %s", i, resp.Message.Content[i].Type, bt)
				}
			}
		})
	}
}

func TestCountTokensCallsEndpoint(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/v1/messages/count_tokens" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if _, ok := req["max_tokens"]; ok {
			http.Error(w, "max_tokens not allowed", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"input_tokens":1234}`))
	}))
	defer srv.Close()

	a := New(srv.URL+"/v1/messages", "key", srv.Client(), nil)
	n, err := a.CountTokens(context.Background(), llm.ChatRequest{Model: "m", Messages: toolTurn()})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1234 || calls != 1 {
		t.Fatalf("count = %d after %d calls", n, calls)
	}
}

func TestCountTokensRejectsUnknownShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tokens":5}`))
	}))
	defer srv.Close()

	a := New(srv.URL, "key", srv.Client(), nil)
	_, err := a.CountTokens(context.Background(), llm.ChatRequest{Model: "m", Messages: []state.Message{state.UserText("x")}})
	if !errors.Is(err, llm.ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestHTTPClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"type":"message","role":"assistant","content":[{"type":"text","text":"Done."}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":2}}`))
	}))
	defer srv.Close()

	client := llm.NewHTTPClient(New(srv.URL, "key", srv.Client(), nil), srv.Client(), nil)
	resp, err := client.Chat(context.Background(), llm.ChatRequest{Model: "m", Messages: []state.Message{state.UserText("hi")}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Message.Text() != "Done." || resp.Usage.TotalTokens != 12 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
