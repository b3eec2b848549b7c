package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pprog/internal/llm"
	"pprog/internal/state"
)

type fakeConversations struct {
	submitErr error
	sessions  map[string][]state.Message
	cleared   []string
}

func newFake() *fakeConversations {
	return &fakeConversations{sessions: map[string][]state.Message{}}
}

func (f *fakeConversations) SubmitUserMessage(_ context.Context, id string, msg state.Message) (state.Message, error) {
	if f.submitErr != nil {
		return state.Message{}, f.submitErr
	}
	reply := state.AssistantText("echo: " + msg.Text())
	f.sessions[id] = append(f.sessions[id], msg, reply)
	return reply, nil
}

func (f *fakeConversations) GetMessages(id string) ([]state.Message, error) {
	msgs, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrUnknownSession, id)
	}
	return msgs, nil
}

func (f *fakeConversations) Clear(id string) error {
	f.cleared = append(f.cleared, id)
	if _, ok := f.sessions[id]; ok {
		f.sessions[id] = nil
	}
	return nil
}

func (f *fakeConversations) Sessions() []state.Summary {
	out := []state.Summary{}
	for id, msgs := range f.sessions {
		out = append(out, state.Summary{Key: id, MessageCount: len(msgs)})
	}
	return out
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChat(t *testing.T) {
	fake := newFake()
	h := New(fake, nil).Handler()

	rec := do(t, h, http.MethodPost, "/chat", `{"session":"s1","message":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Session != "s1" || resp.Text != "echo: hello" || resp.Message.Role != state.RoleAssistant {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestChatValidation(t *testing.T) {
	h := New(newFake(), nil).Handler()
	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "{", http.StatusBadRequest},
		{"empty message", http.MethodPost, `{"session":"s1","message":"  "}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, "/chat", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestChatErrorKinds(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   llm.Kind
	}{
		{&llm.Error{Kind: llm.KindBudgetExceeded, Message: "too big"}, http.StatusRequestEntityTooLarge, llm.KindBudgetExceeded},
		{&llm.Error{Kind: llm.KindLoopLimit}, http.StatusUnprocessableEntity, llm.KindLoopLimit},
		{llm.ProtocolErrorf("decode response", "bad"), http.StatusBadGateway, llm.KindProtocol},
		{&llm.ProviderError{Provider: "x", Type: llm.ErrorTypeRateLimit, Retryable: true}, http.StatusServiceUnavailable, llm.KindNetwork},
		{context.Canceled, statusClientClosed, llm.KindCancelled},
		{fmt.Errorf("boom"), http.StatusInternalServerError, llm.KindInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			fake := newFake()
			fake.submitErr = tt.err
			rec := do(t, New(fake, nil).Handler(), http.MethodPost, "/chat", `{"message":"hi"}`)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			var payload errorPayload
			if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if payload.Kind != string(tt.kind) || payload.Error == "" {
				t.Fatalf("payload = %+v", payload)
			}
		})
	}
}

func TestMessagesAndClear(t *testing.T) {
	fake := newFake()
	h := New(fake, nil).Handler()

	if rec := do(t, h, http.MethodGet, "/messages?session=nobody", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d", rec.Code)
	}
	do(t, h, http.MethodPost, "/chat", `{"message":"hi"}`)

	rec := do(t, h, http.MethodGet, "/messages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("messages status = %d", rec.Code)
	}
	var payload struct {
		Session  string          `json:"session"`
		Messages []state.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Session != DefaultSession || len(payload.Messages) != 2 {
		t.Fatalf("payload = %+v", payload)
	}

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec = do(t, h, method, "/clear", "")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"cleared":true`) {
			t.Fatalf("%s /clear: %d %s", method, rec.Code, rec.Body.String())
		}
	}
	do(t, h, http.MethodPost, "/clear", `{"session":"other"}`)
	if got := strings.Join(fake.cleared, ","); got != "default,default,other" {
		t.Fatalf("cleared = %s", got)
	}

	rec = do(t, h, http.MethodGet, "/messages", "")
	if !strings.Contains(rec.Body.String(), `"messages":[]`) {
		t.Fatalf("after clear body = %s", rec.Body.String())
	}
}

func TestSessionsAndHealth(t *testing.T) {
	fake := newFake()
	h := New(fake, nil).Handler()
	do(t, h, http.MethodPost, "/chat", `{"session":"a","message":"hi"}`)

	rec := do(t, h, http.MethodGet, "/sessions", "")
	if !strings.Contains(rec.Body.String(), `"key":"a"`) {
		t.Fatalf("sessions body = %s", rec.Body.String())
	}
	rec = do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	s := New(newFake(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "127.0.0.1:0") }()

	var addr string
	select {
	case addr = <-s.Addr():
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
