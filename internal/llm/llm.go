package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"pprog/internal/state"
	"pprog/internal/tooling"
)

// ChatRequest is the provider-agnostic payload for one model turn.
type ChatRequest struct {
	Model       string                   `json:"model"`
	System      string                   `json:"system,omitempty"`
	Messages    []state.Message          `json:"messages"`
	Tools       []tooling.ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int                      `json:"max_tokens,omitempty"`
	Temperature float64                  `json:"temperature,omitempty"`
}

// Usage contains token consumption metrics from the LLM API.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the decoded assistant turn.
type ChatResponse struct {
	Message    state.Message `json:"message"`
	StopReason string        `json:"stop_reason,omitempty"`
	Usage      *Usage        `json:"usage,omitempty"`
}

// Client represents an LLM provider capable of servicing chat completions.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// TokenCounter reports how many tokens a request occupies for a provider.
type TokenCounter interface {
	CountTokens(ctx context.Context, req ChatRequest) (int, error)
}

// Capabilities is the static descriptor of an adapter.
type Capabilities struct {
	// ExactTokenCount is true when CountTokens asks the provider instead of estimating.
	ExactTokenCount bool
	// ToolResultRole is the wire role tool results travel under ("user" or "tool").
	ToolResultRole string
	// MergeToolResults reports whether consecutive tool results share one wire message.
	MergeToolResults bool
	// SystemInline reports whether the system prompt is sent as a leading message.
	SystemInline bool
	// MaxContext is the provider ceiling when the caller does not configure one.
	MaxContext int
}

// WireRequest is an encoded HTTP request ready to send.
type WireRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// WireResponse is the raw provider reply handed to Decode.
type WireResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Adapter translates between the internal message model and one vendor's wire shape.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	Encode(req ChatRequest) (WireRequest, error)
	Decode(resp WireResponse) (ChatResponse, error)
	TokenCounter
}

// HTTPClient drives an Adapter over HTTP. It never retries.
type HTTPClient struct {
	adapter    Adapter
	httpClient *http.Client
	logger     *log.Logger
}

// NewHTTPClient wires an adapter to an http.Client.
func NewHTTPClient(adapter Adapter, httpClient *http.Client, logger *log.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &HTTPClient{adapter: adapter, httpClient: httpClient, logger: logger}
}

// Adapter returns the wrapped adapter.
func (c *HTTPClient) Adapter() Adapter {
	return c.adapter
}

// Chat encodes the request, performs the call and decodes the reply.
func (c *HTTPClient) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	wire, err := c.adapter.Encode(req)
	if err != nil {
		return ChatResponse{}, err
	}
	resp, err := Do(ctx, c.httpClient, wire)
	if err != nil {
		return ChatResponse{}, err
	}
	if resp.StatusCode >= 300 {
		c.logger.Printf("%s returned status %d", c.adapter.Name(), resp.StatusCode)
	}
	return c.adapter.Decode(resp)
}

// CountTokens delegates to the adapter.
func (c *HTTPClient) CountTokens(ctx context.Context, req ChatRequest) (int, error) {
	return c.adapter.CountTokens(ctx, req)
}

// Do sends a WireRequest. Transport failures become network errors unless the
// context was cancelled, in which case the context error is returned.
func Do(ctx context.Context, client *http.Client, wire WireRequest) (WireResponse, error) {
	method := wire.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, wire.URL, bytes.NewReader(wire.Body))
	if err != nil {
		return WireResponse{}, fmt.Errorf("build request: %w", err)
	}
	for key, values := range wire.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return WireResponse{}, ctxErr
		}
		return WireResponse{}, &Error{Kind: KindNetwork, Op: "send request", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return WireResponse{}, ctxErr
		}
		return WireResponse{}, &Error{Kind: KindNetwork, Op: "read response", Err: err}
	}
	return WireResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// JSONHeader returns a header set with the JSON content type.
func JSONHeader() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return h
}
