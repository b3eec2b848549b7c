package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pprog/internal/budget"
	"pprog/internal/llm"
	"pprog/internal/logging"
	"pprog/internal/state"
	"pprog/internal/tooling"
)

// State is the position of a session's orchestration loop.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingModel    State = "awaiting_model"
	StateDispatchingTools State = "dispatching_tools"
	StateTerminal         State = "terminal"
)

// DefaultMaxIterations bounds tool-dispatch rounds per user turn when Options
// leaves it unset.
const DefaultMaxIterations = 50

// ErrInvalidMessage is returned when a submitted message is not plain user text.
var ErrInvalidMessage = errors.New("invalid message: expected user text")

// Model is a provider client that can also size a request.
type Model interface {
	llm.Client
	llm.TokenCounter
}

// StreamCallback receives progress events during a turn. Returned errors are
// logged and otherwise ignored.
type StreamCallback func(eventType string, data any) error

// Options configures the loop.
type Options struct {
	Model         string
	MaxTokens     int
	Temperature   float64
	MaxContext    int
	MaxIterations int
	// System renders the system prompt before every model call. Nil sends none.
	System func() string
	Logger *logging.StructuredLogger
}

// Agent drives conversations through model calls and tool dispatch. Turns for
// one session are serialized; different sessions run independently.
type Agent struct {
	client Model
	states *state.Manager
	tools  *tooling.Executor
	budget *budget.Budgeter
	opts   Options
	log    *logging.StructuredLogger

	sessionsMu sync.Mutex
	sessions   map[string]*session
}

type session struct {
	turn sync.Mutex

	mu    sync.Mutex
	state State
}

func (s *session) get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) set(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func New(client Model, states *state.Manager, tools *tooling.Executor, opts Options) *Agent {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	log := opts.Logger.WithComponent("agent")
	return &Agent{
		client:   client,
		states:   states,
		tools:    tools,
		budget:   budget.New(client, opts.MaxContext, opts.Logger),
		opts:     opts,
		log:      log,
		sessions: make(map[string]*session),
	}
}

func (a *Agent) session(id string) *session {
	a.sessionsMu.Lock()
	defer a.sessionsMu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		s = &session{state: StateIdle}
		a.sessions[id] = s
	}
	return s
}

// State reports where the session's loop currently is.
func (a *Agent) State(sessionID string) State {
	return a.session(sessionID).get()
}

// SubmitUserMessage runs one user turn to completion and returns the final
// assistant message.
func (a *Agent) SubmitUserMessage(ctx context.Context, sessionID string, msg state.Message) (state.Message, error) {
	return a.SubmitWithCallback(ctx, sessionID, msg, nil)
}

// SubmitWithCallback is SubmitUserMessage with progress events.
func (a *Agent) SubmitWithCallback(ctx context.Context, sessionID string, msg state.Message, callback StreamCallback) (state.Message, error) {
	if !msg.IsUserText() {
		return state.Message{}, ErrInvalidMessage
	}
	sess := a.session(sessionID)
	sess.turn.Lock()
	defer sess.turn.Unlock()

	t := &turn{
		agent:    a,
		sess:     sess,
		callback: callback,
		log:      a.log.WithSession(sessionID),
	}
	reply, err := t.run(ctx, sessionID, msg)
	if err != nil {
		t.log.Error("turn failed", map[string]interface{}{
			"kind":  string(llm.KindOf(err)),
			"error": err.Error(),
		})
	}
	t.transition(StateIdle)
	return reply, err
}

// GetMessages returns the full stored conversation.
func (a *Agent) GetMessages(sessionID string) ([]state.Message, error) {
	conv, err := a.states.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return conv.Messages(), nil
}

// Clear empties a session's conversation. It waits for an in-flight turn.
func (a *Agent) Clear(sessionID string) error {
	sess := a.session(sessionID)
	sess.turn.Lock()
	defer sess.turn.Unlock()
	if _, err := a.states.Get(sessionID); errors.Is(err, state.ErrUnknownSession) {
		return nil
	}
	return a.states.Clear(sessionID)
}

// Sessions lists stored sessions, most recently updated first.
func (a *Agent) Sessions() []state.Summary {
	return a.states.Summaries()
}

// turn is the state of a single SubmitWithCallback call.
type turn struct {
	agent    *Agent
	sess     *session
	conv     *state.Conversation
	callback StreamCallback
	log      *logging.StructuredLogger
}

func (t *turn) emit(event string, data map[string]any) {
	if t.callback == nil {
		return
	}
	if err := t.callback(event, data); err != nil {
		t.log.Debug("stream callback failed", map[string]interface{}{"event": event, "error": err.Error()})
	}
}

func (t *turn) transition(st State) {
	prev := t.sess.get()
	if prev == st {
		return
	}
	t.sess.set(st)
	t.log.Debug("state change", map[string]interface{}{"from": string(prev), "to": string(st)})
	t.emit("state_change", map[string]any{"from": string(prev), "to": string(st)})
}

func (t *turn) append(msg state.Message) error {
	t.conv.Append(msg)
	if err := t.agent.states.Save(t.conv); err != nil {
		return &llm.Error{Kind: llm.KindInternal, Op: "save conversation", Err: err}
	}
	return nil
}

func (t *turn) run(ctx context.Context, sessionID string, msg state.Message) (state.Message, error) {
	a := t.agent
	conv, err := a.states.Ensure(sessionID)
	if err != nil {
		return state.Message{}, &llm.Error{Kind: llm.KindInternal, Op: "open session", Err: err}
	}
	t.conv = conv
	if err := t.append(msg); err != nil {
		return state.Message{}, err
	}

	iterations := 0
	for {
		if err := ctx.Err(); err != nil {
			t.transition(StateTerminal)
			return state.Message{}, err
		}
		t.transition(StateAwaitingModel)
		reply, err := t.callModel(ctx)
		if err != nil {
			t.transition(StateTerminal)
			return state.Message{}, err
		}
		if err := t.append(reply); err != nil {
			t.transition(StateTerminal)
			return state.Message{}, err
		}
		t.emit("assistant_message", map[string]any{
			"content":   reply.Text(),
			"tool_uses": len(reply.ToolUses()),
		})

		uses := reply.ToolUses()
		if len(uses) == 0 {
			t.transition(StateTerminal)
			return reply, nil
		}

		iterations++
		if iterations > a.opts.MaxIterations {
			reason := fmt.Sprintf("not executed: tool loop limit of %d iterations reached", a.opts.MaxIterations)
			if err := t.resolveUnexecuted(uses, reason); err != nil {
				return state.Message{}, err
			}
			t.transition(StateTerminal)
			return state.Message{}, &llm.Error{
				Kind:    llm.KindLoopLimit,
				Op:      "dispatch tools",
				Message: fmt.Sprintf("model requested tools for more than %d iterations", a.opts.MaxIterations),
			}
		}

		t.transition(StateDispatchingTools)
		if err := t.dispatch(ctx, uses); err != nil {
			t.transition(StateTerminal)
			return state.Message{}, err
		}
	}
}

// callModel budgets the conversation and asks the model for the next turn.
func (t *turn) callModel(ctx context.Context) (state.Message, error) {
	a := t.agent
	req := llm.ChatRequest{
		Model:       a.opts.Model,
		Messages:    t.conv.Messages(),
		Tools:       a.tools.Definitions(),
		MaxTokens:   a.opts.MaxTokens,
		Temperature: a.opts.Temperature,
	}
	if a.opts.System != nil {
		req.System = a.opts.System()
	}

	msgs, res, err := a.budget.Ensure(ctx, req)
	if err != nil {
		return state.Message{}, err
	}
	if res.Pruned {
		t.conv.Replace(msgs)
		if err := a.states.Save(t.conv); err != nil {
			return state.Message{}, &llm.Error{Kind: llm.KindInternal, Op: "save conversation", Err: err}
		}
		event := state.PruneEvent{
			Session:         t.conv.Key(),
			TokensBefore:    res.TokensBefore,
			TokensAfter:     res.TokensAfter,
			TurnsRemoved:    res.TurnsRemoved,
			MessagesRemoved: res.MessagesRemoved,
			Placeholder:     res.Placeholder,
			At:              time.Now(),
		}
		if err := a.states.RecordPrune(event); err != nil {
			t.log.Warn("record prune event failed", map[string]interface{}{"error": err.Error()})
		}
		t.emit("context_pruned", map[string]any{
			"tokens_before":    res.TokensBefore,
			"tokens_after":     res.TokensAfter,
			"turns_removed":    res.TurnsRemoved,
			"messages_removed": res.MessagesRemoved,
			"placeholder":      res.Placeholder,
		})
	}
	req.Messages = msgs

	t.log.Debug("invoking provider", map[string]interface{}{"messages": len(msgs)})
	resp, err := a.client.Chat(ctx, req)
	if err != nil {
		return state.Message{}, err
	}
	if resp.Usage != nil {
		t.log.Debug("token usage", map[string]interface{}{
			"prompt":     resp.Usage.PromptTokens,
			"completion": resp.Usage.CompletionTokens,
			"total":      resp.Usage.TotalTokens,
		})
	}
	if err := validateReply(msgs, resp.Message); err != nil {
		return state.Message{}, err
	}
	return resp.Message, nil
}

// dispatch runs tool requests strictly in emission order. A started tool is
// never interrupted by ctx; once ctx is done, the remaining requests are
// resolved with synthesized errors and the cancellation is returned.
func (t *turn) dispatch(ctx context.Context, uses []state.ContentBlock) error {
	toolCtx := context.WithoutCancel(ctx)
	for i, use := range uses {
		if err := ctx.Err(); err != nil && i > 0 {
			if rerr := t.resolveUnexecuted(uses[i:], "not executed: request cancelled"); rerr != nil {
				return rerr
			}
			return err
		}
		t.emit("tool_call_started", map[string]any{
			"id":        use.ID,
			"function":  use.Name,
			"arguments": string(use.Input),
		})
		logging.UserLog("Executing tool: %s", use.Name)
		result := t.agent.tools.Execute(toolCtx, use)
		if err := t.append(state.ToolResultMessage(result)); err != nil {
			return err
		}
		t.emit("tool_call_completed", map[string]any{
			"id":       use.ID,
			"function": use.Name,
			"result":   result.Content,
			"error":    result.IsError,
		})
	}
	return ctx.Err()
}

// resolveUnexecuted records an error result for each request that will not run,
// so no tool_use is left without its result.
func (t *turn) resolveUnexecuted(uses []state.ContentBlock, reason string) error {
	for _, use := range uses {
		if err := t.append(state.ToolResultMessage(state.ToolResultBlock(use.ID, reason, true))); err != nil {
			return err
		}
	}
	return nil
}

// validateReply rejects assistant turns the conversation cannot store.
func validateReply(history []state.Message, reply state.Message) error {
	if reply.Role != state.RoleAssistant {
		return llm.ProtocolErrorf("decode response", "expected assistant message, got role %q", reply.Role)
	}
	if err := reply.Validate(); err != nil {
		return llm.ProtocolErrorf("decode response", "%v", err)
	}
	seen := make(map[string]bool)
	for _, msg := range history {
		for _, use := range msg.ToolUses() {
			seen[use.ID] = true
		}
	}
	for _, use := range reply.ToolUses() {
		if seen[use.ID] {
			return llm.ProtocolErrorf("decode response", "duplicate tool_use id %s", use.ID)
		}
		seen[use.ID] = true
	}
	return nil
}
