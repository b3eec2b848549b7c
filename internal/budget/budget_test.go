package budget

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"pprog/internal/llm"
	"pprog/internal/state"
)

type countingCounter struct {
	calls  int
	factor int
}

func (c *countingCounter) CountTokens(_ context.Context, req llm.ChatRequest) (int, error) {
	c.calls++
	factor := c.factor
	if factor == 0 {
		factor = 1
	}
	return factor * llm.EstimateRequest(req), nil
}

type failingCounter struct{}

func (failingCounter) CountTokens(context.Context, llm.ChatRequest) (int, error) {
	return 0, &llm.Error{Kind: llm.KindNetwork, Op: "count"}
}

// fixedTurn builds a complete turn whose estimate is exactly 21000 tokens.
func fixedTurn(i int) []state.Message {
	id := fmt.Sprintf("id_%d", i)
	return []state.Message{
		state.UserText(strings.Repeat("u", 2000)),
		{Role: state.RoleAssistant, Content: []state.ContentBlock{state.ToolUseBlock(id, "read_file", []byte(`{}`))}},
		state.ToolResultMessage(state.ToolResultBlock(id, strings.Repeat("r", 39987), false)),
		state.AssistantText("ok"),
	}
}

func conversation(turns int) []state.Message {
	var out []state.Message
	for i := 0; i < turns; i++ {
		out = append(out, fixedTurn(i)...)
	}
	return out
}

func TestUnderBudgetUnchanged(t *testing.T) {
	counter := &countingCounter{}
	msgs := conversation(2)
	got, res, err := EnsureWithinBudget(context.Background(), counter, llm.ChatRequest{Messages: msgs}, 128000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Pruned || len(got) != len(msgs) {
		t.Fatalf("expected unchanged conversation, got %d messages pruned=%v", len(got), res.Pruned)
	}
	if counter.calls != 1 {
		t.Fatalf("expected one count call, got %d", counter.calls)
	}
}

func TestPrunesOldestWholeTurns(t *testing.T) {
	msgs := conversation(10)
	if est := llm.EstimateTokens("", msgs); est != 210000 {
		t.Fatalf("fixture estimate = %d, want 210000", est)
	}
	counter := &countingCounter{}
	got, res, err := EnsureWithinBudget(context.Background(), counter, llm.ChatRequest{Messages: msgs}, 128000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counter.calls != 1 {
		t.Fatalf("expected one count call, got %d", counter.calls)
	}
	if !res.Pruned || res.TurnsRemoved != 4 || res.MessagesRemoved != 16 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.TokensBefore != 210000 || res.TokensAfter != 126000 {
		t.Fatalf("unexpected token stats: %+v", res)
	}
	if est := llm.EstimateTokens("", got); est > 128000 {
		t.Fatalf("pruned conversation still over budget: %d", est)
	}
	if !got[0].IsUserText() {
		t.Fatal("pruned conversation must start at a turn boundary")
	}
	if got[1].ToolUses()[0].ID != "id_4" {
		t.Fatalf("oldest turns should be removed first, first kept tool id = %s", got[1].ToolUses()[0].ID)
	}
	if err := state.ValidatePairing(got); err != nil {
		t.Fatalf("pairing broken: %v", err)
	}
}

func TestPruningIsIdempotent(t *testing.T) {
	counter := &countingCounter{}
	req := llm.ChatRequest{Messages: conversation(10)}
	first, _, err := EnsureWithinBudget(context.Background(), counter, req, 128000)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	req.Messages = first
	second, res, err := EnsureWithinBudget(context.Background(), counter, req, 128000)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if res.Pruned || len(second) != len(first) {
		t.Fatalf("second pass changed conversation: %+v", res)
	}
}

func TestExactCountIsScaled(t *testing.T) {
	// The provider reports twice the local estimate: 420000 tokens.
	counter := &countingCounter{factor: 2}
	got, res, err := EnsureWithinBudget(context.Background(), counter, llm.ChatRequest{Messages: conversation(10)}, 128000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// One count for the request and one to confirm the pruned result.
	if counter.calls != 2 {
		t.Fatalf("exact counter called %d times", counter.calls)
	}
	// Each turn now costs 42000, so only three turns fit.
	if res.TurnsRemoved != 7 || res.TokensAfter != 126000 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(got) != 12 {
		t.Fatalf("expected 12 messages, got %d", len(got))
	}
}

// denseCounter charges three times the estimate for messages containing '#',
// so turns differ in their real token density.
type denseCounter struct {
	calls int
}

func (c *denseCounter) CountTokens(_ context.Context, req llm.ChatRequest) (int, error) {
	c.calls++
	return denseCount(req.Messages), nil
}

func denseCount(msgs []state.Message) int {
	chars := 0
	for _, msg := range msgs {
		n := llm.MessageChars(msg)
		for _, block := range msg.Content {
			if strings.Contains(block.Text, "#") || strings.Contains(block.Content, "#") {
				n *= 3
				break
			}
		}
		chars += n
	}
	return (chars + llm.CharsPerToken - 1) / llm.CharsPerToken
}

func denseTurn(i int) []state.Message {
	id := fmt.Sprintf("dense_%d", i)
	return []state.Message{
		state.UserText(strings.Repeat("#", 2000)),
		{Role: state.RoleAssistant, Content: []state.ContentBlock{state.ToolUseBlock(id, "read_file", []byte(`{}`))}},
		state.ToolResultMessage(state.ToolResultBlock(id, strings.Repeat("#", 39987), false)),
		state.AssistantText("ok"),
	}
}

func TestRecountCorrectsUnevenDensity(t *testing.T) {
	msgs := conversation(6)
	for i := 0; i < 3; i++ {
		msgs = append(msgs, denseTurn(i)...)
	}
	counter := &denseCounter{}
	got, res, err := EnsureWithinBudget(context.Background(), counter, llm.ChatRequest{Messages: msgs}, 128000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counter.calls != 2 {
		t.Fatalf("counter called %d times, want 2", counter.calls)
	}
	// The overall ratio keeps three dense turns; the recount shows only two fit.
	if res.TurnsRemoved != 7 || len(got) != 8 {
		t.Fatalf("unexpected result: %+v, %d messages", res, len(got))
	}
	if n := denseCount(got); n > 128000 {
		t.Fatalf("pruned request counts %d tokens, over the ceiling", n)
	}
	if err := state.ValidatePairing(got); err != nil {
		t.Fatalf("pairing broken: %v", err)
	}
}

func TestOpenTurnGetsPlaceholder(t *testing.T) {
	msgs := []state.Message{
		state.UserText("old question"),
		state.AssistantText("old answer"),
		state.UserText("read the big file"),
		{Role: state.RoleAssistant, Content: []state.ContentBlock{state.ToolUseBlock("big", "read_file", []byte(`{"path":"dump.sql"}`))}},
		state.ToolResultMessage(state.ToolResultBlock("big", strings.Repeat("x", 5000), false)),
	}
	got, res, err := EnsureWithinBudget(context.Background(), &countingCounter{}, llm.ChatRequest{Messages: msgs}, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Placeholder || res.TurnsRemoved != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(got) != 2 {
		t.Fatalf("expected user text plus placeholder, got %d messages", len(got))
	}
	if got[0].Text() != "read the big file" {
		t.Fatalf("current user message lost: %q", got[0].Text())
	}
	if got[1].Role != state.RoleAssistant || len(got[1].Content) != 1 || got[1].Content[0].Text != "" {
		t.Fatalf("placeholder malformed: %+v", got[1])
	}
	if err := state.ValidatePairing(got); err != nil {
		t.Fatalf("pairing broken: %v", err)
	}
	if res.MessagesRemoved != 4 {
		t.Fatalf("messages removed = %d, want 4", res.MessagesRemoved)
	}
}

func TestSingleHugeTurnExceedsBudget(t *testing.T) {
	msgs := []state.Message{
		state.UserText("hi"),
		state.AssistantText("hello"),
		state.UserText(strings.Repeat("z", 4000)),
	}
	got, _, err := EnsureWithinBudget(context.Background(), &countingCounter{}, llm.ChatRequest{Messages: msgs}, 1000)
	if !errors.Is(err, llm.ErrBudgetExceeded) {
		t.Fatalf("expected budget exceeded, got %v", err)
	}
	if len(got) != len(msgs) {
		t.Fatal("conversation must be returned unchanged on failure")
	}
}

func TestCounterErrorPropagates(t *testing.T) {
	_, _, err := EnsureWithinBudget(context.Background(), failingCounter{}, llm.ChatRequest{Messages: conversation(1)}, 10)
	if !errors.Is(err, llm.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestZeroMaxContextDisablesBudget(t *testing.T) {
	counter := &countingCounter{}
	_, res, err := EnsureWithinBudget(context.Background(), counter, llm.ChatRequest{Messages: conversation(3)}, 0)
	if err != nil || res.Pruned || counter.calls != 0 {
		t.Fatalf("expected no-op, got %+v %v calls=%d", res, err, counter.calls)
	}
}

func TestTurnStarts(t *testing.T) {
	msgs := []state.Message{
		state.AssistantText(""),
		state.UserText("a"),
		state.AssistantText("b"),
		state.UserText("c"),
	}
	got := TurnStarts(msgs)
	want := []int{0, 1, 3}
	if len(got) != len(want) {
		t.Fatalf("TurnStarts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("TurnStarts = %v, want %v", got, want)
		}
	}
}

func TestPairingHoldsAfterRandomPruning(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		var msgs []state.Message
		id := 0
		turns := 1 + rng.Intn(8)
		for turn := 0; turn < turns; turn++ {
			msgs = append(msgs, state.UserText(strings.Repeat("q", 1+rng.Intn(400))))
			rounds := rng.Intn(3)
			for r := 0; r < rounds; r++ {
				calls := 1 + rng.Intn(3)
				asst := state.Message{Role: state.RoleAssistant}
				var ids []string
				for c := 0; c < calls; c++ {
					id++
					tid := fmt.Sprintf("t%d", id)
					ids = append(ids, tid)
					asst.Content = append(asst.Content, state.ToolUseBlock(tid, "execute", []byte(`{"command":"ls"}`)))
				}
				msgs = append(msgs, asst)
				for _, tid := range ids {
					msgs = append(msgs, state.ToolResultMessage(state.ToolResultBlock(tid, strings.Repeat("o", rng.Intn(800)), false)))
				}
			}
			if turn < turns-1 || rng.Intn(2) == 0 {
				msgs = append(msgs, state.AssistantText("done"))
			}
		}
		limit := 50 + rng.Intn(1500)
		got, _, err := EnsureWithinBudget(context.Background(), &countingCounter{}, llm.ChatRequest{Messages: msgs}, limit)
		if err != nil {
			if !errors.Is(err, llm.ErrBudgetExceeded) {
				t.Fatalf("trial %d: unexpected error %v", trial, err)
			}
			continue
		}
		if err := state.ValidatePairing(got); err != nil {
			t.Fatalf("trial %d: pairing broken after pruning: %v", trial, err)
		}
		if est := llm.EstimateTokens("", got); est > limit {
			t.Fatalf("trial %d: estimate %d over limit %d", trial, est, limit)
		}
	}
}
