// Package budget keeps a conversation under a provider's context ceiling by
// removing whole turns from the front.
package budget

import (
	"context"
	"fmt"
	"math"

	"pprog/internal/llm"
	"pprog/internal/logging"
	"pprog/internal/state"
)

// Result describes what a budget check did.
type Result struct {
	Pruned          bool
	TokensBefore    int
	TokensAfter     int
	TurnsRemoved    int
	MessagesRemoved int
	// Placeholder is set when the tool exchanges of the open turn were replaced
	// by an empty assistant message.
	Placeholder bool
}

// Budgeter applies EnsureWithinBudget for a fixed counter and ceiling.
type Budgeter struct {
	counter    llm.TokenCounter
	maxContext int
	logger     *logging.StructuredLogger
}

// New returns a Budgeter. A nil logger is allowed.
func New(counter llm.TokenCounter, maxContext int, logger *logging.StructuredLogger) *Budgeter {
	return &Budgeter{counter: counter, maxContext: maxContext, logger: logger.WithComponent("budget")}
}

// MaxContext returns the configured ceiling.
func (b *Budgeter) MaxContext() int {
	return b.maxContext
}

// Ensure checks req against the ceiling and returns the messages to send.
func (b *Budgeter) Ensure(ctx context.Context, req llm.ChatRequest) ([]state.Message, Result, error) {
	msgs, res, err := EnsureWithinBudget(ctx, b.counter, req, b.maxContext)
	if err != nil {
		b.logger.Warn("budget check failed", map[string]interface{}{
			"tokens":      res.TokensBefore,
			"max_context": b.maxContext,
			"error":       err.Error(),
		})
		return msgs, res, err
	}
	if res.Pruned {
		b.logger.Info("conversation pruned", map[string]interface{}{
			"tokens_before":    res.TokensBefore,
			"tokens_after":     res.TokensAfter,
			"turns_removed":    res.TurnsRemoved,
			"messages_removed": res.MessagesRemoved,
			"placeholder":      res.Placeholder,
			"max_context":      b.maxContext,
		})
	}
	return msgs, res, nil
}

// EnsureWithinBudget counts req through counter. If the count exceeds
// maxContext, the oldest turns are dropped whole until the conversation fits.
// The newest turn is never dropped; if it alone is too large and it carries
// tool exchanges, those are replaced by one empty assistant message. When even
// that does not fit, a budget_exceeded error is returned together with the
// unmodified messages.
//
// Candidate costs are the local character estimate scaled by count/estimate.
// When that scale is not 1 the pruned request is counted once more and, if the
// provider still reports it over the ceiling, pruned again with the corrected
// scale. A check therefore makes at most two counting calls.
func EnsureWithinBudget(ctx context.Context, counter llm.TokenCounter, req llm.ChatRequest, maxContext int) ([]state.Message, Result, error) {
	original := req.Messages
	if maxContext <= 0 {
		return original, Result{}, nil
	}
	count, err := counter.CountTokens(ctx, req)
	if err != nil {
		return original, Result{}, err
	}
	res := Result{TokensBefore: count, TokensAfter: count}
	if count <= maxContext {
		return original, res, nil
	}

	starts := TurnStarts(original)
	p := plan(req.System, original, starts, scale(count, llm.EstimateRequest(req)), maxContext)

	if p.after <= maxContext && p.ratio != 1.0 {
		pruned := req
		pruned.Messages = p.kept
		recount, err := counter.CountTokens(ctx, pruned)
		if err != nil {
			return original, res, err
		}
		if recount > maxContext {
			p = plan(req.System, original, starts, scale(recount, llm.EstimateTokens(req.System, p.kept)), maxContext)
		} else {
			p.after = recount
		}
	}

	res.TurnsRemoved = p.turnsRemoved
	res.Placeholder = p.placeholder
	if p.after > maxContext {
		return original, res, &llm.Error{
			Kind:    llm.KindBudgetExceeded,
			Op:      "ensure within budget",
			Message: fmt.Sprintf("current turn needs about %d tokens, limit is %d", p.after, maxContext),
		}
	}

	out := make([]state.Message, len(p.kept))
	copy(out, p.kept)
	res.Pruned = true
	res.TokensAfter = p.after
	res.MessagesRemoved = len(original) - len(out)
	if res.Placeholder {
		res.MessagesRemoved++
	}
	return out, res, nil
}

type pruning struct {
	kept         []state.Message
	after        int
	turnsRemoved int
	placeholder  bool
	ratio        float64
}

func scale(count, estimate int) float64 {
	if estimate > 0 && estimate != count {
		return float64(count) / float64(estimate)
	}
	return 1.0
}

// plan picks the messages to keep under maxContext using estimates scaled by
// ratio.
func plan(system string, original []state.Message, starts []int, ratio float64, maxContext int) pruning {
	cost := func(msgs []state.Message) int {
		est := llm.EstimateTokens(system, msgs)
		if ratio == 1.0 {
			return est
		}
		return int(math.Ceil(ratio * float64(est)))
	}

	first := 0
	for first < len(starts)-1 && cost(original[starts[first]:]) > maxContext {
		first++
	}
	p := pruning{kept: original, turnsRemoved: first, ratio: ratio}
	if len(starts) > 0 {
		p.kept = original[starts[first]:]
	}
	p.after = cost(p.kept)

	if p.after > maxContext && hasToolExchange(p.kept) {
		replaced := make([]state.Message, 0, 2)
		if len(p.kept) > 0 && p.kept[0].IsUserText() {
			replaced = append(replaced, p.kept[0])
		}
		replaced = append(replaced, state.AssistantText(""))
		p.kept = replaced
		p.after = cost(p.kept)
		p.placeholder = true
	}
	return p
}

// TurnStarts returns the index at which each turn begins. A turn opens at a user
// text message; leading messages before the first one form their own turn.
func TurnStarts(msgs []state.Message) []int {
	if len(msgs) == 0 {
		return nil
	}
	starts := make([]int, 0, 8)
	if !msgs[0].IsUserText() {
		starts = append(starts, 0)
	}
	for i, msg := range msgs {
		if msg.IsUserText() {
			starts = append(starts, i)
		}
	}
	return starts
}

func hasToolExchange(msgs []state.Message) bool {
	for _, msg := range msgs {
		for _, block := range msg.Content {
			if block.Type == state.BlockToolUse || block.Type == state.BlockToolResult {
				return true
			}
		}
	}
	return false
}
