package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pprog/internal/logging"
	"pprog/internal/state"
)

// Executor resolves tool requests against a registry. Failures never escape
// as errors; they become is_error results the model can react to.
type Executor struct {
	registry *Registry
	log      *logging.StructuredLogger
}

func NewExecutor(registry *Registry, log *logging.StructuredLogger) *Executor {
	return &Executor{registry: registry, log: log.WithComponent("tools")}
}

// Definitions lists the tools advertised to the model.
func (e *Executor) Definitions() []ToolDefinition {
	return e.registry.Definitions()
}

// Execute runs the tool named by use and returns the matching tool_result block.
func (e *Executor) Execute(ctx context.Context, use state.ContentBlock) state.ContentBlock {
	tool, ok := e.registry.Lookup(use.Name)
	if !ok {
		return state.ToolResultBlock(use.ID, fmt.Sprintf("unknown tool: %s", use.Name), true)
	}
	args := map[string]any{}
	if len(use.Input) > 0 {
		if err := json.Unmarshal(use.Input, &args); err != nil {
			return state.ToolResultBlock(use.ID, fmt.Sprintf("invalid arguments for %s: %v", use.Name, err), true)
		}
	}

	start := time.Now()
	out, err := tool.Call(WithToolUseID(ctx, use.ID), args)
	fields := map[string]interface{}{
		"tool":        use.Name,
		"tool_use_id": use.ID,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		e.log.Warn("tool call failed", fields)
		return state.ToolResultBlock(use.ID, err.Error(), true)
	}
	fields["output_chars"] = len(out)
	e.log.Info("tool call completed", fields)
	return state.ToolResultBlock(use.ID, out, false)
}
