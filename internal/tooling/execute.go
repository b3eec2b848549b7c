package tooling

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pprog/internal/logging"
)

// ExecuteTool runs a shell command in the project root.
type ExecuteTool struct {
	runner *shellRunner
}

func (t *ExecuteTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "execute",
			Description: "Run a shell command with bash in the project root and return its combined stdout and stderr. Long output is truncated in the middle.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "The shell command to run.",
					},
				},
				"required": []string{"command"},
			},
		},
	}
}

func (t *ExecuteTool) Call(ctx context.Context, args map[string]any) (string, error) {
	command, ok := stringArg(args, "command")
	if !ok {
		command, ok = stringArg(args, "statement")
	}
	if !ok || strings.TrimSpace(command) == "" {
		return "", errors.New("command is required")
	}
	res, err := t.runner.run(ctx, command)
	if err != nil {
		return "", err
	}
	out := res.output
	if res.exitCode != 0 {
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += fmt.Sprintf("[exit status %d]", res.exitCode)
	}
	if out == "" {
		out = "(no output)"
	}
	return out, nil
}

type runResult struct {
	output   string
	exitCode int
	prompts  int
}

// shellRunner executes commands under bash, answering privilege prompts
// through a SecretProvider.
type shellRunner struct {
	dir      string
	timeout  time.Duration
	limit    int
	secrets  SecretProvider
	maxAsked int
}

func shellPath() string {
	if p, err := exec.LookPath("bash"); err == nil {
		return p
	}
	return "sh"
}

// combinedOutput collects stdout and stderr in arrival order and signals each write.
type combinedOutput struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	notify chan struct{}
}

func newCombinedOutput() *combinedOutput {
	return &combinedOutput{notify: make(chan struct{}, 1)}
}

func (c *combinedOutput) Write(p []byte) (int, error) {
	c.mu.Lock()
	n, err := c.buf.Write(p)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return n, err
}

func (c *combinedOutput) snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out
}

func (r *shellRunner) run(ctx context.Context, command string) (runResult, error) {
	prepared := prepareSudo(command, r.secrets != nil)

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, shellPath(), "-c", prepared)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(), "SUDO_PROMPT=[sudo] password for %p: ")
	configureProcess(cmd)
	cmd.WaitDelay = 2 * time.Second

	out := newCombinedOutput()
	cmd.Stdout = out
	cmd.Stderr = out
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return runResult{}, fmt.Errorf("open stdin: %w", err)
	}

	logging.DevLog("execute: running %q in %s", command, r.dir)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return runResult{}, fmt.Errorf("start command: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var (
		red      redactor
		prompts  int
		answered int
		waitErr  error
		stdinOK  = true
		toolUse  string
	)
	defer red.wipe()
	if id, ok := ToolUseIDFromContext(ctx); ok {
		toolUse = id
	}

loop:
	for {
		select {
		case waitErr = <-done:
			break loop
		case <-out.notify:
			snap := out.snapshot()
			if len(snap) <= answered {
				continue
			}
			prompt, ok := detectPrompt(snap[answered:])
			if !ok {
				continue
			}
			answered = len(snap)
			prompts++
			if !stdinOK {
				continue
			}
			if r.secrets == nil || prompts > r.maxAsked {
				stdin.Close()
				stdinOK = false
				continue
			}
			pending := PendingPrivilegedExecution{
				ID:          uuid.NewString(),
				ToolUseID:   toolUse,
				Command:     command,
				Prompt:      prompt,
				RequestedAt: time.Now(),
			}
			logging.UserLog("execute: request %s waiting for privileged input for %q", pending.ID, command)
			secret, err := r.secrets.ProvideSecret(runCtx, pending)
			if err != nil {
				logging.ErrorLog("execute: request %s: no privileged input: %v", pending.ID, err)
				zero(secret)
				stdin.Close()
				stdinOK = false
				continue
			}
			red.add(secret)
			if err := forwardSecret(stdin, secret); err != nil {
				stdinOK = false
			}
		}
	}
	if stdinOK {
		stdin.Close()
	}

	raw := red.apply(out.snapshot())
	output := TruncateOutput(string(raw), r.limit)
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	logging.DevLog("execute: finished in %dms with exit code %d", time.Since(start).Milliseconds(), exitCode)

	if err := ctx.Err(); err != nil {
		return runResult{}, err
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		msg := fmt.Sprintf("command timed out after %s and was killed", r.timeout)
		if output != "" {
			msg += "\npartial output:\n" + output
		}
		return runResult{}, errors.New(msg)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
			return runResult{}, fmt.Errorf("run command: %w", waitErr)
		}
	}
	return runResult{output: output, exitCode: exitCode, prompts: prompts}, nil
}

// CompileCheckTool runs the configured project health-check command.
type CompileCheckTool struct {
	runner  *shellRunner
	command string
}

func (t *CompileCheckTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "compile_check",
			Description: "Run the project's configured build or type check and return its output. Run it after every change.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
}

func (t *CompileCheckTool) Call(ctx context.Context, _ map[string]any) (string, error) {
	if strings.TrimSpace(t.command) == "" {
		return "", errors.New("no check command configured; set check_cmd in pprog.yaml")
	}
	res, err := t.runner.run(ctx, t.command)
	if err != nil {
		return "", err
	}
	if res.output != "" {
		return res.output, nil
	}
	if res.exitCode != 0 {
		return fmt.Sprintf("[exit status %d]", res.exitCode), nil
	}
	return fmt.Sprintf("No errors reported by %s", t.command), nil
}
