package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"pprog/internal/llm"
	"pprog/internal/logging"
	"pprog/internal/state"
)

var commandSuggestions = []prompt.Suggest{
	{Text: ":help", Description: "show this text"},
	{Text: ":clear", Description: "wipe the current session's history"},
	{Text: ":messages", Description: "print the stored conversation"},
	{Text: ":sessions", Description: "list stored sessions"},
	{Text: ":quit", Description: "exit the program"},
	{Text: ":exit", Description: "exit the program"},
}

type interruptTracker struct {
	mu     sync.Mutex
	last   time.Time
	window time.Duration
}

func newInterruptTracker(window time.Duration) *interruptTracker {
	return &interruptTracker{window: window}
}

func (t *interruptTracker) secondPress() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if !t.last.IsZero() && now.Sub(t.last) < t.window {
		t.last = time.Time{}
		return true
	}
	t.last = now
	return false
}

type promptExit struct{}

// REPL is the interactive terminal front end for one session.
type REPL struct {
	agent   *Agent
	session string
	history *inputHistory
	out     io.Writer
	in      io.Reader
	isTTY   bool
	render  *glamour.TermRenderer

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// NewREPL binds a terminal front end to session. Answers are rendered as
// markdown when stdout is a terminal.
func NewREPL(agent *Agent, session, historyPath string) *REPL {
	r := &REPL{
		agent:   agent,
		session: session,
		history: loadInputHistory(historyPath),
		out:     os.Stdout,
		in:      os.Stdin,
		isTTY:   term.IsTerminal(int(os.Stdin.Fd())),
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(0),
		); err == nil {
			r.render = renderer
		}
	}
	return r
}

// Run reads prompts until the operator exits.
func (r *REPL) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracker := newInterruptTracker(2 * time.Second)
	fmt.Fprintf(r.out, "pprog ready (session %s). Type ':help' for commands. Use double Ctrl+C to exit.\n", r.session)
	if msgs, err := r.agent.GetMessages(r.session); err == nil && len(msgs) > 0 {
		fmt.Fprintf(r.out, "(loaded %d conversation messages)\n", len(msgs))
	}
	if r.isTTY {
		return r.runPrompt(ctx, cancel, tracker)
	}
	go r.handleInterrupts(ctx, cancel, tracker)
	return r.runNonInteractive(ctx, cancel)
}

// RunOneShot submits a single prompt and prints the answer.
func (r *REPL) RunOneShot(ctx context.Context, text string) error {
	reply, err := r.agent.SubmitUserMessage(ctx, r.session, state.UserText(text))
	if err != nil {
		return fmt.Errorf("submit prompt: %w", err)
	}
	r.printResponse(reply.Text())
	return nil
}

func (r *REPL) runPrompt(ctx context.Context, cancel context.CancelFunc, tracker *interruptTracker) (err error) {
	var restore func()
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		if st, terr := term.GetState(fd); terr == nil {
			restore = func() { _ = term.Restore(fd, st) }
		}
	}
	if restore != nil {
		defer restore()
	}

	var exitRequested atomic.Bool
	defer func() {
		if rec := recover(); rec != nil {
			if _, ok := rec.(promptExit); ok {
				err = nil
				return
			}
			panic(rec)
		}
	}()

	executor := func(in string) {
		if exitRequested.Load() || ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(in)
		if line == "" {
			return
		}
		r.history.Add(line)
		if exit := r.handleLine(ctx, line); exit {
			exitRequested.Store(true)
			cancel()
			panic(promptExit{})
		}
	}

	p := prompt.New(
		executor,
		r.commandCompleter(),
		prompt.OptionHistory(r.history.Entries()),
		prompt.OptionTitle("pprog"),
		prompt.OptionPrefix(fmt.Sprintf("[%s] > ", r.session)),
		prompt.OptionAddKeyBind(
			prompt.KeyBind{
				Key: prompt.ControlC,
				Fn: func(buf *prompt.Buffer) {
					if r.cancelInFlight() {
						fmt.Fprintln(r.out, "\n(Current request cancelled.)")
						return
					}
					if tracker.secondPress() {
						fmt.Fprintln(r.out, "\nReceived second Ctrl+C, exiting.")
						exitRequested.Store(true)
						cancel()
						panic(promptExit{})
					}
					fmt.Fprintln(r.out, "\n(Press Ctrl+C again within 2s to exit)")
				},
			},
			prompt.KeyBind{
				Key: prompt.ControlD,
				Fn: func(buf *prompt.Buffer) {
					if buf.Text() == "" {
						exitRequested.Store(true)
						cancel()
						panic(promptExit{})
					}
				},
			},
		),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool {
			if exitRequested.Load() {
				return true
			}
			select {
			case <-ctx.Done():
				return true
			default:
				return false
			}
		}),
	)

	p.Run()
	return nil
}

func (r *REPL) commandCompleter() func(prompt.Document) []prompt.Suggest {
	return func(doc prompt.Document) []prompt.Suggest {
		word := doc.GetWordBeforeCursor()
		prefix := strings.TrimLeft(doc.TextBeforeCursor(), " \t")
		if !strings.HasPrefix(prefix, ":") {
			return nil
		}
		return prompt.FilterHasPrefix(commandSuggestions, word, true)
	}
}

func (r *REPL) runNonInteractive(ctx context.Context, cancel context.CancelFunc) error {
	reader := bufio.NewReader(r.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		fmt.Fprintf(r.out, "[%s] > ", r.session)
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if strings.TrimSpace(line) != "" {
					r.handleLine(ctx, line)
				}
				fmt.Fprintln(r.out)
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		if exit := r.handleLine(ctx, trimLineEnding(line)); exit {
			cancel()
			return nil
		}
	}
}

// handleInterrupts cancels the in-flight turn on Ctrl+C and exits on a second press.
func (r *REPL) handleInterrupts(ctx context.Context, cancel context.CancelFunc, tracker *interruptTracker) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			if r.cancelInFlight() {
				fmt.Fprintln(r.out, "\n(Current request cancelled.)")
				continue
			}
			if tracker.secondPress() {
				fmt.Fprintln(r.out, "\nReceived second Ctrl+C, exiting.")
				cancel()
				return
			}
			fmt.Fprintln(r.out, "\n(Press Ctrl+C again within 2s to exit)")
		}
	}
}

func (r *REPL) cancelInFlight() bool {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	if r.cancel == nil {
		return false
	}
	r.cancel()
	r.cancel = nil
	return true
}

func (r *REPL) handleLine(ctx context.Context, input string) bool {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return false
	}
	if strings.HasPrefix(trimmed, ":") {
		return r.handleCommand(trimmed)
	}

	reqCtx, reqCancel := context.WithCancel(ctx)
	r.cancelMu.Lock()
	r.cancel = reqCancel
	r.cancelMu.Unlock()
	defer func() {
		r.cancelMu.Lock()
		r.cancel = nil
		r.cancelMu.Unlock()
		reqCancel()
	}()

	logging.DevLog("dispatching prompt: %d chars", len(input))
	reply, err := r.agent.SubmitWithCallback(reqCtx, r.session, state.UserText(input), r.progress)
	if err != nil {
		if llm.KindOf(err) == llm.KindCancelled {
			fmt.Fprintln(r.out, "(request cancelled)")
			return false
		}
		fmt.Fprintf(r.out, "Error (%s): %v\n", llm.KindOf(err), err)
		return false
	}
	r.printResponse(reply.Text())
	return false
}

func (r *REPL) progress(event string, data any) error {
	fields, _ := data.(map[string]any)
	switch event {
	case "tool_call_started":
		fmt.Fprintf(r.out, "→ %v\n", fields["function"])
	case "tool_call_completed":
		if isErr, _ := fields["error"].(bool); isErr {
			fmt.Fprintf(r.out, "✗ %v failed\n", fields["function"])
		}
	case "context_pruned":
		fmt.Fprintf(r.out, "(context pruned: %v turns removed)\n", fields["turns_removed"])
	}
	return nil
}

func (r *REPL) handleCommand(cmd string) bool {
	parts := strings.Fields(cmd)
	switch parts[0] {
	case ":help":
		fmt.Fprintln(r.out, `Commands:
  :help       show this text
  :clear      wipe the current session's history
  :messages   print the stored conversation
  :sessions   list stored sessions
  :quit       exit the program`)
	case ":clear":
		if err := r.agent.Clear(r.session); err != nil {
			fmt.Fprintf(r.out, "clear failed: %v\n", err)
			return false
		}
		fmt.Fprintln(r.out, "Conversation cleared.")
	case ":messages":
		msgs, err := r.agent.GetMessages(r.session)
		if err != nil || len(msgs) == 0 {
			fmt.Fprintln(r.out, "No messages yet.")
			return false
		}
		for _, msg := range msgs {
			fmt.Fprintln(r.out, describeMessage(msg))
		}
	case ":sessions":
		summaries := r.agent.Sessions()
		if len(summaries) == 0 {
			fmt.Fprintln(r.out, "No sessions yet.")
			return false
		}
		for _, s := range summaries {
			marker := " "
			if s.Key == r.session {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %s  %d messages  updated %s\n", marker, s.Key, s.MessageCount, s.UpdatedAt.Format(time.RFC3339))
		}
	case ":quit", ":exit":
		return true
	default:
		fmt.Fprintf(r.out, "Unknown command %s. Type :help for a list.\n", parts[0])
	}
	return false
}

func describeMessage(msg state.Message) string {
	var parts []string
	for _, block := range msg.Content {
		switch block.Type {
		case state.BlockText:
			parts = append(parts, block.Text)
		case state.BlockToolUse:
			parts = append(parts, fmt.Sprintf("[tool_use %s %s %s]", block.ID, block.Name, string(block.Input)))
		case state.BlockToolResult:
			status := "ok"
			if block.IsError {
				status = "error"
			}
			parts = append(parts, fmt.Sprintf("[tool_result %s %s, %d chars]", block.ToolUseID, status, len(block.Content)))
		}
	}
	return fmt.Sprintf("%s: %s", msg.Role, strings.Join(parts, " "))
}

func trimLineEnding(s string) string {
	s = strings.TrimSuffix(s, "\r\n")
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")
	return s
}

func (r *REPL) printResponse(text string) {
	if r.render == nil || strings.TrimSpace(text) == "" {
		fmt.Fprintf(r.out, "%s\n", text)
		return
	}
	rendered, err := r.render.Render(text)
	if err != nil {
		logging.DevLog("markdown render failed: %v", err)
		fmt.Fprintf(r.out, "%s\n", text)
		return
	}
	fmt.Fprint(r.out, strings.TrimRight(rendered, "\n")+"\n")
}
