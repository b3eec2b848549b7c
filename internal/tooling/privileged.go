package tooling

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	maxSecretPrompts = 3
	redactedSecret   = "********"
)

// ErrNoTerminal is returned when no controlling terminal is available to ask for a secret.
var ErrNoTerminal = errors.New("no controlling terminal available for privileged input")

// PendingPrivilegedExecution identifies a command blocked on an elevation prompt.
// It never carries the secret and is never written to a conversation.
type PendingPrivilegedExecution struct {
	ID          string
	ToolUseID   string
	Command     string
	Prompt      string
	RequestedAt time.Time
}

// SecretProvider supplies operator input for a blocked command. The returned
// slice is zeroed by the caller once it has been forwarded.
type SecretProvider interface {
	ProvideSecret(ctx context.Context, pending PendingPrivilegedExecution) ([]byte, error)
}

// SecretProviderFunc adapts a function to SecretProvider.
type SecretProviderFunc func(ctx context.Context, pending PendingPrivilegedExecution) ([]byte, error)

func (f SecretProviderFunc) ProvideSecret(ctx context.Context, pending PendingPrivilegedExecution) ([]byte, error) {
	return f(ctx, pending)
}

// secretTerminal is the operator console a TerminalSecretProvider talks to.
type secretTerminal interface {
	io.Writer
	ReadSecret() ([]byte, error)
}

type ttyTerminal struct {
	f *os.File
}

func (t ttyTerminal) Write(p []byte) (int, error) { return t.f.Write(p) }

func (t ttyTerminal) ReadSecret() ([]byte, error) {
	secret, err := term.ReadPassword(int(t.f.Fd()))
	fmt.Fprintln(t.f)
	return secret, err
}

func openTTY() (secretTerminal, error) {
	f, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if !term.IsTerminal(int(f.Fd())) {
		f.Close()
		return nil, ErrNoTerminal
	}
	return ttyTerminal{f: f}, nil
}

type secretResult struct {
	secret []byte
	err    error
}

// TerminalSecretProvider reads secrets from the process's controlling terminal.
// Requests from concurrent sessions are served one at a time, and a single
// reader owns the terminal: a line typed after its request gave up goes to the
// next waiting request, or is wiped when nobody waits.
type TerminalSecretProvider struct {
	turn chan struct{}
	open func() (secretTerminal, error)

	init    sync.Once
	tty     secretTerminal
	openErr error
	kick    chan struct{}

	mu      sync.Mutex
	reading bool
	waiter  chan secretResult
}

// NewTerminalSecretProvider returns a provider bound to /dev/tty.
func NewTerminalSecretProvider() *TerminalSecretProvider {
	return newTerminalSecretProvider(openTTY)
}

func newTerminalSecretProvider(open func() (secretTerminal, error)) *TerminalSecretProvider {
	return &TerminalSecretProvider{
		turn: make(chan struct{}, 1),
		open: open,
		kick: make(chan struct{}, 1),
	}
}

func (p *TerminalSecretProvider) ProvideSecret(ctx context.Context, pending PendingPrivilegedExecution) ([]byte, error) {
	select {
	case p.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.turn }()

	p.init.Do(func() {
		p.tty, p.openErr = p.open()
		if p.openErr == nil {
			go p.readLoop()
		}
	})
	if p.openErr != nil {
		return nil, ErrNoTerminal
	}

	fmt.Fprintf(p.tty, "\n[pprog] %s is waiting for privileged input (request %s)\n%s ",
		pending.Command, shortID(pending.ID), pending.Prompt)

	w := make(chan secretResult, 1)
	p.mu.Lock()
	p.waiter = w
	if !p.reading {
		p.reading = true
		p.kick <- struct{}{}
	}
	p.mu.Unlock()

	select {
	case r := <-w:
		if r.err != nil {
			zero(r.secret)
			return nil, fmt.Errorf("read secret: %w", r.err)
		}
		return r.secret, nil
	case <-ctx.Done():
		p.mu.Lock()
		if p.waiter == w {
			p.waiter = nil
		}
		select {
		case r := <-w:
			zero(r.secret)
		default:
		}
		p.mu.Unlock()
		fmt.Fprintf(p.tty, "\n[pprog] request %s gave up waiting\n", shortID(pending.ID))
		return nil, ctx.Err()
	}
}

// readLoop performs one terminal read per kick and hands the line to
// whichever request is waiting when it completes.
func (p *TerminalSecretProvider) readLoop() {
	for range p.kick {
		secret, err := p.tty.ReadSecret()
		p.mu.Lock()
		p.reading = false
		if p.waiter != nil {
			p.waiter <- secretResult{secret: secret, err: err}
			p.waiter = nil
		} else {
			zero(secret)
		}
		p.mu.Unlock()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

var privilegePrompts = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[sudo\] password for [^:\n]*:\s*$`),
	regexp.MustCompile(`(?i)(^|\n)[^\n]*password[^\n:]*:\s*$`),
	regexp.MustCompile(`(?i)(^|\n)[^\n]*passphrase[^\n:]*:\s*$`),
}

// detectPrompt reports the prompt text if the tail of out ends in one.
func detectPrompt(out []byte) (string, bool) {
	const window = 256
	if len(out) > window {
		out = out[len(out)-window:]
	}
	for _, re := range privilegePrompts {
		if loc := re.FindIndex(out); loc != nil {
			return string(bytes.TrimSpace(out[loc[0]:loc[1]])), true
		}
	}
	return "", false
}

var sudoInvocation = regexp.MustCompile(`(^|[;&|(]\s*)sudo\s+(?:-S\s+)?`)

// prepareSudo makes sudo read from stdin when a secret provider is present and
// fail fast otherwise.
func prepareSudo(command string, interactive bool) string {
	flag := "-n"
	if interactive {
		flag = "-S"
	}
	return sudoInvocation.ReplaceAllString(command, "${1}sudo "+flag+" ")
}

// redactor remembers forwarded secrets so they can be scrubbed from output.
type redactor struct {
	secrets [][]byte
}

func (r *redactor) add(secret []byte) {
	if len(secret) == 0 {
		return
	}
	c := make([]byte, len(secret))
	copy(c, secret)
	r.secrets = append(r.secrets, c)
}

func (r *redactor) apply(out []byte) []byte {
	for _, s := range r.secrets {
		out = bytes.ReplaceAll(out, s, []byte(redactedSecret))
	}
	return out
}

func (r *redactor) wipe() {
	for _, s := range r.secrets {
		zero(s)
	}
	r.secrets = nil
}

// forwardSecret writes secret plus newline to w and wipes the caller's copy.
func forwardSecret(w io.Writer, secret []byte) error {
	line := make([]byte, len(secret)+1)
	copy(line, secret)
	line[len(secret)] = '\n'
	_, err := w.Write(line)
	zero(line)
	zero(secret)
	return err
}
