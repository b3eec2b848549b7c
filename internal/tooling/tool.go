package tooling

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Context helpers for passing the originating tool_use id to tools.
type toolUseIDCtxKey struct{}

// WithToolUseID tags ctx with the id of the tool request being executed.
func WithToolUseID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolUseIDCtxKey{}, id)
}

// ToolUseIDFromContext returns the id set by WithToolUseID.
func ToolUseIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(toolUseIDCtxKey{}).(string)
	return id, ok
}

type ToolDefinition struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type Tool interface {
	Definition() ToolDefinition
	Call(ctx context.Context, args map[string]any) (string, error)
}

type Registry struct {
	tools       map[string]Tool
	definitions []ToolDefinition
}

func NewRegistry(tools ...Tool) *Registry {
	bucket := make(map[string]Tool, len(tools))
	defs := make([]ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		def := tool.Definition()
		bucket[def.Function.Name] = tool
		defs = append(defs, def)
	}
	return &Registry{tools: bucket, definitions: defs}
}

func (r *Registry) Definitions() []ToolDefinition {
	out := make([]ToolDefinition, len(r.definitions))
	copy(out, r.definitions)
	return out
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Options configures the default tool set.
type Options struct {
	WorkspaceRoot  string
	ShellTimeout   time.Duration
	CheckCommand   string
	MaxOutputChars int
	// Secrets answers privilege prompts raised by execute. Nil disables them.
	Secrets        SecretProvider
	EnableWebFetch bool
}

// DefaultTools returns read_file, write_file, execute and compile_check, plus
// fetch_url when enabled.
func DefaultTools(opts Options) ([]Tool, error) {
	guard, err := newPathGuard(opts.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	timeout := opts.ShellTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	limit := opts.MaxOutputChars
	if limit <= 0 {
		limit = DefaultMaxOutputChars
	}
	runner := &shellRunner{
		dir:      guard.root,
		timeout:  timeout,
		limit:    limit,
		secrets:  opts.Secrets,
		maxAsked: maxSecretPrompts,
	}
	tools := []Tool{
		ReadFileTool{guard: guard},
		NewWriteFileTool(guard),
		&ExecuteTool{runner: runner},
		&CompileCheckTool{runner: runner, command: opts.CheckCommand},
	}
	if opts.EnableWebFetch {
		tools = append(tools, NewFetchURLTool(timeout, limit))
	}
	return tools, nil
}

type pathGuard struct {
	root string
}

func newPathGuard(root string) (pathGuard, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return pathGuard{}, err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return pathGuard{root: abs}, nil
}

func (p pathGuard) Resolve(path string) (string, error) {
	var target string
	if path == "" {
		target = p.root
	} else if filepath.IsAbs(path) {
		target = path
	} else {
		target = filepath.Join(p.root, path)
	}
	cleaned, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	if !p.contains(cleaned) {
		return "", fmt.Errorf("path %s escapes project root", path)
	}
	resolved, err := resolveSymlinks(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if !p.contains(resolved) {
		return "", fmt.Errorf("path %s escapes project root", path)
	}
	return resolved, nil
}

func (p pathGuard) contains(abs string) bool {
	return abs == p.root || strings.HasPrefix(abs, p.root+string(os.PathSeparator))
}

// resolveSymlinks evaluates links in the deepest existing ancestor of abs and
// reattaches the missing tail. Dangling links are rejected.
func resolveSymlinks(abs string) (string, error) {
	dir := abs
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if info, lerr := os.Lstat(dir); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("dangling symlink %s", dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		tail = append([]string{filepath.Base(dir)}, tail...)
		dir = parent
	}
}

func (p pathGuard) Rel(path string) string {
	rel, err := filepath.Rel(p.root, path)
	if err != nil {
		return path
	}
	return rel
}

func stringArg(args map[string]any, key string) (string, bool) {
	val, ok := args[key]
	if !ok || val == nil {
		return "", false
	}
	switch cast := val.(type) {
	case string:
		return cast, true
	default:
		return fmt.Sprintf("%v", cast), true
	}
}

func intArg(args map[string]any, key string, defaultVal int) int {
	val, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch n := val.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return defaultVal
	}
}
