package tooling

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteFileSuccess is the result text of a successful write.
const WriteFileSuccess = "File written successfully"

// WriteFileTool replaces file contents within the project root.
type WriteFileTool struct {
	guard pathGuard
}

func NewWriteFileTool(guard pathGuard) *WriteFileTool {
	return &WriteFileTool{guard: guard}
}

func (t *WriteFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "write_file",
			Description: "Replace the entire contents of a file, creating it and any parent directories if needed. Always send the complete file.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path to the file relative to the project root.",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "The full new file contents.",
					},
				},
				"required": []string{"path", "content"},
			},
		},
	}
}

func (t *WriteFileTool) Call(ctx context.Context, args map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	path, ok := stringArg(args, "path")
	if !ok || strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	abs, err := t.guard.Resolve(path)
	if err != nil {
		return "", err
	}
	if abs == t.guard.root {
		return "", errors.New("path must name a file")
	}

	content, ok := stringArg(args, "content")
	if !ok {
		// Models trained on other tool sets sometimes send "contents".
		if content, ok = stringArg(args, "contents"); !ok {
			return "", errors.New("content is required")
		}
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(abs); err == nil {
		if info.IsDir() {
			return "", fmt.Errorf("%s is a directory", path)
		}
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(abs, []byte(content), mode); err != nil {
		return "", err
	}
	return WriteFileSuccess, nil
}
