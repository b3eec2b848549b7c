package prompts

import (
	_ "embed"
	"strings"
)

//go:embed system_prompt.txt
var baseSystemPrompt string

// Base returns the built-in coding assistant instructions.
func Base() string {
	return strings.TrimSpace(baseSystemPrompt)
}

// Combine joins the built-in prompt, the project file tree and an optional
// user-provided prompt.
func Combine(tree, user string) string {
	sections := []string{Base()}
	if tree = strings.TrimSpace(tree); tree != "" {
		sections = append(sections, "File tree structure:\n"+tree)
	}
	if trimmed := strings.TrimSpace(user); trimmed != "" {
		sections = append(sections, trimmed)
	}
	return strings.Join(sections, "\n\n")
}

// Builder renders the system prompt for a project root. The tree is read on
// every call so it reflects files the agent has created.
type Builder struct {
	Root     string
	User     string
	MaxFiles int
}

func (b Builder) Build() string {
	tree, err := ProjectTree(b.Root, b.MaxFiles)
	if err != nil {
		tree = ""
	}
	return Combine(tree, b.User)
}
