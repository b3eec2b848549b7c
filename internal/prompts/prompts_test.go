package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRenderTree(t *testing.T) {
	got := RenderTree([]string{"c.txt", "a/b.txt", "a/d/e.go"})
	want := ".\n" +
		"├── a\n" +
		"│   ├── b.txt\n" +
		"│   └── d\n" +
		"│       └── e.go\n" +
		"└── c.txt\n"
	if got != want {
		t.Fatalf("RenderTree mismatch\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestProjectTreeWalkHonoursGitignore(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		".gitignore":      "build/\n*.log\n",
		"main.go":         "package main",
		"debug.log":       "x",
		"build/out.bin":   "x",
		"sub/keep.txt":    "x",
		"sub/.gitignore":  "secret.txt\n",
		"sub/secret.txt":  "x",
		".pprog/state.db": "x",
	})
	tree, err := ProjectTree(root, 0)
	if err != nil {
		t.Fatalf("ProjectTree: %v", err)
	}
	for _, want := range []string{"main.go", "keep.txt", ".gitignore"} {
		if !strings.Contains(tree, want) {
			t.Errorf("tree missing %s:\n%s", want, tree)
		}
	}
	for _, hidden := range []string{"debug.log", "out.bin", "secret.txt", "state.db", ".pprog"} {
		if strings.Contains(tree, hidden) {
			t.Errorf("tree should not list %s:\n%s", hidden, tree)
		}
	}
}

func TestProjectTreeUsesGitIndex(t *testing.T) {
	root := t.TempDir()
	repo, err := git.PlainInit(root, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	writeFiles(t, root, map[string]string{
		"tracked.go":   "package main",
		"untracked.go": "package main",
	})
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("tracked.go"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	tree, err := ProjectTree(root, 0)
	if err != nil {
		t.Fatalf("ProjectTree: %v", err)
	}
	if !strings.Contains(tree, "tracked.go") || strings.Contains(tree, "untracked.go") {
		t.Fatalf("expected only indexed files:\n%s", tree)
	}
}

func TestProjectTreeCapsFiles(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.txt": "", "b.txt": "", "c.txt": ""})
	tree, err := ProjectTree(root, 2)
	if err != nil {
		t.Fatalf("ProjectTree: %v", err)
	}
	if !strings.Contains(tree, "... (1 more files)") || strings.Contains(tree, "c.txt") {
		t.Fatalf("unexpected capped tree:\n%s", tree)
	}
}

func TestCombine(t *testing.T) {
	got := Combine(".\n└── main.go\n", "  Prefer tabs.  ")
	if !strings.HasPrefix(got, Base()) {
		t.Fatalf("combined prompt must start with base instructions")
	}
	if !strings.Contains(got, "File tree structure:\n.\n└── main.go") {
		t.Fatalf("tree missing:\n%s", got)
	}
	if !strings.HasSuffix(got, "Prefer tabs.") {
		t.Fatalf("user prompt missing:\n%s", got)
	}
	if Combine("", "") != Base() {
		t.Fatalf("empty sections should be dropped")
	}
	if !strings.Contains(Base(), "compile_check") {
		t.Fatalf("base prompt should mention compile_check")
	}
}

func TestBuilderReflectsNewFiles(t *testing.T) {
	root := t.TempDir()
	b := Builder{Root: root}
	if strings.Contains(b.Build(), "index.js") {
		t.Fatalf("unexpected file before creation")
	}
	writeFiles(t, root, map[string]string{"index.js": "x"})
	if !strings.Contains(b.Build(), "index.js") {
		t.Fatalf("builder should pick up new files")
	}
}
