package prompts

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"pprog/internal/logging"
)

// DefaultMaxTreeFiles caps the number of paths rendered into the prompt.
const DefaultMaxTreeFiles = 2000

// directories never shown to the model
var skipDirs = map[string]bool{
	".git":   true,
	".pprog": true,
}

// ProjectTree renders the files under root as an ASCII tree. Tracked files
// from the git index are preferred; outside a repository the filesystem is
// walked honouring .gitignore files.
func ProjectTree(root string, maxFiles int) (string, error) {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxTreeFiles
	}
	files, err := trackedFiles(root)
	if err != nil || len(files) == 0 {
		logging.DevLog("prompts: git index unavailable (%v), walking %s", err, root)
		files, err = walkFiles(root)
		if err != nil {
			return "", err
		}
	}
	sort.Strings(files)
	omitted := 0
	if len(files) > maxFiles {
		omitted = len(files) - maxFiles
		files = files[:maxFiles]
	}
	out := RenderTree(files)
	if omitted > 0 {
		out += fmt.Sprintf("... (%d more files)\n", omitted)
	}
	return out, nil
}

func trackedFiles(root string) ([]string, error) {
	repo, err := git.PlainOpen(root)
	if err != nil {
		return nil, err
	}
	idx, err := repo.Storer.Index()
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(idx.Entries))
	for _, entry := range idx.Entries {
		files = append(files, entry.Name)
	}
	return files, nil
}

func walkFiles(root string) ([]string, error) {
	var (
		files    []string
		patterns []gitignore.Pattern
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			patterns = append(patterns, readIgnoreFile(path, nil)...)
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if d.IsDir() && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if gitignore.NewMatcher(patterns).Match(parts, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			patterns = append(patterns, readIgnoreFile(path, parts)...)
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}

func readIgnoreFile(dir string, domain []string) []gitignore.Pattern {
	f, err := os.Open(filepath.Join(dir, ".gitignore"))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.DevLog("prompts: read .gitignore in %s: %v", dir, err)
		}
		return nil
	}
	defer f.Close()
	var out []gitignore.Pattern
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, gitignore.ParsePattern(line, domain))
	}
	return out
}

type treeNode struct {
	children map[string]*treeNode
}

// RenderTree draws slash-separated paths as a tree rooted at ".".
func RenderTree(paths []string) string {
	root := &treeNode{children: map[string]*treeNode{}}
	for _, p := range paths {
		node := root
		for _, part := range strings.Split(p, "/") {
			if part == "" {
				continue
			}
			child, ok := node.children[part]
			if !ok {
				child = &treeNode{children: map[string]*treeNode{}}
				node.children[part] = child
			}
			node = child
		}
	}
	var sb strings.Builder
	sb.WriteString(".\n")
	writeTree(&sb, root, "")
	return sb.String()
}

func writeTree(sb *strings.Builder, node *treeNode, prefix string) {
	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		connector, next := "├── ", "│   "
		if i == len(names)-1 {
			connector, next = "└── ", "    "
		}
		sb.WriteString(prefix + connector + name + "\n")
		writeTree(sb, node.children[name], prefix+next)
	}
}
