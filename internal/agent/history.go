package agent

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// historyLimit caps the entries offered to the prompt and kept on disk.
const historyLimit = 500

// inputHistory backs the REPL's up-arrow recall with a line file.
type inputHistory struct {
	mu      sync.Mutex
	file    string
	lines   []string
	pending int // lines appended since the file was last rewritten
}

func loadInputHistory(file string) *inputHistory {
	h := &inputHistory{file: file}
	if file == "" {
		return h
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return h
	}
	for _, line := range strings.Split(string(raw), "\n") {
		h.push(strings.TrimSpace(line))
	}
	if len(h.lines) == historyLimit {
		h.rewrite()
	}
	return h
}

// push records line unless it is blank or repeats the previous entry.
func (h *inputHistory) push(line string) bool {
	if line == "" || (len(h.lines) > 0 && h.lines[len(h.lines)-1] == line) {
		return false
	}
	h.lines = append(h.lines, line)
	if over := len(h.lines) - historyLimit; over > 0 {
		h.lines = append([]string(nil), h.lines[over:]...)
	}
	return true
}

func (h *inputHistory) Entries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lines...)
}

func (h *inputHistory) Add(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.push(strings.TrimSpace(line)) || h.file == "" {
		return
	}
	h.pending++
	if h.pending >= historyLimit {
		h.rewrite()
		return
	}
	if err := os.MkdirAll(filepath.Dir(h.file), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(h.file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(h.lines[len(h.lines)-1] + "\n")
}

// rewrite replaces the file with the capped in-memory lines.
func (h *inputHistory) rewrite() {
	h.pending = 0
	if err := os.MkdirAll(filepath.Dir(h.file), 0o755); err != nil {
		return
	}
	tmp := h.file + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(h.lines, "\n")+"\n"), 0o600); err != nil {
		return
	}
	_ = os.Rename(tmp, h.file)
}
