package tooling

import (
	"fmt"
	"unicode/utf8"
)

// DefaultMaxOutputChars bounds tool output fed back to the model.
const DefaultMaxOutputChars = 30000

// TruncateOutput keeps the head and tail of s within limit characters and marks
// the gap.
func TruncateOutput(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	removed := len(runes) - limit
	marker := fmt.Sprintf("\n\n[... %d characters truncated ...]\n\n", removed)
	head := limit / 2
	tail := limit - head
	return string(runes[:head]) + marker + string(runes[len(runes)-tail:])
}
