package config

import (
	_ "embed"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"pprog/internal/logging"
)

// FallbackContextLength is used for models missing from the table.
const FallbackContextLength = 65536

//go:embed model-contexts.json
var modelContextsJSON []byte

var (
	contextTable     map[string]int
	contextTableOnce sync.Once
)

func table() map[string]int {
	contextTableOnce.Do(func() {
		contextTable = make(map[string]int)
		if err := json.Unmarshal(modelContextsJSON, &contextTable); err != nil {
			logging.ErrorLog("failed to parse model contexts: %v", err)
		}
	})
	return contextTable
}

// LookupModelContext finds the context length for provider/model. Dated or
// suffixed ids such as "claude-sonnet-4-0-20250514" match their longest listed
// prefix.
func LookupModelContext(provider, model string) (int, bool) {
	key := strings.ToLower(strings.TrimSpace(provider)) + "/" + strings.ToLower(strings.TrimSpace(model))
	t := table()
	if n, ok := t[key]; ok && n > 0 {
		return n, true
	}
	best, bestLen := 0, 0
	for k, n := range t {
		if n > 0 && len(k) > bestLen && strings.HasPrefix(key, k+"-") {
			best, bestLen = n, len(k)
		}
	}
	return best, bestLen > 0
}

// GetModelContextLength returns the context length for provider/model, or
// FallbackContextLength when the model is unknown.
func GetModelContextLength(provider, model string) int {
	if n, ok := LookupModelContext(provider, model); ok {
		return n
	}
	logging.DevLog("config: no context length for %s/%s, using %d (known: %s)",
		provider, model, FallbackContextLength, strings.Join(KnownModels(provider), ", "))
	return FallbackContextLength
}

// KnownModels lists the table's models for provider, sorted.
func KnownModels(provider string) []string {
	prefix := strings.ToLower(strings.TrimSpace(provider)) + "/"
	var out []string
	for k := range table() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(out)
	return out
}
