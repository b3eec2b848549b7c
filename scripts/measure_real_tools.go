package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"pprog/internal/llm"
	"pprog/internal/tooling"
)

// Prints the size of the tool definitions sent with every request. The local
// token estimate does not count them, so max_context needs this much headroom.
func main() {
	tools, err := tooling.DefaultTools(tooling.Options{
		WorkspaceRoot:  os.TempDir(),
		ShellTimeout:   60 * time.Second,
		CheckCommand:   "go vet ./...",
		EnableWebFetch: true,
	})
	if err != nil {
		log.Fatalf("Failed to build tools: %v", err)
	}
	definitions := tooling.NewRegistry(tools...).Definitions()

	data, err := json.Marshal(definitions)
	if err != nil {
		log.Fatalf("Failed to marshal tool definitions: %v", err)
	}

	fmt.Printf("Tool definitions from pprog:\n")
	fmt.Printf("  Count: %d tools\n", len(definitions))
	fmt.Printf("  JSON size: %d bytes (~%d tokens)\n", len(data), estimate(len(data)))
	fmt.Println()

	fmt.Println("Size breakdown by tool:")
	for _, def := range definitions {
		defData, _ := json.Marshal(def)
		fmt.Printf("  %-15s: %5d bytes (~%d tokens)\n", def.Function.Name, len(defData), estimate(len(defData)))
	}
}

func estimate(chars int) int {
	return (chars + llm.CharsPerToken - 1) / llm.CharsPerToken
}
