package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"pprog/internal/logging"
)

// DetectCheckCmd guesses the project health-check command from marker files
// at root. It returns "" when the project type is unknown.
func DetectCheckCmd(root string) string {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(root, name))
		return err == nil
	}
	switch {
	case exists("Cargo.toml"):
		logging.UserLog("Detected Rust project")
		return "cargo check"
	case exists("tsconfig.json"):
		logging.UserLog("Detected TypeScript project")
		return "tsc --noEmit"
	case exists("gradlew"):
		logging.UserLog("Detected Java project")
		return "./gradlew check"
	}
	if main := packageMain(filepath.Join(root, "package.json")); main != "" {
		logging.UserLog("Detected Node.js project")
		return "node " + main
	}
	if exists("go.mod") {
		logging.UserLog("Detected Go project")
		return "go vet ./..."
	}
	logging.UserLog("Unable to detect project type; set check_cmd in %s", FileName)
	return ""
}

func packageMain(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var pkg struct {
		Main string `json:"main"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return ""
	}
	return strings.TrimSpace(pkg.Main)
}
