package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileName is the per-project configuration file at the project root.
const FileName = "pprog.yaml"

const (
	DefaultProvider        = "anthropic"
	DefaultModel           = "claude-3-5-haiku-latest"
	DefaultMaxContext      = 100000
	DefaultMaxOutputTokens = 8096
	DefaultMaxIterations   = 50
	DefaultListenAddr      = "127.0.0.1:3737"
	DefaultToolOutputChars = 30000
)

const (
	StoreSQLite = "sqlite"
	StoreJSON   = "json"
)

// provider name -> environment variable holding its API key
var apiKeyEnv = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"mock":       "",
}

// Config captures the per-project runtime settings.
type Config struct {
	Provider              string  `yaml:"provider"`
	Model                 string  `yaml:"model"`
	BaseURL               string  `yaml:"base_url,omitempty"`
	APIKey                string  `yaml:"api_key,omitempty"`
	CheckCmd              string  `yaml:"check_cmd"`
	MaxContext            int     `yaml:"max_context"`
	MaxOutputTokens       int     `yaml:"max_output_tokens"`
	MaxToolIterations     int     `yaml:"max_tool_iterations"`
	Temperature           float64 `yaml:"temperature"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"`
	ShellTimeoutSeconds   int     `yaml:"shell_timeout_seconds"`
	MaxToolOutputChars    int     `yaml:"max_tool_output_chars"`
	SystemPrompt          string  `yaml:"system_prompt,omitempty"`
	WorkspaceRoot         string  `yaml:"workspace_root,omitempty"`
	DataDir               string  `yaml:"data_dir,omitempty"`
	Store                 string  `yaml:"store"`
	ListenAddr            string  `yaml:"listen_addr"`
	LogMaxSizeMB          int     `yaml:"log_max_size_mb,omitempty"`
	LogMaxBackups         int     `yaml:"log_max_backups,omitempty"`
	EnableWebFetch        bool    `yaml:"enable_web_fetch"`

	path string
	// values as written in the file, before rebase
	fileWorkspace string
	fileDataDir   string
}

// Default returns the configuration written by Init.
func Default() Config {
	cfg := Config{
		Provider:   DefaultProvider,
		Model:      DefaultModel,
		MaxContext: DefaultMaxContext,
	}
	cfg.applyDefaults()
	return cfg
}

// Path returns the file the config was loaded from or will be saved to.
func (c Config) Path() string {
	return c.path
}

// ConfigPath returns the config location for root, honouring PPROG_CONFIG_PATH.
func ConfigPath(root string) string {
	if p := os.Getenv("PPROG_CONFIG_PATH"); p != "" {
		return p
	}
	return filepath.Join(root, FileName)
}

// FindProjectRoot returns the enclosing git work tree of start, or start itself.
func FindProjectRoot(start string) string {
	abs, err := filepath.Abs(start)
	if err != nil {
		return start
	}
	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return abs
	}
	wt, err := repo.Worktree()
	if err != nil {
		return abs
	}
	return wt.Filesystem.Root()
}

// LoadEnv loads root/.env into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadEnv(root string) error {
	envPath := filepath.Join(root, ".env")
	if _, err := os.Stat(envPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(envPath)
}

// Load reads the project configuration under root. If the file doesn't exist,
// returns defaults.
func Load(root string) (Config, error) {
	path := ConfigPath(root)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		cfg.path = path
		cfg.rebase(root)
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, err
	}
	cfg.path = path
	cfg.rebase(root)
	return cfg, nil
}

// Parse decodes YAML and injects defaults.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// rebase anchors relative paths at the project root.
func (c *Config) rebase(root string) {
	c.fileWorkspace, c.fileDataDir = c.WorkspaceRoot, c.DataDir
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = root
	} else if !filepath.IsAbs(c.WorkspaceRoot) {
		c.WorkspaceRoot = filepath.Join(root, c.WorkspaceRoot)
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(c.WorkspaceRoot, ".pprog")
	} else if !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(root, c.DataDir)
	}
}

// applyDefaults fills in optional values to keep the YAML file concise.
func (c *Config) applyDefaults() {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = DefaultProvider
	}
	if strings.TrimSpace(c.Model) == "" {
		c.Model = DefaultModel
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = DefaultMaxIterations
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = 120
	}
	if c.ShellTimeoutSeconds <= 0 {
		c.ShellTimeoutSeconds = 60
	}
	if c.MaxToolOutputChars <= 0 {
		c.MaxToolOutputChars = DefaultToolOutputChars
	}
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	if c.Store == "" {
		c.Store = StoreSQLite
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
}

func (c Config) validate() error {
	if _, ok := apiKeyEnv[c.Provider]; !ok {
		return fmt.Errorf("provider must be one of anthropic, openai, deepseek, openrouter, gemini, mock (got %q)", c.Provider)
	}
	// Temperature validation (typical LLM range is 0-2.0)
	if c.Temperature < 0 || c.Temperature > 2.0 {
		return fmt.Errorf("temperature must be between 0 and 2.0 (got %f)", c.Temperature)
	}
	if c.RequestTimeoutSeconds > 600 {
		return fmt.Errorf("request_timeout_seconds cannot exceed 600 (10 minutes)")
	}
	if c.ShellTimeoutSeconds > 600 {
		return fmt.Errorf("shell_timeout_seconds cannot exceed 600 (10 minutes)")
	}
	if c.MaxToolIterations > 1000 {
		return fmt.Errorf("max_tool_iterations cannot exceed 1000")
	}
	if c.Store != StoreSQLite && c.Store != StoreJSON {
		return fmt.Errorf("store must be %q or %q (got %q)", StoreSQLite, StoreJSON, c.Store)
	}
	return nil
}

// EffectiveMaxContext resolves the token ceiling handed to the budgeter.
// Zero looks the model up in the context table; a negative value disables
// pruning.
func (c Config) EffectiveMaxContext() int {
	switch {
	case c.MaxContext < 0:
		return 0
	case c.MaxContext == 0:
		return GetModelContextLength(c.Provider, c.Model)
	default:
		return c.MaxContext
	}
}

// APIKeyEnv names the environment variable consulted for provider's key.
func APIKeyEnv(provider string) string {
	return apiKeyEnv[strings.ToLower(provider)]
}

// ResolveAPIKey prefers the configured key and falls back to the provider's
// environment variable.
func (c Config) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if env := APIKeyEnv(c.Provider); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

// RequestTimeout turns the integer value into a duration for HTTP clients.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ShellTimeout exposes the configured duration for shell commands.
func (c Config) ShellTimeout() time.Duration {
	return time.Duration(c.ShellTimeoutSeconds) * time.Second
}

// Save writes the config back to the file it came from.
func Save(c Config) error {
	path := c.path
	if path == "" {
		path = ConfigPath(c.WorkspaceRoot)
	}
	out := c
	out.WorkspaceRoot = c.fileWorkspace
	out.DataDir = c.fileDataDir
	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ErrAlreadyInitialized is returned by Init when a config file exists.
var ErrAlreadyInitialized = errors.New("project already initialized")

// Init writes a fresh config for root with a detected check command.
func Init(root string) (Config, error) {
	path := ConfigPath(root)
	if _, err := os.Stat(path); err == nil {
		return Config{}, ErrAlreadyInitialized
	}
	cfg := Default()
	cfg.CheckCmd = DetectCheckCmd(root)
	cfg.path = path
	if err := Save(cfg); err != nil {
		return Config{}, err
	}
	cfg.rebase(root)
	return cfg, nil
}
