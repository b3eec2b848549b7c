package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"pprog/internal/agent"
	"pprog/internal/config"
	"pprog/internal/llm"
	"pprog/internal/llm/anthropic"
	"pprog/internal/llm/gemini"
	"pprog/internal/llm/mockclient"
	"pprog/internal/llm/openai"
	"pprog/internal/state"
)

// buildClient returns the provider client selected by cfg. PPROG_MOCK_LLM=1
// forces the echo client.
func buildClient(cfg config.Config, logger *log.Logger) (agent.Model, error) {
	provider := cfg.Provider
	if os.Getenv("PPROG_MOCK_LLM") == "1" {
		logger.Println("PPROG_MOCK_LLM=1 detected; using mock LLM client")
		provider = "mock"
	}
	if provider == "mock" {
		return mockclient.New(), nil
	}

	key := cfg.ResolveAPIKey()
	if key == "" {
		return nil, fmt.Errorf("no API key for %s: set api_key in %s or %s", provider, config.FileName, config.APIKeyEnv(provider))
	}
	httpClient := &http.Client{Timeout: cfg.RequestTimeout()}

	var adapter llm.Adapter
	switch provider {
	case "anthropic":
		adapter = anthropic.New(cfg.BaseURL, key, httpClient, logger)
	case "gemini":
		adapter = gemini.New(cfg.BaseURL, key)
	case openai.FlavourOpenAI, openai.FlavourDeepSeek, openai.FlavourOpenRouter:
		a, err := openai.New(provider, cfg.BaseURL, key)
		if err != nil {
			return nil, err
		}
		adapter = a
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
	logger.Printf("%s provider ready (model %s)", adapter.Name(), cfg.Model)
	return llm.NewHTTPClient(adapter, httpClient, logger), nil
}

// openStore picks the conversation persister named by cfg.Store.
func openStore(cfg config.Config, logger *log.Logger) (state.Persister, error) {
	if cfg.Store == config.StoreJSON {
		store, err := state.NewJSONStore(filepath.Join(cfg.DataDir, "conversations"), logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := state.NewSQLiteStore(filepath.Join(cfg.DataDir, "pprog.db"))
	if err != nil {
		return nil, err
	}
	return store, nil
}
