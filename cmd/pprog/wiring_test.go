package main

import (
	"io"
	"log"
	"strings"
	"testing"

	"pprog/internal/config"
	"pprog/internal/llm"
	"pprog/internal/llm/mockclient"
	"pprog/internal/state"
)

func TestBuildClient(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	for _, env := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "DEEPSEEK_API_KEY", "OPENROUTER_API_KEY", "GEMINI_API_KEY"} {
		t.Setenv(env, "")
	}

	t.Run("mock env overrides provider", func(t *testing.T) {
		t.Setenv("PPROG_MOCK_LLM", "1")
		client, err := buildClient(config.Default(), logger)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if _, ok := client.(*mockclient.Client); !ok {
			t.Fatalf("expected mock client, got %T", client)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		t.Setenv("PPROG_MOCK_LLM", "")
		_, err := buildClient(config.Default(), logger)
		if err == nil || !strings.Contains(err.Error(), "ANTHROPIC_API_KEY") {
			t.Fatalf("expected missing key error, got %v", err)
		}
	})

	tests := []struct {
		provider string
		name     string
	}{
		{"anthropic", "anthropic"},
		{"openai", "openai"},
		{"deepseek", "deepseek"},
		{"openrouter", "openrouter"},
		{"gemini", "gemini"},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			t.Setenv("PPROG_MOCK_LLM", "")
			cfg := config.Default()
			cfg.Provider = tt.provider
			cfg.APIKey = "test-key"
			client, err := buildClient(cfg, logger)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			httpClient, ok := client.(*llm.HTTPClient)
			if !ok {
				t.Fatalf("expected *llm.HTTPClient, got %T", client)
			}
			if got := httpClient.Adapter().Name(); got != tt.name {
				t.Fatalf("adapter = %s, want %s", got, tt.name)
			}
		})
	}
}

func TestOpenStore(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	cfg.Store = config.StoreJSON
	store, err := openStore(cfg, logger)
	if err != nil {
		t.Fatalf("json store: %v", err)
	}
	if _, ok := store.(*state.JSONStore); !ok {
		t.Fatalf("expected JSONStore, got %T", store)
	}
	store.Close()

	cfg.Store = config.StoreSQLite
	store, err = openStore(cfg, logger)
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*state.SQLiteStore); !ok {
		t.Fatalf("expected SQLiteStore, got %T", store)
	}
}
