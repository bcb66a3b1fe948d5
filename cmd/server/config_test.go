package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/civilrights-helper/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{
			name: "missing file",
			path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent.yaml") },
		},
		{
			name: "empty file",
			path: func(t *testing.T) string { return writeConfig(t, "") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(tt.path(t))
			if err != nil {
				t.Fatalf("loadConfig() error = %v", err)
			}
			if cfg.Port != "8080" {
				t.Errorf("Port = %q, want 8080", cfg.Port)
			}
			if cfg.DefaultLanguage != models.LanguageEnglish {
				t.Errorf("DefaultLanguage = %q, want English", cfg.DefaultLanguage)
			}
			if _, ok := cfg.Answerer.(*qaConfig); !ok {
				t.Errorf("Answerer = %T, want *qaConfig", cfg.Answerer)
			}
		})
	}
}

func TestLoadConfigProviders(t *testing.T) {
	tests := []struct {
		name    string
		content string
		check   func(t *testing.T, cfg config)
	}{
		{
			name: "qa",
			content: `
port: "9000"
defaultLanguage: spanish
sessionTTL: 10m
answerer:
  provider: qa
  baseURL: http://10.0.2.2:3000
  connectTimeout: 30s
  chunkSize: 512
`,
			check: func(t *testing.T, cfg config) {
				if cfg.Port != "9000" || cfg.DefaultLanguage != models.LanguageSpanish || cfg.SessionTTL != 10*time.Minute {
					t.Errorf("cfg = %+v", cfg)
				}
				qa, ok := cfg.Answerer.(*qaConfig)
				if !ok {
					t.Fatalf("Answerer = %T, want *qaConfig", cfg.Answerer)
				}
				if qa.BaseURL != "http://10.0.2.2:3000" || qa.ConnectTimeout != 30*time.Second || qa.ChunkSize != 512 {
					t.Errorf("qa = %+v", qa)
				}
			},
		},
		{
			name: "ollama",
			content: `
answerer:
  provider: ollama
  host: http://localhost:11434
  model: llama3
`,
			check: func(t *testing.T, cfg config) {
				o, ok := cfg.Answerer.(*ollamaConfig)
				if !ok {
					t.Fatalf("Answerer = %T, want *ollamaConfig", cfg.Answerer)
				}
				if o.Model != "llama3" || o.Host != "http://localhost:11434" {
					t.Errorf("ollama = %+v", o)
				}
			},
		},
		{
			name: "openai",
			content: `
answerer:
  provider: openai
  apiKey: key
  model: gpt-4o-mini
  systemPrompt: Be brief.
`,
			check: func(t *testing.T, cfg config) {
				o, ok := cfg.Answerer.(*openAIConfig)
				if !ok {
					t.Fatalf("Answerer = %T, want *openAIConfig", cfg.Answerer)
				}
				if o.APIKey != "key" || o.Model != "gpt-4o-mini" || o.SystemPrompt != "Be brief." {
					t.Errorf("openai = %+v", o)
				}
			},
		},
		{
			name: "anthropic",
			content: `
answerer:
  provider: anthropic
  model: claude-3-5-haiku-latest
  maxTokens: 2048
`,
			check: func(t *testing.T, cfg config) {
				a, ok := cfg.Answerer.(*anthropicConfig)
				if !ok {
					t.Fatalf("Answerer = %T, want *anthropicConfig", cfg.Answerer)
				}
				if a.Model != "claude-3-5-haiku-latest" || a.MaxTokens != 2048 {
					t.Errorf("anthropic = %+v", a)
				}
			},
		},
		{
			name: "openrouter",
			content: `
answerer:
  provider: openrouter
  model: meta-llama/llama-3.3-70b-instruct
  endpoint: http://localhost:9999/api/v1
`,
			check: func(t *testing.T, cfg config) {
				o, ok := cfg.Answerer.(*openRouterConfig)
				if !ok {
					t.Fatalf("Answerer = %T, want *openRouterConfig", cfg.Answerer)
				}
				if o.Model != "meta-llama/llama-3.3-70b-instruct" || o.Endpoint != "http://localhost:9999/api/v1" {
					t.Errorf("openrouter = %+v", o)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.content))
			if err != nil {
				t.Fatalf("loadConfig() error = %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "unknown provider",
			content: "answerer:\n  provider: carrier-pigeon\n",
		},
		{
			name:    "missing provider",
			content: "answerer:\n  baseURL: http://localhost\n",
		},
		{
			name:    "unknown language",
			content: "defaultLanguage: Klingon\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadConfig(writeConfig(t, tt.content)); err == nil {
				t.Error("loadConfig() error = nil, want error")
			}
		})
	}
}

func TestAnswererValidation(t *testing.T) {
	t.Setenv("QA_BASE_URL", "")
	logger := testLogger()

	if _, err := (qaConfig{}).answerer(logger); err == nil {
		t.Error("qa without baseURL: error = nil, want error")
	}
	if _, err := (qaConfig{BaseURL: "http://localhost:3000", ChunkSize: -1}).answerer(logger); err == nil {
		t.Error("qa with negative chunkSize: error = nil, want error")
	}
	if _, err := (ollamaConfig{}).answerer(logger); err == nil {
		t.Error("ollama without model: error = nil, want error")
	}
	if _, err := (openAIConfig{}).answerer(logger); err == nil {
		t.Error("openai without model: error = nil, want error")
	}

	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	if _, err := (anthropicConfig{Model: "claude"}).answerer(logger); err == nil {
		t.Error("anthropic without apiKey: error = nil, want error")
	}
	if _, err := (openRouterConfig{Model: "m"}).answerer(logger); err == nil {
		t.Error("openrouter without apiKey: error = nil, want error")
	}
	t.Setenv("OPENROUTER_API_KEY", "key")
	if _, err := (openRouterConfig{Model: "m"}).answerer(logger); err != nil {
		t.Errorf("openrouter with OPENROUTER_API_KEY: error = %v", err)
	}

	t.Setenv("QA_BASE_URL", "http://localhost:3000")
	if _, err := (qaConfig{}).answerer(logger); err != nil {
		t.Errorf("qa with QA_BASE_URL: error = %v", err)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
