package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/civilrights-helper/internal/handlers"
	"github.com/MegaGrindStone/civilrights-helper/internal/models"
	"github.com/MegaGrindStone/civilrights-helper/internal/services"
	"gopkg.in/yaml.v3"
)

const defaultOllamaHost = "http://localhost:11434"

type answererConfig interface {
	answerer(logger *slog.Logger) (handlers.Answerer, error)
}

// BaseAnswererConfig contains the common fields for all answerer configurations.
type BaseAnswererConfig struct {
	Provider string `yaml:"provider"`
}

type config struct {
	Port            string          `yaml:"port"`
	LogLevel        string          `yaml:"logLevel"`
	LogFormat       string          `yaml:"logFormat"`
	DefaultLanguage models.Language `yaml:"defaultLanguage"`
	SessionTTL      time.Duration   `yaml:"sessionTTL"`
	Answerer        answererConfig  `yaml:"answerer"`
}

type qaConfig struct {
	BaseAnswererConfig `yaml:",inline"`
	BaseURL            string        `yaml:"baseURL"`
	ConnectTimeout     time.Duration `yaml:"connectTimeout"`
	ChunkSize          int           `yaml:"chunkSize"`
}

type ollamaConfig struct {
	BaseAnswererConfig `yaml:",inline"`
	Host               string `yaml:"host"`
	Model              string `yaml:"model"`
	SystemPrompt       string `yaml:"systemPrompt"`
}

type anthropicConfig struct {
	BaseAnswererConfig `yaml:",inline"`
	APIKey             string `yaml:"apiKey"`
	Endpoint           string `yaml:"endpoint"`
	Model              string `yaml:"model"`
	MaxTokens          int    `yaml:"maxTokens"`
	SystemPrompt       string `yaml:"systemPrompt"`
}

type openRouterConfig struct {
	BaseAnswererConfig `yaml:",inline"`
	APIKey             string `yaml:"apiKey"`
	Endpoint           string `yaml:"endpoint"`
	Model              string `yaml:"model"`
	SystemPrompt       string `yaml:"systemPrompt"`
}

type openAIConfig struct {
	BaseAnswererConfig `yaml:",inline"`
	APIKey             string `yaml:"apiKey"`
	BaseURL            string `yaml:"baseURL"`
	Model              string `yaml:"model"`
	SystemPrompt       string `yaml:"systemPrompt"`
}

func defaultConfig() config {
	return config{
		Port:            "8080",
		LogLevel:        "info",
		LogFormat:       "text",
		DefaultLanguage: models.LanguageEnglish,
		SessionTTL:      handlers.DefaultSessionTTL,
		Answerer:        &qaConfig{},
	}
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port            string         `yaml:"port"`
		LogLevel        string         `yaml:"logLevel"`
		LogFormat       string         `yaml:"logFormat"`
		DefaultLanguage string         `yaml:"defaultLanguage"`
		SessionTTL      time.Duration  `yaml:"sessionTTL"`
		Answerer        map[string]any `yaml:"answerer"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.Port != "" {
		c.Port = rawConfig.Port
	}
	if rawConfig.LogLevel != "" {
		c.LogLevel = rawConfig.LogLevel
	}
	if rawConfig.LogFormat != "" {
		c.LogFormat = rawConfig.LogFormat
	}
	if rawConfig.SessionTTL != 0 {
		c.SessionTTL = rawConfig.SessionTTL
	}
	if rawConfig.DefaultLanguage != "" {
		lang, ok := models.ParseLanguage(rawConfig.DefaultLanguage)
		if !ok {
			return fmt.Errorf("unknown default language: %s", rawConfig.DefaultLanguage)
		}
		c.DefaultLanguage = lang
	}

	// Without an answerer section the QA service is used, configured from the environment.
	if rawConfig.Answerer == nil {
		if c.Answerer == nil {
			c.Answerer = &qaConfig{}
		}
		return nil
	}

	provider, ok := rawConfig.Answerer["provider"].(string)
	if !ok {
		return fmt.Errorf("answerer provider is required")
	}

	answererRawYAML, err := yaml.Marshal(rawConfig.Answerer)
	if err != nil {
		return err
	}

	var answerer answererConfig
	switch provider {
	case "qa":
		answerer = &qaConfig{}
	case "ollama":
		answerer = &ollamaConfig{}
	case "openai":
		answerer = &openAIConfig{}
	case "anthropic":
		answerer = &anthropicConfig{}
	case "openrouter":
		answerer = &openRouterConfig{}
	default:
		return fmt.Errorf("unknown answerer provider: %s", provider)
	}

	if err := yaml.Unmarshal(answererRawYAML, answerer); err != nil {
		return err
	}

	c.Answerer = answerer

	return nil
}

func (c config) slogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c config) newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.slogLevel()}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func (q qaConfig) answerer(logger *slog.Logger) (handlers.Answerer, error) {
	baseURL := q.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("QA_BASE_URL")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("qa baseURL is required")
	}
	if q.ChunkSize < 0 {
		return nil, fmt.Errorf("qa chunkSize must not be negative")
	}
	return services.NewQA(baseURL, q.ConnectTimeout, q.ChunkSize, logger), nil
}

func (o ollamaConfig) answerer(logger *slog.Logger) (handlers.Answerer, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = defaultOllamaHost
	}
	return services.NewOllama(host, o.Model, o.SystemPrompt, logger)
}

func (o openAIConfig) answerer(logger *slog.Logger) (handlers.Answerer, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, o.SystemPrompt, logger), nil
}

func (a anthropicConfig) answerer(logger *slog.Logger) (handlers.Answerer, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic apiKey is required")
	}
	return services.NewAnthropic(apiKey, a.Endpoint, a.Model, a.MaxTokens, a.SystemPrompt, logger), nil
}

func (o openRouterConfig) answerer(logger *slog.Logger) (handlers.Answerer, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openrouter apiKey is required")
	}
	return services.NewOpenRouter(apiKey, o.Endpoint, o.Model, o.SystemPrompt, logger), nil
}
