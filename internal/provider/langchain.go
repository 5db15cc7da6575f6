package provider

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/dvloznov/finance-agent/internal/config"
)

// LangChain adapts any langchaingo model to Provider.
type LangChain struct {
	name string
	llm  llms.Model
}

// NewLangChain wraps an already constructed model.
func NewLangChain(name string, llm llms.Model) *LangChain {
	return &LangChain{name: name, llm: llm}
}

func (p *LangChain) Name() string { return p.name }

// Generate implements Provider.
func (p *LangChain) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, p.llm, prompt,
		llms.WithTemperature(0.1),
		llms.WithMaxTokens(500),
	)
	if err != nil {
		return "", fmt.Errorf("LangChain.Generate(%s): %w", p.name, err)
	}
	return out, nil
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(cfg config.ProviderConfig) (*LangChain, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("NewOpenAI: provider %s: api key is required", cfg.Name)
	}
	opts := []openai.Option{openai.WithToken(cfg.APIKey)}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("NewOpenAI: %w", err)
	}
	return NewLangChain(cfg.Name, llm), nil
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg config.ProviderConfig) (*LangChain, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("NewAnthropic: provider %s: api key is required", cfg.Name)
	}
	opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey)}
	if cfg.Model != "" {
		opts = append(opts, anthropic.WithModel(cfg.Model))
	}
	llm, err := anthropic.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("NewAnthropic: %w", err)
	}
	return NewLangChain(cfg.Name, llm), nil
}

// NewOllama creates a provider for a local Ollama server.
func NewOllama(cfg config.ProviderConfig) (*LangChain, error) {
	serverURL := cfg.BaseURL
	if serverURL == "" {
		serverURL = "http://localhost:11434"
	}
	opts := []ollama.Option{ollama.WithServerURL(serverURL)}
	if cfg.Model != "" {
		opts = append(opts, ollama.WithModel(cfg.Model))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("NewOllama: %w", err)
	}
	return NewLangChain(cfg.Name, llm), nil
}
