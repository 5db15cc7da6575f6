package provider

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/dvloznov/finance-agent/internal/config"
)

// DefaultGeminiModel is used when a gemini provider names no model.
const DefaultGeminiModel = "gemini-2.5-flash"

// Gemini calls Google's Gemini API through the genai SDK.
type Gemini struct {
	name   string
	model  string
	client *genai.Client
}

// NewGemini creates a Gemini provider. Without an API key the SDK falls back
// to its own environment lookup (GOOGLE_API_KEY / Vertex settings).
func NewGemini(ctx context.Context, cfg config.ProviderConfig) (*Gemini, error) {
	cc := &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	}
	if cfg.APIKey != "" {
		cc.APIKey = cfg.APIKey
		cc.Backend = genai.BackendGeminiAPI
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("NewGemini: create genai client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	return &Gemini{name: cfg.Name, model: model, client: client}, nil
}

func (g *Gemini) Name() string { return g.name }

// Generate implements Provider.
func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{{Text: prompt}},
		},
	}

	temperature := float32(0.1)
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: 1024,
	})
	if err != nil {
		return "", fmt.Errorf("Gemini.Generate: generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("Gemini.Generate: empty response from model")
	}
	return text, nil
}
