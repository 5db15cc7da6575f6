package provider

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-agent/internal/config"
)

// New builds one provider from its configuration.
func New(ctx context.Context, cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "gemini":
		return NewGemini(ctx, cfg)
	case "openai":
		return NewOpenAI(cfg)
	case "anthropic":
		return NewAnthropic(cfg)
	case "ollama":
		return NewOllama(cfg)
	default:
		return nil, fmt.Errorf("New: unknown provider type %q", cfg.Type)
	}
}

// FromConfig builds the orchestrator for the configured chain, preserving
// order. A provider that cannot be constructed is logged and left out.
func FromConfig(ctx context.Context, cfg *config.Config, log zerolog.Logger) *Orchestrator {
	var entries []Entry
	for _, pc := range cfg.Providers {
		p, err := New(ctx, pc)
		if err != nil {
			log.Warn().Err(err).Str("provider", pc.Name).Msg("skipping provider")
			continue
		}
		entries = append(entries, Entry{
			Provider:      p,
			Timeout:       pc.Timeout,
			RatePerSecond: pc.RatePerSecond,
			Burst:         pc.Burst,
		})
		log.Info().Str("provider", pc.Name).Str("type", pc.Type).Dur("timeout", pc.Timeout).Msg("provider configured")
	}
	return NewOrchestrator(log, cfg.Breaker, entries...)
}
