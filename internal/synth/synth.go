// Package synth turns a QueryIntent into a native query for one backend,
// from deterministic templates first and from the model chain otherwise.
package synth

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-agent/internal/agenterr"
	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/config"
	"github.com/dvloznov/finance-agent/internal/domain"
	"github.com/dvloznov/finance-agent/internal/provider"
)

// preferences lists, per intent type, the backends able to answer it in
// order of preference.
var preferences = map[domain.IntentType][]domain.BackendKind{
	domain.IntentAggregate:  {domain.BackendRelational, domain.BackendGraph},
	domain.IntentLookup:     {domain.BackendRelational, domain.BackendGraph},
	domain.IntentComparison: {domain.BackendRelational, domain.BackendGraph},
	domain.IntentTrend:      {domain.BackendGraph, domain.BackendRelational},
	domain.IntentAnomaly:    {domain.BackendGraph},
	domain.IntentSimilarity: {domain.BackendGraph, domain.BackendVector},
}

// Preference returns the backends that can serve t, most preferred first,
// restricted to those available.
func Preference(t domain.IntentType, available []domain.BackendKind) []domain.BackendKind {
	have := make(map[domain.BackendKind]bool, len(available))
	for _, k := range available {
		have[k] = true
	}
	var out []domain.BackendKind
	for _, k := range preferences[t] {
		if have[k] {
			out = append(out, k)
		}
	}
	return out
}

// ModelChain is the part of the provider orchestrator the synthesizer uses.
type ModelChain interface {
	Synthesize(ctx context.Context, req provider.Request, prior []provider.Attempt) (*domain.GeneratedQuery, []provider.Attempt, error)
	Len() int
}

// Options narrow one synthesis call.
type Options struct {
	// Backend pins the query to a connection id or backend kind.
	Backend string
}

// Synthesizer builds native queries.
type Synthesizer struct {
	registry *backend.Registry
	models   ModelChain
	primary  domain.BackendKind
	settings settings
	log      zerolog.Logger
}

type settings struct {
	anomalyMultiplier   float64
	similarityThreshold float64
}

// New creates a Synthesizer. models may be nil, in which case only
// templates are used.
func New(registry *backend.Registry, models ModelChain, cfg *config.Config, log zerolog.Logger) *Synthesizer {
	s := &Synthesizer{
		registry: registry,
		models:   models,
		primary:  domain.BackendKind(cfg.Agent.PrimaryBackend),
		settings: settings{
			anomalyMultiplier:   cfg.Graph.AnomalyMultiplier,
			similarityThreshold: cfg.Graph.SimilarityThreshold,
		},
		log: log,
	}
	if s.settings.anomalyMultiplier <= 0 {
		s.settings.anomalyMultiplier = 2.0
	}
	if s.settings.similarityThreshold <= 0 {
		s.settings.similarityThreshold = 0.8
	}
	return s
}

// Synthesize returns the query to run for in, plus every model attempt made
// on the way. Templates are tried on each preferred backend before any
// model is called; a low-confidence intent never reaches the models and
// falls back to the recent-transactions template on the primary backend.
func (s *Synthesizer) Synthesize(ctx context.Context, in domain.QueryIntent, opts Options) (*domain.GeneratedQuery, []provider.Attempt, error) {
	candidates, err := s.candidates(in.Type, opts)
	if err != nil {
		return nil, nil, err
	}

	for _, b := range candidates {
		schema, err := s.registry.Schema(ctx, b)
		if err != nil {
			s.log.Warn().Err(err).Str("backend", b.ID()).Msg("schema unavailable, skipping templates")
			continue
		}
		if q := s.fromTemplates(in, b.Kind(), schema); q != nil {
			return q, nil, nil
		}
	}

	if in.LowConfidence {
		return s.safeFallback(ctx, in, opts, candidates)
	}
	return s.fromModels(ctx, in, s.modelTarget(candidates))
}

// candidates resolves the ordered backends to try.
func (s *Synthesizer) candidates(t domain.IntentType, opts Options) ([]backend.Backend, error) {
	if opts.Backend != "" {
		b, ok := s.registry.Resolve(opts.Backend)
		if !ok {
			return nil, agenterr.Newf(agenterr.KindUnsupportedBackend, nil, "backend %q is not configured", opts.Backend)
		}
		return []backend.Backend{b}, nil
	}
	var out []backend.Backend
	for _, kind := range Preference(t, s.registry.Kinds()) {
		b, _ := s.registry.Get(kind)
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, agenterr.Newf(agenterr.KindUnsupportedBackend, nil, "no configured backend can answer %s questions", t)
	}
	return out, nil
}

// modelTarget is the primary backend when it can serve the intent, the most
// preferred candidate otherwise.
func (s *Synthesizer) modelTarget(candidates []backend.Backend) backend.Backend {
	for _, b := range candidates {
		if b.Kind() == s.primary {
			return b
		}
	}
	return candidates[0]
}

func (s *Synthesizer) fromTemplates(in domain.QueryIntent, kind domain.BackendKind, schema *backend.Schema) *domain.GeneratedQuery {
	env := buildEnv{intent: in, schema: schema, settings: s.settings}
	for _, t := range templates {
		if t.intent == in.Type && t.kind == kind && t.matches(env) {
			return s.render(t, env)
		}
	}
	return nil
}

func (s *Synthesizer) render(t template, env buildEnv) *domain.GeneratedQuery {
	text, params := t.build(env)
	s.log.Debug().Str("template", t.name).Str("backend", string(t.kind)).Msg("template matched")
	return &domain.GeneratedQuery{
		Backend:    t.kind,
		NativeText: text,
		Parameters: params,
		Source:     domain.SourceTemplate,
		Template:   t.name,
	}
}

// safeFallback lists recent transactions on the primary backend, or on the
// pinned one.
func (s *Synthesizer) safeFallback(ctx context.Context, in domain.QueryIntent, opts Options, candidates []backend.Backend) (*domain.GeneratedQuery, []provider.Attempt, error) {
	b := candidates[0]
	if opts.Backend == "" {
		if p, ok := s.registry.Get(s.primary); ok {
			b = p
		}
	}
	schema, err := s.registry.Schema(ctx, b)
	if err != nil {
		return nil, nil, agenterr.New(agenterr.KindUnsupportedBackend, fmt.Errorf("safeFallback: %w", err))
	}
	env := buildEnv{intent: in, schema: schema, settings: s.settings}
	for _, t := range safeTemplates {
		if t.kind == b.Kind() && t.matches(env) {
			return s.render(t, env), nil, nil
		}
	}
	return nil, nil, agenterr.Newf(agenterr.KindUnsupportedBackend, nil, "backend %s cannot list transactions", b.ID())
}

func (s *Synthesizer) fromModels(ctx context.Context, in domain.QueryIntent, b backend.Backend) (*domain.GeneratedQuery, []provider.Attempt, error) {
	if s.models == nil || s.models.Len() == 0 {
		return nil, nil, agenterr.New(agenterr.KindAllProvidersExhausted, errors.New("no template matched and no model provider is configured"))
	}
	schema, err := s.registry.Schema(ctx, b)
	if err != nil {
		return nil, nil, agenterr.New(agenterr.KindUnsupportedBackend, fmt.Errorf("fromModels: %w", err))
	}
	req := provider.Request{
		Intent:   in,
		Kind:     b.Kind(),
		Schema:   schema,
		Validate: b.ValidateSyntax,
		Params:   modelParams(in, b.Kind(), s.settings),
	}
	q, attempts, err := s.models.Synthesize(ctx, req, nil)
	if err != nil {
		return nil, attempts, err
	}
	return q, attempts, nil
}
