package agent

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-agent/internal/audit"
	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/config"
	"github.com/dvloznov/finance-agent/internal/executor"
	"github.com/dvloznov/finance-agent/internal/graph"
	"github.com/dvloznov/finance-agent/internal/infra/bigquery"
	"github.com/dvloznov/finance-agent/internal/infra/neo4j"
	"github.com/dvloznov/finance-agent/internal/infra/postgres"
	"github.com/dvloznov/finance-agent/internal/infra/qdrant"
	"github.com/dvloznov/finance-agent/internal/infra/sqlite"
	"github.com/dvloznov/finance-agent/internal/intent"
	"github.com/dvloznov/finance-agent/internal/provider"
	"github.com/dvloznov/finance-agent/internal/synth"
)

// Service is a fully wired agent plus the pieces the HTTP layer and the
// commands reach into directly.
type Service struct {
	Agent        *Agent
	Ingester     *Ingester
	Engine       *graph.Engine
	Registry     *backend.Registry
	Emitter      *audit.Emitter
	Orchestrator *provider.Orchestrator

	closers []func(context.Context)
}

// Build connects every configured backend, starts the audit emitter and
// seeds the engine. Close releases everything Build opened.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Service, error) {
	svc := &Service{
		Engine:   graph.NewEngine(log),
		Registry: backend.NewRegistry(),
	}
	var mirrors []Mirror

	var fallback backend.Backend
	if nc := cfg.Backends.Neo4j; nc != nil {
		client, err := neo4j.Open(ctx, nc, log)
		if err != nil {
			svc.Close(ctx)
			return nil, fmt.Errorf("Build: neo4j: %w", err)
		}
		svc.closers = append(svc.closers, func(ctx context.Context) { _ = client.Close(ctx) })
		mirror := client.Mirror()
		mirror.EnsureSchema(ctx)
		mirrors = append(mirrors, mirror)
		fallback = client.Backend()
	}
	svc.Registry.Register(graph.NewProcedureBackend(svc.Engine, fallback))

	if rc := cfg.Backends.Relational; rc != nil {
		b, mirror, closeFn, err := openRelational(ctx, rc)
		if err != nil {
			svc.Close(ctx)
			return nil, fmt.Errorf("Build: relational: %w", err)
		}
		svc.closers = append(svc.closers, closeFn)
		svc.Registry.Register(b)
		if mirror != nil {
			mirrors = append(mirrors, mirror)
		}
	}

	if vc := cfg.Backends.Vector; vc != nil {
		emb, err := qdrant.NewGeminiEmbedder(ctx, vc.GeminiAPIKey, vc.EmbeddingModel)
		if err != nil {
			svc.Close(ctx)
			return nil, fmt.Errorf("Build: vector: %w", err)
		}
		store, err := qdrant.Open(ctx, vc, emb, log)
		if err != nil {
			svc.Close(ctx)
			return nil, fmt.Errorf("Build: vector: %w", err)
		}
		svc.Registry.Register(store)
		mirrors = append(mirrors, store)
	}

	svc.Orchestrator = provider.FromConfig(ctx, cfg, log)
	var models synth.ModelChain
	if svc.Orchestrator.Len() > 0 {
		models = svc.Orchestrator
	}

	sinks, closeSinks := audit.SinksFromConfig(ctx, cfg.Audit, log)
	svc.Emitter = audit.NewEmitter(cfg.Audit, log, sinks...)
	if err := svc.Emitter.Start(context.WithoutCancel(ctx)); err != nil {
		closeSinks()
		svc.Close(ctx)
		return nil, fmt.Errorf("Build: %w", err)
	}
	svc.closers = append(svc.closers, func(ctx context.Context) {
		if err := svc.Emitter.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("audit emitter did not drain")
		}
		closeSinks()
	})

	svc.Agent = New(cfg.Agent, Deps{
		Classifier:  intent.New(svc.Engine, intent.WithThreshold(cfg.Agent.LowConfidenceThreshold)),
		Synthesizer: synth.New(svc.Registry, models, cfg, log),
		Executor:    executor.New(svc.Registry, cfg.Executor, log),
		Registry:    svc.Registry,
		Auditor:     svc.Emitter,
	}, log)
	svc.Ingester = NewIngester(svc.Engine, log, mirrors...)

	if cfg.Graph.SeedFile != "" {
		res, err := svc.seed(ctx, cfg.Graph.SeedFile)
		if err != nil {
			svc.Close(ctx)
			return nil, fmt.Errorf("Build: %w", err)
		}
		log.Info().Str("file", cfg.Graph.SeedFile).Int("created", res.Created).Int("rejected", res.Rejected).Msg("graph seeded")
	}

	log.Info().Interface("backends", svc.Registry.Kinds()).Int("providers", svc.Orchestrator.Len()).Msg("agent ready")
	return svc, nil
}

func (s *Service) seed(ctx context.Context, path string) (IngestResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return IngestResult{}, fmt.Errorf("seed: %w", err)
	}
	defer f.Close()
	records, err := DecodeRecords(f)
	if err != nil {
		return IngestResult{}, fmt.Errorf("seed %s: %w", path, err)
	}
	return s.Ingester.Ingest(ctx, records)
}

// Close shuts down in reverse order of construction.
func (s *Service) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i](ctx)
	}
	s.closers = nil
}

// openRelational opens the configured SQL engine. SQLite and Postgres also
// mirror ingested records; BigQuery is the upstream source and is read-only
// here.
func openRelational(ctx context.Context, rc *config.RelationalConfig) (backend.Backend, Mirror, func(context.Context), error) {
	switch rc.Driver {
	case "sqlite":
		b, err := sqlite.Open(ctx, rc)
		if err != nil {
			return nil, nil, nil, err
		}
		return b, b, func(context.Context) { _ = b.Close() }, nil
	case "postgres":
		b, err := postgres.Open(ctx, rc)
		if err != nil {
			return nil, nil, nil, err
		}
		return b, b, func(context.Context) { _ = b.Close() }, nil
	case "bigquery":
		b, err := bigquery.Open(ctx, rc)
		if err != nil {
			return nil, nil, nil, err
		}
		return b, nil, func(context.Context) { _ = b.Close() }, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown driver %q", rc.Driver)
}
