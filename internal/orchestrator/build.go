package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/mohammad-safakhou/reviewqa/config"
	"github.com/mohammad-safakhou/reviewqa/internal/analyst"
	"github.com/mohammad-safakhou/reviewqa/internal/helpers"
	"github.com/mohammad-safakhou/reviewqa/internal/resolver"
	"github.com/mohammad-safakhou/reviewqa/internal/review"
	"github.com/mohammad-safakhou/reviewqa/internal/router"
	"github.com/mohammad-safakhou/reviewqa/internal/sampler"
	"github.com/mohammad-safakhou/reviewqa/internal/store"
	"github.com/mohammad-safakhou/reviewqa/provider"
	"github.com/mohammad-safakhou/reviewqa/repository/redis_repository"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// RetryPolicy derives the per-call retry policy from the pipeline config.
func RetryPolicy(p config.PipelineConfig) helpers.RetryPolicy {
	return helpers.RetryPolicy{
		MaxRetries:     p.MaxRetries,
		AttemptTimeout: p.CallTimeout,
	}
}

// NewFromConfig builds every client described by cfg once and returns an
// Orchestrator owning them. Callers must Close it.
func NewFromConfig(ctx context.Context, cfg *config.Config) (o *Orchestrator, err error) {
	logger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	policy := RetryPolicy(cfg.Pipeline)

	var closers []io.Closer
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i].Close()
			}
		}
	}()

	reg, err := provider.NewRegistry(cfg.LLM, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm registry: %w", err)
	}
	routing := cfg.LLM.Routing.Normalize()
	metadataLLM, err := reg.Completer(routing.Metadata)
	if err != nil {
		return nil, fmt.Errorf("metadata model: %w", err)
	}
	plannerLLM, err := reg.Completer(routing.Planning)
	if err != nil {
		return nil, fmt.Errorf("planning model: %w", err)
	}
	sqlLLM, err := reg.Completer(routing.SQL)
	if err != nil {
		return nil, fmt.Errorf("sql model: %w", err)
	}

	emb, err := provider.NewEmbedder(cfg, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	closers = append(closers, closerFunc(func() error { emb.Close(); return nil }))

	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN(), policy)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	closers = append(closers, st)
	if role := cfg.Storage.Postgres.ReaderRole; role != "" {
		st.ReaderRole = role
	}

	opts := []resolver.Option{}
	if cfg.Storage.Redis.Enabled() {
		rc := cfg.Storage.Redis
		client, err := redis_repository.Conn(ctx, rc.Addr(), rc.Password, rc.DB, rc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		closers = append(closers, client)
		opts = append(opts, resolver.WithCache(redis_repository.NewEntityCache(client, cfg.Pipeline.ResolveCache)))
	}

	cats := resolver.NewMemoryIndex()
	if err := resolver.IndexCategories(ctx, cats, emb); err != nil {
		return nil, fmt.Errorf("failed to index categories: %w", err)
	}
	opts = append(opts, resolver.WithScopeIndex(review.EntityCategory, cats))
	res := resolver.New(emb, st, opts...)

	smp := sampler.New(
		sampler.WithPilotSize(cfg.Pipeline.PilotSize),
		sampler.WithModelProfile(cfg.Pipeline.TokenizerModel),
	)
	rt := router.New(st, sqlLLM, emb, router.Config{
		TokenBudget: cfg.Pipeline.TokenBudget,
		FetchBudget: cfg.Pipeline.FetchBudget,
		SQLRowCap:   cfg.Pipeline.SQLRowCap,
		MaxParallel: cfg.Pipeline.MaxParallel,
	}, router.WithSampler(smp))

	deps := Deps{
		MetadataLLM: metadataLLM,
		PlannerLLM:  plannerLLM,
		Router:      rt,
		Resolver:    res,
		Catalog:     st,
		Logger:      logger,
		Closers:     closers,
	}
	if cfg.Pipeline.Analyse {
		analysisLLM, err := reg.Completer(routing.Analysis)
		if err != nil {
			return nil, fmt.Errorf("analysis model: %w", err)
		}
		deps.Analyst = analyst.New(analysisLLM)
	}
	return New(Options{MaxPlanSteps: cfg.Pipeline.MaxPlanSteps}, deps)
}
