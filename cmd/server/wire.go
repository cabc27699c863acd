package main

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	vc "github.com/linnemanlabs/intake/internal/cfg"
	"github.com/linnemanlabs/intake/internal/embed"
	"github.com/linnemanlabs/intake/internal/intake"
	"github.com/linnemanlabs/intake/internal/intake/memstore"
	"github.com/linnemanlabs/intake/internal/intake/pgstore"
	"github.com/linnemanlabs/intake/internal/intake/sqlitestore"
	"github.com/linnemanlabs/intake/internal/llm/claude"
	"github.com/linnemanlabs/intake/internal/notify/slack"
	"github.com/linnemanlabs/intake/internal/postgres"
	"github.com/linnemanlabs/intake/internal/rules"
	"github.com/linnemanlabs/intake/internal/similarity"
	"github.com/linnemanlabs/intake/internal/syncer"
	"github.com/linnemanlabs/intake/internal/tools"
	"github.com/linnemanlabs/intake/internal/triage"
)

// stopFn is a named shutdown step.
type stopFn struct {
	name string
	fn   func(context.Context) error
}

// pipeline is everything the API and the sync loop run on.
type pipeline struct {
	store      intake.Store
	classifier *similarity.Classifier
	service    *triage.Service
	runner     *syncer.Runner
	stops      []stopFn
}

func (p *pipeline) close(ctx context.Context, L log.Logger) {
	// reverse order, last opened first closed
	for i := len(p.stops) - 1; i >= 0; i-- {
		if err := p.stops[i].fn(ctx); err != nil {
			L.Error(ctx, err, p.stops[i].name+" shutdown")
		}
	}
	p.stops = nil
}

// openStore picks postgres, sqlite or memory in that order of preference.
func openStore(ctx context.Context, c *vc.Config, L log.Logger) (intake.Store, *stopFn, error) {
	switch {
	case c.DatabaseURL != "":
		pool, err := postgres.NewPool(ctx, c.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		st, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store")
		return st, &stopFn{"postgres pool", func(context.Context) error { pool.Close(); return nil }}, nil
	case c.SQLitePath != "":
		st, err := sqlitestore.New(ctx, c.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlitestore init: %w", err)
		}
		L.Info(ctx, "using sqlite store", "path", c.SQLitePath)
		return st, &stopFn{"sqlite store", func(context.Context) error { return st.Close() }}, nil
	default:
		L.Info(ctx, "using in-memory store (no database-url or sqlite-path configured)")
		return memstore.New(), nil, nil
	}
}

func newEmbedder(c *vc.Config) (embed.Embedder, error) {
	if c.EmbedEndpoint == "" {
		return embed.NewHasher(c.EmbedDimensions), nil
	}
	return embed.NewClient(embed.Config{
		Endpoint: c.EmbedEndpoint,
		Model:    c.EmbedModel,
		APIKey:   c.EmbedAPIKey,
	})
}

// buildPipeline wires store, layers, service and sync runner. On error
// everything opened so far is already closed.
func buildPipeline(ctx context.Context, c *vc.Config, L log.Logger, reg prometheus.Registerer) (_ *pipeline, err error) {
	p := &pipeline{}
	defer func() {
		if err != nil {
			p.close(context.WithoutCancel(ctx), L)
		}
	}()

	store, stop, err := openStore(ctx, c, L)
	if err != nil {
		return nil, err
	}
	if stop != nil {
		p.stops = append(p.stops, *stop)
	}
	p.store = store

	embedder, err := newEmbedder(c)
	if err != nil {
		return nil, fmt.Errorf("embedder init: %w", err)
	}
	p.classifier = similarity.New(store, embedder, c.SimilarityPool)
	L.Info(ctx, "initialized embedder", "remote", c.EmbedEndpoint != "", "dimensions", embedder.Dimensions())

	rulesCfg, err := rules.LoadConfig(c.RulesFile)
	if err != nil {
		return nil, err
	}
	deriver, err := rules.NewDeriver(rulesCfg)
	if err != nil {
		return nil, fmt.Errorf("rules config: %w", err)
	}
	ruleEngine := rules.NewEngine(rules.DefaultRules(rulesCfg.ShortQuestionMaxLength))

	triageMetrics := triage.NewMetrics(reg)
	hooks := triageMetrics.Hooks()

	deps := triage.Deps{
		Store:      store,
		Deriver:    deriver,
		Rules:      ruleEngine,
		Similarity: p.classifier,
	}
	if !c.SkipOracle {
		provider := claude.New(c.ClaudeAPIKey, c.ClaudeModel)
		registry := tools.NewRegistry(
			tools.NewLookupThread(store),
			tools.NewRecentCorrections(store),
		)
		deps.Oracle = triage.NewLLMOracle(provider, registry, L, hooks, triage.OracleConfig{
			Timeout:     c.OracleTimeout,
			Corrections: store,
		})
		L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", c.ClaudeModel)
	} else {
		L.Info(ctx, "verification oracle disabled")
	}

	engine, err := triage.NewEngine(deps, L, hooks)
	if err != nil {
		return nil, fmt.Errorf("triage engine: %w", err)
	}

	var notifier triage.Notifier
	if c.SlackWebhookURL != "" {
		notifier = slack.New(c.SlackWebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	p.service = triage.NewService(store, engine, notifier, L, triage.ServiceConfig{
		ThreadWindow: c.ThreadWindow,
		SkipOracle:   c.SkipOracle,
	})

	var adapters []syncer.Adapter
	if c.SpoolFile != "" {
		adapters = append(adapters, syncer.NewSpoolAdapter(c.SpoolFile, 0))
	}
	sources, err := syncer.NewRegistry(adapters...)
	if err != nil {
		return nil, fmt.Errorf("sync registry: %w", err)
	}

	var locker syncer.Locker = syncer.NewLocalLocker()
	if c.RedisURL != "" {
		rdb, err := syncer.NewRedisClient(ctx, c.RedisURL)
		if err != nil {
			return nil, err
		}
		p.stops = append(p.stops, stopFn{"redis client", func(context.Context) error { return rdb.Close() }})
		locker = syncer.NewRedisLocker(rdb, "", 0)
		L.Info(ctx, "using redis sync locks")
	}

	p.runner, err = syncer.NewRunner(sources, p.service, store, locker, L, syncer.NewMetrics(reg).Hooks(), syncer.RunnerConfig{
		SkipOracle: c.SkipOracle,
	})
	if err != nil {
		return nil, fmt.Errorf("sync runner: %w", err)
	}
	return p, nil
}
