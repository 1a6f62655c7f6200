// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/Vusisean11/valiant/pkg/audit"
	"github.com/Vusisean11/valiant/pkg/config"
	"github.com/Vusisean11/valiant/pkg/core"
	"github.com/Vusisean11/valiant/pkg/engine"
	"github.com/Vusisean11/valiant/pkg/generation"
	"github.com/Vusisean11/valiant/pkg/governance"
	"github.com/Vusisean11/valiant/pkg/llm"
	"github.com/Vusisean11/valiant/pkg/llm/anthropic"
	"github.com/Vusisean11/valiant/pkg/llm/openai"
	"github.com/Vusisean11/valiant/pkg/matcher"
	"github.com/Vusisean11/valiant/pkg/mcp"
	"github.com/Vusisean11/valiant/pkg/repository"
	"github.com/Vusisean11/valiant/pkg/resilience"
	"github.com/Vusisean11/valiant/pkg/session"
	"github.com/Vusisean11/valiant/pkg/telemetry"
	"github.com/Vusisean11/valiant/pkg/tools"
)

// runtime is the wired engine and everything that has to be closed with it.
type runtime struct {
	repos   *repository.Registry
	source  repository.Source
	engine  *engine.Engine
	events  *core.Broadcaster
	health  *core.HealthRegistry
	breaker *resilience.CircuitBreaker
	log     *slog.Logger

	closers []func() error
}

// runtimeOverrides replace configured capabilities; tests use them to run
// without a model.
type runtimeOverrides struct {
	provider  llm.Provider
	evaluator matcher.Evaluator
	generator generation.Generator
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, ov runtimeOverrides) (_ *runtime, err error) {
	rt := &runtime{
		repos:  repository.NewRegistry(repository.WithLogger(logger)),
		source: repository.FileSource{Dir: cfg.Repository.Path},
		events: core.NewBroadcaster(256),
		health: core.NewHealthRegistry(),
		log:    logger,
	}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if err := rt.repos.Refresh(ctx, rt.source); err != nil {
		return nil, NewRepositoryError(err, cfg.Repository.Path)
	}
	agents := rt.repos.Agents()
	if len(agents) == 0 {
		logger.Warn("repository.empty", slog.String("path", cfg.Repository.Path))
	}
	logger.Info("repository.loaded", slog.String("path", cfg.Repository.Path), slog.String("agents", strings.Join(agents, ",")))

	provider := ov.provider
	if provider == nil {
		if provider, err = newProvider(cfg.LLM); err != nil {
			return nil, err
		}
	}

	metrics, err := telemetry.NewEngineMetrics()
	if err != nil {
		return nil, fmt.Errorf("engine metrics: %w", err)
	}

	evaluator := ov.evaluator
	if evaluator == nil {
		e := matcher.NewLLMEvaluator(provider, cfg.LLM.Model)
		e.Temperature = cfg.LLM.Temperature
		evaluator = e
	}
	m := matcher.New(evaluator,
		matcher.WithConcurrency(cfg.Engine.Matcher.Concurrency),
		matcher.WithTimeout(cfg.Engine.Matcher.Timeout),
		matcher.WithMinConfidence(cfg.Engine.Matcher.MinConfidence),
		matcher.WithLogger(telemetry.Component(logger, "matcher")),
	)

	registry := tools.NewRegistry()
	if err := rt.bindMCP(ctx, cfg.Engine.Tools.MCP, registry); err != nil {
		return nil, err
	}
	orchestrator := tools.New(registry,
		tools.WithFilter(governance.FilterFromConfig(cfg.Engine.Tools)),
		tools.WithConcurrency(cfg.Engine.Tools.Concurrency),
		tools.WithTimeout(cfg.Engine.Tools.Timeout),
		tools.WithLogger(telemetry.Component(logger, "tools")),
		tools.WithMetrics(metrics),
	)

	gen := ov.generator
	if gen == nil {
		g := generation.NewLLMGenerator(provider, cfg.LLM.Model)
		g.Temperature = cfg.LLM.Temperature
		if cfg.LLM.MaxTokens > 0 {
			g.MaxTokens = cfg.LLM.MaxTokens
		}
		gen = g
	}
	gcfg := cfg.Engine.Generation
	genOpts := []generation.Option{
		generation.WithTimeout(gcfg.Timeout),
		generation.WithRetry(gcfg.MaxAttempts, gcfg.InitialDelay, gcfg.MaxDelay),
		generation.WithLogger(telemetry.Component(logger, "generation")),
		generation.WithMetrics(metrics),
	}
	if gcfg.BreakerThreshold > 0 {
		rt.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "generation",
			FailureThreshold: gcfg.BreakerThreshold,
			SuccessThreshold: 1,
			Timeout:          gcfg.BreakerCooldown,
		})
		genOpts = append(genOpts, generation.WithBreaker(rt.breaker))
	}

	store, err := rt.openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	auditStore, err := rt.openAudit(cfg.Store.AuditDSN)
	if err != nil {
		return nil, err
	}

	rt.engine = engine.New(rt.repos, m, orchestrator,
		engine.WithStore(store),
		engine.WithGenerator(generation.NewResilient(gen, genOpts...)),
		engine.WithStallTurns(cfg.Engine.Journey.StallTurns),
		engine.WithFallback(gcfg.FallbackUtterance),
		engine.WithTranscriptWindow(cfg.Engine.TranscriptWindow),
		engine.WithEmitter(rt.events),
		engine.WithAudit(auditStore),
		engine.WithMetrics(metrics),
		engine.WithLogger(telemetry.Component(logger, "engine")),
	)
	rt.registerHealth()
	return rt, nil
}

// defaultOllamaURL is the configured base_url default; it is not forwarded
// to hosted providers.
const defaultOllamaURL = "http://localhost:11434"

// newProvider builds the chat model client named by cfg.Provider.
func newProvider(cfg config.LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "ollama":
		return llm.NewOllama(cfg.BaseURL, cfg.Model), nil
	case "openai":
		opts := []openai.Option{openai.WithModel(cfg.Model), openai.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" && cfg.BaseURL != defaultOllamaURL {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...), nil
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithModel(cfg.Model), anthropic.WithAPIKey(cfg.APIKey)}
		if cfg.MaxTokens > 0 {
			opts = append(opts, anthropic.WithMaxTokens(int64(cfg.MaxTokens)))
		}
		return anthropic.New(opts...), nil
	case "mock":
		return mockProvider(), nil
	default:
		return nil, NewConfigError(fmt.Errorf("unsupported llm provider %q", cfg.Provider), rootFlags.ConfigPath)
	}
}

// mockProvider answers every condition with "not matched" and every reply
// request with a fixed utterance, so the engine can run offline.
func mockProvider() llm.Provider {
	return &llm.MockProvider{ChatFunc: func(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if req.JSON {
			return &llm.ChatResponse{Content: `{"matched": false, "confidence": 0, "rationale": "mock evaluator"}`}, nil
		}
		return &llm.ChatResponse{Content: "(mock) Thanks, noted."}, nil
	}}
}

// bindMCP connects to every configured MCP server and registers the tools
// the published agents declare.
func (rt *runtime) bindMCP(ctx context.Context, servers []config.MCPServer, registry *tools.Registry) error {
	if len(servers) == 0 {
		return nil
	}
	declared := rt.declaredTools()
	for _, srv := range servers {
		var (
			client *mcp.Client
			err    error
		)
		if srv.Command != "" {
			client, err = mcp.NewClientWithStdio(srv.Command, srv.Args)
		} else {
			client, err = mcp.NewClientWithStreamableHTTP(srv.URL)
		}
		if err != nil {
			return NewConfigError(fmt.Errorf("connect mcp server %q: %w", srv.Name, err), rootFlags.ConfigPath)
		}
		rt.closers = append(rt.closers, client.Close)

		wanted := srv.Tools
		if len(wanted) == 0 {
			wanted = declared
		}
		bound, err := mcp.Bind(ctx, client, registry, srv.Prefix, wanted)
		if err != nil {
			return NewConfigError(fmt.Errorf("bind mcp server %q: %w", srv.Name, err), rootFlags.ConfigPath)
		}
		rt.log.Info("mcp.server.bound",
			slog.String("server", srv.Name),
			slog.Int("tools", len(bound)),
			slog.String("tool_ids", strings.Join(bound, ",")),
		)
	}
	return nil
}

// declaredTools lists the tool ids of every published agent.
func (rt *runtime) declaredTools() []string {
	var ids []string
	for _, agent := range rt.repos.Agents() {
		v, err := rt.repos.Current(agent)
		if err != nil {
			continue
		}
		for _, t := range v.Definition().Tools {
			if !slices.Contains(ids, t.ID) {
				ids = append(ids, t.ID)
			}
		}
	}
	slices.Sort(ids)
	return ids
}

func (rt *runtime) openStore(ctx context.Context, cfg config.StoreConfig) (session.Store, error) {
	if cfg.Driver == "memory" {
		return session.NewMemoryStore(), nil
	}
	store, err := session.OpenSQLStore(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, NewStoreError(err, cfg.Driver)
	}
	rt.closers = append(rt.closers, store.Close)
	rt.health.Register("store", core.HealthCheckFunc(func(ctx context.Context) core.HealthResult {
		if err := store.DB().PingContext(ctx); err != nil {
			return core.HealthResult{Status: core.HealthUnhealthy, Message: err.Error(), Error: err}
		}
		return core.HealthResult{Status: core.HealthHealthy}
	}))
	return store, nil
}

func (rt *runtime) openAudit(dsn string) (audit.Store, error) {
	if dsn == "" {
		return audit.NewMemoryStore(), nil
	}
	store, err := audit.OpenSQLiteStore(dsn)
	if err != nil {
		return nil, NewStoreError(err, "sqlite (audit)")
	}
	rt.closers = append(rt.closers, store.Close)
	return store, nil
}

func (rt *runtime) registerHealth() {
	rt.health.Register("repository", core.HealthCheckFunc(func(context.Context) core.HealthResult {
		if len(rt.repos.Agents()) == 0 {
			return core.HealthResult{Status: core.HealthDegraded, Message: "no agent published"}
		}
		return core.HealthResult{Status: core.HealthHealthy}
	}))
	if rt.breaker != nil {
		rt.health.Register("generation", core.HealthCheckFunc(func(context.Context) core.HealthResult {
			if state := rt.breaker.State(); state != resilience.StateClosed {
				return core.HealthResult{Status: core.HealthDegraded, Message: "circuit breaker " + state.String()}
			}
			return core.HealthResult{Status: core.HealthHealthy}
		}))
	}
}

// Close releases stores and MCP connections in reverse order.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.log.Warn("runtime.close.error", slog.String("error", err.Error()))
		}
	}
	rt.closers = nil
}
