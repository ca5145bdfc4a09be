package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"skillforge/internal/composite"
	"skillforge/internal/config"
	"skillforge/internal/embedding"
	"skillforge/internal/executor"
	"skillforge/internal/llm"
	"skillforge/internal/orchestrator"
	"skillforge/internal/planner"
	"skillforge/internal/policy"
	"skillforge/internal/reflection"
	"skillforge/internal/registry"
	"skillforge/internal/sandbox"
	"skillforge/internal/skillgraph"
	"skillforge/internal/store"
	"skillforge/internal/synthesis"
	"skillforge/internal/tracker"
)

// system is a fully wired service instance.
type system struct {
	cfg      *config.Config
	store    *store.Store
	registry *registry.Registry
	policies *policy.Manager
	synth    *synthesis.Engine
	executor *executor.Executor
	planner  *planner.Planner
	promoter *composite.Synthesizer
	reflect  *reflection.Engine
	orch     *orchestrator.Orchestrator
	llm      llm.Service
}

func (s *system) Close() {
	if s.registry != nil {
		_ = s.registry.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

// buildSystem loads config and wires every engine. The heuristic
// provider keeps everything working without credentials, so a missing
// API key downgrades rather than fails.
func buildSystem(ctx context.Context) (*system, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.LLM.Provider == "gemini" && cfg.LLM.APIKey == "" {
		logger.Warn("no API key configured, using the offline heuristic provider")
		cfg.LLM.Provider = "heuristic"
		cfg.Embedding.Provider = "local"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.Store.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	st, err := store.New(cfg.Store.DatabasePath)
	if err != nil {
		return nil, err
	}

	sys := &system{cfg: cfg, store: st}
	if err := sys.wire(ctx); err != nil {
		sys.Close()
		return nil, err
	}
	return sys, nil
}

func (s *system) wire(ctx context.Context) error {
	cfg := s.cfg

	svc, err := llm.NewService(llm.Options{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		Timeout:  cfg.GetLLMTimeout(),
	})
	if err != nil {
		return err
	}
	s.llm = svc

	embedder, err := embedding.NewEngine(embedding.Config{
		Provider:    cfg.Embedding.Provider,
		GenAIAPIKey: cfg.LLM.APIKey,
		GenAIModel:  cfg.Embedding.Model,
		TaskType:    cfg.Embedding.TaskType,
	})
	if err != nil {
		return err
	}

	s.policies, err = policy.NewManager(s.store)
	if err != nil {
		return err
	}
	s.registry, err = registry.New(s.store, embedder, s.policies, cfg.Store.CapabilitiesDir)
	if err != nil {
		return err
	}

	sb := sandbox.New(cfg.GetVerifyTimeout(), cfg.Sandbox.MaxOutputBytes)
	s.synth = synthesis.New(svc, sb, s.registry, synthesis.LogSink{})

	s.executor = executor.New(s.registry, sb, svc, s.store)
	cache, err := s.buildCache(ctx)
	if err != nil {
		return err
	}
	s.executor.SetCache(cache)

	s.planner = planner.New(s.registry, svc, s.store)
	s.promoter = composite.New(s.store, s.registry, s.synth, s.policies)
	s.reflect = reflection.New(s.store, s.registry, svc, s.synth, cache)

	s.orch = orchestrator.New(orchestrator.Config{
		Store:    s.store,
		Registry: s.registry,
		Planner:  s.planner,
		Executor: s.executor,
		Synth:    s.synth,
		Tracker:  tracker.New(s.store),
		Graph:    skillgraph.NewGraph(s.store),
		Promoter: s.promoter,
		Reflect:  s.reflect,
		LLM:      svc,
	})
	return nil
}

func (s *system) buildCache(ctx context.Context) (*skillgraph.Cache, error) {
	if s.cfg.Cache.Backend == "redis" {
		backend, err := skillgraph.NewRedisBackend(ctx, s.cfg.Cache.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, caching in sqlite", zap.Error(err))
		} else {
			return skillgraph.NewCache(backend, s.policies), nil
		}
	}
	return skillgraph.NewCache(skillgraph.NewSQLiteBackend(s.store), s.policies), nil
}
