package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"skillforge/internal/config"
	"skillforge/internal/policy"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	RunE:  showStatus,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE:  runInit,
}

func showStatus(cmd *cobra.Command, args []string) error {
	sys, err := buildSystem(context.Background())
	if err != nil {
		return err
	}
	defer sys.Close()

	fmt.Println("skillforge status")
	fmt.Println("=================")
	fmt.Printf("Provider:     %s (embeddings: %s)\n", sys.cfg.LLM.Provider, sys.cfg.Embedding.Provider)
	fmt.Printf("Store:        %s\n", sys.cfg.Store.DatabasePath)
	fmt.Printf("Capabilities: %s\n", sys.cfg.Store.CapabilitiesDir)
	fmt.Printf("Cache:        %s\n", sys.cfg.Cache.Backend)
	fmt.Println()

	caps, err := sys.registry.List()
	if err != nil {
		return err
	}
	patterns, err := sys.store.ListPatterns(false)
	if err != nil {
		return err
	}
	promoted := 0
	for _, p := range patterns {
		if p.Promoted {
			promoted++
		}
	}
	open, err := sys.store.OpenReflections()
	if err != nil {
		return err
	}
	metrics, err := sys.store.GetMetrics(time.Now().Add(-7 * 24 * time.Hour))
	if err != nil {
		return err
	}

	fmt.Printf("Capabilities registered: %d\n", len(caps))
	fmt.Printf("Patterns mined:          %d (%d promoted)\n", len(patterns), promoted)
	fmt.Printf("Open reflections:        %d\n", len(open))
	fmt.Printf("Executions (7 days):     %d, %.0f%% ok, %.0fms avg\n",
		metrics.TotalExecutions, metrics.SuccessRate*100, metrics.AvgLatencyMs)

	h := sys.policies.Handle()
	fmt.Println()
	fmt.Printf("Retrieval threshold: %.2f (v%d)\n", h.Retrieval.Threshold, h.Versions[policy.RetrievalThreshold])
	fmt.Printf("Rerank weights:      sim %.2f / success %.2f / freq %.2f\n",
		h.Rerank.Similarity, h.Rerank.SuccessRate, h.Rerank.Frequency)
	fmt.Printf("Promotion criteria:  freq >= %d, success >= %.2f, confidence >= %.2f\n",
		h.Promotion.MinFrequency, h.Promotion.MinSuccessRate, h.Promotion.MinConfidence)
	fmt.Printf("Cache TTL:           %s\n", h.CacheTTL)
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		return nil
	}
	cfg := config.DefaultConfig()
	if err := cfg.Save(configPath); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", configPath)
	fmt.Println("Set GEMINI_API_KEY to use the gemini provider; without it the offline heuristic provider is used.")
	return nil
}
