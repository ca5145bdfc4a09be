package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var askSession string

var askCmd = &cobra.Command{
	Use:   "ask [request]",
	Short: "Answer a request, synthesizing capabilities as needed",
	Long: `Routes a natural-language request through the full loop:
  1. Plan: decompose the request and route it (reuse, composite,
     pattern replay, or step-by-step decomposition)
  2. Synthesize: generate, test, and verify any capability the
     registry cannot serve, then re-plan once
  3. Execute: run each step in the sandbox, threading outputs
  4. Learn: mine the workflow for patterns, update the skill graph,
     promote eligible patterns to composites

Examples:
  skillforge ask "What is 25% of 80?"
  skillforge ask 'Count the words in "the quick brown fox", then check if the result is prime'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askSession, "session", "s", "", "Session ID (default: a fresh session)")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	sys, err := buildSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.Close()

	sessionID := askSession
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	request := joinArgs(args)
	logger.Info("Processing request",
		zap.String("session", sessionID),
		zap.String("request", request))

	resp, err := sys.orch.Handle(ctx, sessionID, request)
	if err != nil {
		logger.Debug("Request failed", zap.Error(err))
		if resp == nil || resp.Reply == "" {
			return fmt.Errorf("request failed: %w", err)
		}
	}

	fmt.Println(resp.Reply)
	if verbose {
		fmt.Printf("\nroute: %s\n", resp.Route)
		if len(resp.Synthesized) > 0 {
			fmt.Printf("synthesized: %s\n", strings.Join(resp.Synthesized, ", "))
		}
		for _, s := range resp.Steps {
			mark := fmt.Sprintf("%dms", s.Result.LatencyMs)
			if s.Result.Cached {
				mark = "cached"
			}
			fmt.Printf("  step %d: %s -> %s (%s)\n", s.Step.Index, s.Result.Capability, s.Result.Output, mark)
		}
	}
	return nil
}
