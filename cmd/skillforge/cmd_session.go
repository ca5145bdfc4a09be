package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session [session-id]",
	Short: "Start an interactive session, or show a past session's history",
	Long: `With no argument, opens an interactive loop: each line is routed
through the full ask pipeline under one shared session, so multi-turn
workflows are mined as patterns. With a session ID, prints that
session's conversation and executions instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSession,
}

var sessionLimit int

func init() {
	sessionCmd.Flags().IntVar(&sessionLimit, "limit", 20, "Maximum messages to show")
}

func runSession(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		return showSession(args[0])
	}
	return interactiveSession()
}

func interactiveSession() error {
	ctx, cancel := context.WithCancel(context.Background())
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

	sessionID := uuid.NewString()
	fmt.Printf("session %s — type a request, or \"exit\" to quit\n", sessionID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		reqCtx, reqCancel := context.WithTimeout(ctx, timeout)
		resp, err := sys.orch.Handle(reqCtx, sessionID, line)
		reqCancel()
		if err != nil && (resp == nil || resp.Reply == "") {
			fmt.Println("Something went wrong with that request.")
			if ctx.Err() != nil {
				break
			}
			continue
		}
		fmt.Println(resp.Reply)
		if err != nil && ctx.Err() != nil {
			break
		}
	}
	return scanner.Err()
}

func showSession(sessionID string) error {
	sys, err := buildSystem(context.Background())
	if err != nil {
		return err
	}
	defer sys.Close()

	msgs, err := sys.store.RecentSessionMessages(sessionID, sessionLimit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Printf("No messages for session %s\n", sessionID)
		return nil
	}
	for _, m := range msgs {
		fmt.Printf("[%s] %s\n", m.Role, m.Content)
	}

	execs, err := sys.store.SessionExecutions(sessionID)
	if err != nil {
		return err
	}
	if len(execs) > 0 {
		fmt.Printf("\n%d execution(s):\n", len(execs))
		for _, e := range execs {
			outcome := "ok"
			if !e.Success {
				outcome = e.ErrorKind
			}
			fmt.Printf("  %s %s -> %s (%dms, %s)\n", e.CreatedAt.Format("15:04:05"), e.Capability, e.Output, e.LatencyMs, outcome)
		}
	}
	return nil
}
