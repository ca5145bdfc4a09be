package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"skillforge/internal/policy"
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "List mined workflow patterns",
	Long: `Shows the capability sequences mined from completed workflows,
with the statistics that drive composite promotion: how often each
sequence recurred, how reliably it succeeded, and the confidence the
tracker has accumulated.`,
	RunE: listPatterns,
}

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Promote eligible patterns to composite capabilities",
	Long: `Scans unpromoted patterns against the active promotion policy and
builds a composite capability for each one that qualifies. Composites
are assembled from their member implementations, verified in the
sandbox, and registered like any synthesized capability.`,
	RunE: runPromote,
}

var reflectCmd = &cobra.Command{
	Use:   "reflect",
	Short: "Apply fixes for open failure reflections",
	RunE:  runReflect,
}

var tuneCmd = &cobra.Command{
	Use:   "tune",
	Short: "Tune policies against recent execution history",
	Long: `Searches the parameter space of the retrieval threshold, the
reranking weights, and the composite promotion criteria against recent
execution history. A candidate is applied only when it beats the
active policy by a clear margin; every applied change is a new
versioned policy row attributed to the tuner.`,
	RunE: runTune,
}

func listPatterns(cmd *cobra.Command, args []string) error {
	sys, err := buildSystem(context.Background())
	if err != nil {
		return err
	}
	defer sys.Close()

	patterns, err := sys.store.ListPatterns(false)
	if err != nil {
		return err
	}
	if len(patterns) == 0 {
		fmt.Println("No patterns mined yet. Patterns appear after multi-step workflows complete.")
		return nil
	}

	fmt.Printf("%-50s %4s %6s %6s %s\n", "SEQUENCE", "FREQ", "OK%", "CONF", "STATUS")
	for _, p := range patterns {
		status := "candidate"
		if p.Promoted {
			status = "promoted"
		} else if p.RejectionNote != "" {
			status = "rejected"
		}
		fmt.Printf("%-50s %4d %5.0f%% %6.2f %s\n",
			strings.Join(p.Sequence, " -> "), p.Frequency, p.SuccessRate*100, p.Confidence, status)
	}
	return nil
}

func runPromote(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sys, err := buildSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.Close()

	promotions, err := sys.promoter.ScanAndPromote(ctx)
	if err != nil {
		return err
	}
	if len(promotions) == 0 {
		fmt.Println("No patterns meet the promotion criteria.")
		return nil
	}
	for _, p := range promotions {
		if p.Rejected {
			fmt.Printf("rejected %s: %s\n", p.Pattern, p.Reason)
		} else {
			fmt.Printf("promoted %s -> %s v%d\n", p.Pattern, p.Capability.Name, p.Capability.Version)
		}
	}
	return nil
}

func runReflect(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sys, err := buildSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.Close()

	fixed, rejected, err := sys.reflect.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Reflections resolved: %d fixed, %d rejected\n", fixed, rejected)
	return nil
}

func runTune(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sys, err := buildSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.Close()

	tuner := policy.NewTuner(sys.store, sys.policies, sys.cfg.Tuner.LookbackDays, sys.cfg.Tuner.Trials)
	recs, err := tuner.Run(ctx)
	if err != nil {
		return err
	}

	for _, r := range recs {
		verdict := "kept incumbent"
		if r.Applied {
			verdict = "applied"
		}
		fmt.Printf("%-35s score %.3f (incumbent %.3f) %s\n", r.Policy, r.Score, r.CurrentScore, verdict)
		if verbose && r.Reason != "" {
			fmt.Printf("    %s\n", r.Reason)
		}
	}
	return nil
}
