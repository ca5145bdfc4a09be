package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var capabilitiesCmd = &cobra.Command{
	Use:     "capabilities",
	Aliases: []string{"caps", "tools"},
	Short:   "Inspect the capability registry",
	RunE:    listCapabilities,
}

var capabilityShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Print a capability's verified source",
	Args:  cobra.ExactArgs(1),
	RunE:  showCapability,
}

var capabilityRemoveCmd = &cobra.Command{
	Use:   "remove [name]",
	Short: "Remove a capability and its source files",
	Args:  cobra.ExactArgs(1),
	RunE:  removeCapability,
}

func init() {
	capabilitiesCmd.AddCommand(capabilityShowCmd)
	capabilitiesCmd.AddCommand(capabilityRemoveCmd)
}

func listCapabilities(cmd *cobra.Command, args []string) error {
	sys, err := buildSystem(context.Background())
	if err != nil {
		return err
	}
	defer sys.Close()

	caps, err := sys.registry.List()
	if err != nil {
		return err
	}
	if len(caps) == 0 {
		fmt.Println("No capabilities registered yet. Try 'skillforge ask'.")
		return nil
	}

	fmt.Printf("%-40s %4s %-15s %6s %6s\n", "NAME", "VER", "PROVENANCE", "RUNS", "OK%")
	for _, c := range caps {
		stats, err := sys.store.GetCapabilityStats(c.Name)
		if err != nil {
			return err
		}
		fmt.Printf("%-40s %4d %-15s %6d %5.0f%%\n",
			c.Name, c.Version, c.Provenance, stats.Executions, stats.SuccessRate*100)
	}
	return nil
}

func showCapability(cmd *cobra.Command, args []string) error {
	sys, err := buildSystem(context.Background())
	if err != nil {
		return err
	}
	defer sys.Close()

	name := args[0]
	cap, err := sys.registry.Get(name)
	if err != nil {
		return err
	}
	if cap == nil {
		return fmt.Errorf("capability %s not found", name)
	}
	impl, tests, err := sys.registry.Source(name)
	if err != nil {
		return err
	}

	fmt.Printf("// %s v%d (%s)\n", cap.Name, cap.Version, cap.Provenance)
	if cap.SourcePattern != "" {
		fmt.Printf("// promoted from pattern %s\n", cap.SourcePattern)
	}
	fmt.Printf("// %s\n\n", cap.Description)
	fmt.Println(impl)
	if tests != "" {
		fmt.Println("// --- tests ---")
		fmt.Println(tests)
	}
	return nil
}

func removeCapability(cmd *cobra.Command, args []string) error {
	sys, err := buildSystem(context.Background())
	if err != nil {
		return err
	}
	defer sys.Close()

	name := args[0]
	if err := sys.registry.Remove(name); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", name)
	return nil
}
